// Package store persists the editor source between visits.
package store

import (
	"context"
	"sync"
)

// Key is the name the source is stored under.
const Key = "python_code"

// DefaultCode is shown when neither a share link nor a saved program exists.
const DefaultCode = `# Welcome to Python IDE!
# Write your Python code here and click Run

print("Hello, World!")

for i in range(5):
    print(f"Count: {i}")
`

// Memory keeps the source in process memory.
type Memory struct {
	mu   sync.Mutex
	code string
	ok   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the saved source and whether there is one.
func (m *Memory) Load(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code, m.ok, nil
}

// Save replaces the saved source.
func (m *Memory) Save(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code, m.ok = code, true
	return nil
}
