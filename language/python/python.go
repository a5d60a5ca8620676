// Package python provides the Python language adapter for pyground.
//
// The WASM backend runs a WASI build of the interpreter loaded from disk
// (see the "fetch" command); the process backend runs a host interpreter
// with the embedded bootstrap script.
package python

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

//go:embed prelude.py
var prelude string

//go:embed bootstrap.py
var bootstrap string

// ErrNoModule is returned by Module when no interpreter path is configured.
var ErrNoModule = errors.New("python: no interpreter wasm configured")

// Option configures a Python adapter.
type Option func(*Python)

// WithModulePath sets the path of the interpreter's WASI binary.
func WithModulePath(path string) Option {
	return func(p *Python) {
		p.modulePath = path
	}
}

// Python implements worker.Language.
type Python struct {
	modulePath string

	once   sync.Once
	module []byte
	err    error
}

// New returns a Python language adapter.
func New(opts ...Option) *Python {
	p := &Python{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "python".
func (p *Python) Name() string {
	return "python"
}

// Module reads the interpreter binary once and returns it.
func (p *Python) Module() ([]byte, error) {
	p.once.Do(func() {
		if p.modulePath == "" {
			p.err = ErrNoModule
			return
		}
		p.module, p.err = os.ReadFile(p.modulePath)
		if p.err != nil {
			p.err = fmt.Errorf("python: read interpreter: %w", p.err)
		}
	})
	return p.module, p.err
}

// WrapCode embeds user code as a string literal passed to the prelude's
// runner, so tracebacks point at editor line numbers.
func (p *Python) WrapCode(code string) string {
	return prelude + "\n_pyground_run(" + literal(code) + ")\n"
}

// Args returns the command-line arguments for the Python interpreter.
func (p *Python) Args(wrappedCode string) []string {
	return []string{"python", "-c", wrappedCode}
}

// Bootstrap returns the process-worker script: it reads JSON commands from
// stdin and writes JSON events to stdout.
func Bootstrap() string {
	return bootstrap
}

// ProcessCommand returns the argv that starts the bootstrap on a host
// interpreter with unbuffered output.
func ProcessCommand(interpreter string) []string {
	if interpreter == "" {
		interpreter = "python3"
	}
	return []string{interpreter, "-u", "-c", bootstrap}
}

// literal renders s as a Python string literal. JSON string syntax is a
// subset of Python's.
func literal(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		// Marshal only fails on unsupported types, never on a string.
		panic(err)
	}
	return string(data)
}
