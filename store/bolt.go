package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("code")

// Bolt keeps the source in a bbolt database file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Load returns the saved source and whether there is one.
func (b *Bolt) Load(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var (
		code string
		ok   bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		// Seek rather than Get: an empty program is a zero-length value.
		k, v := tx.Bucket(bucket).Cursor().Seek([]byte(Key))
		if bytes.Equal(k, []byte(Key)) {
			code, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("load code: %w", err)
	}
	return code, ok, nil
}

// Save replaces the saved source.
func (b *Bolt) Save(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(Key), []byte(code))
	})
	if err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	return nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
