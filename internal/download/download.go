// Package download fetches interpreter binaries.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// ErrExists is returned by File when output exists and force is false.
var ErrExists = errors.New("output already exists")

// File downloads url to output. The body is written to a temporary file
// next to output and renamed into place, so a failed download never
// leaves a partial binary behind.
func File(ctx context.Context, client *http.Client, url, output string, force bool) (int64, error) {
	if !force {
		if _, err := os.Stat(output); err == nil {
			return 0, ErrExists
		}
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(filepath.Dir(output), ".download-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(f.Name(), output); err != nil {
		return 0, err
	}
	return n, nil
}
