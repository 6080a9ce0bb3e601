// Package testutil provides shared test helpers for blobmesh tests.
package testutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "blobmesh-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// TruncatedReader yields Data and then fails with Err instead of io.EOF,
// the way a request body looks when the client disconnects mid-upload.
type TruncatedReader struct {
	Data []byte
	Err  error
}

func (r *TruncatedReader) Read(p []byte) (int, error) {
	if len(r.Data) == 0 {
		if r.Err == nil {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, r.Err
	}
	n := copy(p, r.Data)
	r.Data = r.Data[n:]
	return n, nil
}
