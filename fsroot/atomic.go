package fsroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ErrClosed is returned by writes to a committed or aborted writer.
var ErrClosed = errors.New("fsroot: write to closed writer")

// AtomicWriter writes to a temporary file next to its target. Commit renames
// it into place; Abort discards it.
type AtomicWriter struct {
	path string
	tmp  *os.File
	err  error
}

// CreateAtomic starts an atomic write of rel, creating parent directories.
// An empty directory at rel is replaced; any other non-regular file is
// rejected with ErrNotRegular.
func (r *Root) CreateAtomic(rel string) (*AtomicWriter, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if info, err := os.Lstat(abs); err == nil && !info.Mode().IsRegular() {
		if !info.IsDir() || os.Remove(abs) != nil {
			return nil, fmt.Errorf("%w: %q", ErrNotRegular, rel)
		}
	}
	return CreateAtomicPath(abs)
}

// CreateAtomicPath starts an atomic write of an absolute path.
func CreateAtomicPath(abs string) (*AtomicWriter, error) {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicWriter{path: abs, tmp: tmp}, nil
}

// Path returns the final destination.
func (w *AtomicWriter) Path() string {
	return w.path
}

// Write appends to the temporary file.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.tmp.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// WriteAt writes at an absolute offset in the temporary file.
func (w *AtomicWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.tmp.WriteAt(p, off)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Truncate sets the temporary file's size.
func (w *AtomicWriter) Truncate(size int64) error {
	if w.err != nil {
		return w.err
	}
	if err := w.tmp.Truncate(size); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Commit flushes the temporary file and renames it over the target.
func (w *AtomicWriter) Commit() error {
	if w.err != nil {
		w.discard()
		return w.err
	}
	defer w.discard()

	_ = w.tmp.Sync()
	if err := w.tmp.Close(); err != nil {
		w.err = err
		return fmt.Errorf("close temp file: %w", err)
	}

	err := os.Rename(w.tmp.Name(), w.path)
	if err != nil && runtime.GOOS == "windows" {
		_ = os.Chmod(w.path, 0o644)
		err = os.Rename(w.tmp.Name(), w.path)
	}
	if err != nil {
		w.err = err
		return fmt.Errorf("rename into place: %w", err)
	}
	_ = os.Chmod(w.path, 0o644)

	if d, err := os.Open(filepath.Dir(w.path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	w.err = ErrClosed
	return nil
}

// Abort removes the temporary file. It is safe after Commit.
func (w *AtomicWriter) Abort() {
	if w.err == ErrClosed {
		return
	}
	w.discard()
	w.err = ErrClosed
}

func (w *AtomicWriter) discard() {
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}
