package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"mapsync/fsroot"
)

// fileService is the root-confined file access shared by both server
// variants. Digests are invalidated on every write or delete.
type fileService struct {
	opts ServerOptions
}

func (f fileService) listing(ctx context.Context) ([]byte, error) {
	entries, err := f.opts.Root.Scan(ctx, f.opts.Digests.Digest)
	if err != nil {
		return nil, err
	}
	return EncodeListing(entries), nil
}

func (f fileService) open(rel string) (*os.File, int64, error) {
	file, info, err := f.opts.Root.Open(rel)
	if err != nil {
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (f fileService) create(rel string) (*fsroot.AtomicWriter, error) {
	return f.opts.Root.CreateAtomic(rel)
}

func (f fileService) commit(w *fsroot.AtomicWriter) error {
	defer f.opts.Digests.Invalidate(w.Path())
	return w.Commit()
}

func (f fileService) remove(rel string) error {
	abs, err := f.opts.Root.Resolve(rel)
	if err != nil {
		return err
	}
	defer f.opts.Digests.Invalidate(abs)
	return f.opts.Root.Remove(rel)
}

// publicError converts a local failure into the message sent to the peer.
func publicError(err error) string {
	switch {
	case errors.Is(err, fsroot.ErrPathEscape):
		return "path outside root"
	case errors.Is(err, os.ErrNotExist):
		return "not found"
	case errors.Is(err, fsroot.ErrNotRegular):
		return "not a regular file"
	case errors.Is(err, os.ErrPermission):
		return "permission denied"
	default:
		return err.Error()
	}
}

// copyWithProgress copies exactly n bytes, reporting through meter.
func copyWithProgress(dst io.Writer, src io.Reader, n int64, meter *progressMeter) error {
	buf := make([]byte, copyBufferSize)
	var copied int64
	for copied < n {
		chunk := int64(len(buf))
		if remaining := n - copied; remaining < chunk {
			chunk = remaining
		}
		read, err := io.ReadFull(src, buf[:chunk])
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return werr
			}
			copied += int64(read)
			meter.add(int64(read))
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, copied, n)
			}
			return err
		}
	}
	meter.finish()
	return nil
}
