package syncer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mapsync/fsroot"
	"mapsync/hasher"
	"mapsync/models"
)

// localCache builds and patches the path → FileInfo view of the root.
type localCache struct {
	root    *fsroot.Root
	digests *hasher.Cache
}

func (c localCache) scan(ctx context.Context) (map[string]models.FileInfo, error) {
	entries, err := c.root.Scan(ctx, c.digests.Digest)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.FileInfo, len(entries))
	for _, entry := range entries {
		out[entry.RelativePath] = entry.Info()
	}
	return out, nil
}

// normalize accepts paths relative to the root or absolute paths below it.
func (c localCache) normalize(p string) (string, error) {
	if filepath.IsAbs(p) {
		return c.root.Rel(p)
	}
	return fsroot.Clean(p)
}

// patch recomputes the given paths in entries. Removed paths are erased
// along with anything below them; directories are re-enumerated.
func (c localCache) patch(ctx context.Context, entries map[string]models.FileInfo, paths []string) error {
	var dirs []string
	for _, raw := range paths {
		rel, err := c.normalize(raw)
		if err != nil {
			continue
		}
		abs, err := c.root.Resolve(rel)
		if err != nil {
			continue
		}
		c.digests.Invalidate(abs)

		info, err := os.Stat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			c.digests.InvalidatePrefix(abs)
			erase(entries, rel)
		case err != nil:
			continue
		case info.IsDir():
			dirs = append(dirs, rel)
		default:
			if entry, ok := c.root.Entry(rel, c.digests.Digest); ok {
				entries[rel] = entry.Info()
			} else {
				delete(entries, rel)
			}
		}
	}
	if len(dirs) == 0 {
		return nil
	}

	scanned, err := c.scan(ctx)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		erase(entries, dir)
		prefix := dir + "/"
		for rel, info := range scanned {
			if strings.HasPrefix(rel, prefix) {
				entries[rel] = info
			}
		}
	}
	return nil
}

func erase(entries map[string]models.FileInfo, rel string) {
	delete(entries, rel)
	prefix := rel + "/"
	for path := range entries {
		if strings.HasPrefix(path, prefix) {
			delete(entries, path)
		}
	}
}
