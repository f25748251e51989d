// Package fsroot confines file operations to a synced root directory and
// produces the recursive listings exchanged between nodes.
package fsroot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"mapsync/models"
)

var (
	// ErrPathEscape reports a relative path that is empty, absolute or
	// resolves outside the root.
	ErrPathEscape = errors.New("fsroot: path escapes root")
	// ErrNotRegular reports a path that exists but is not a regular file.
	ErrNotRegular = errors.New("fsroot: not a regular file")
)

// Root is a directory that all relative paths are resolved beneath.
type Root struct {
	dir     string
	matcher *Matcher
}

// New returns a Root for dir, creating the directory if needed.
func New(dir string, matcher *Matcher) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %q: %w", abs, err)
	}
	if matcher == nil {
		matcher, _ = NewMatcher(nil)
	}
	return &Root{dir: abs, matcher: matcher}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Excluded reports whether rel is filtered out of scans.
func (r *Root) Excluded(rel string) bool {
	return r.matcher.Match(rel)
}

// Clean normalizes a peer-supplied relative path to forward-slash form.
// Backslashes are treated as separators.
func Clean(rel string) (string, error) {
	if rel == "" || strings.ContainsAny(rel, "\x00\n\r") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	slashed := strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(slashed, "/") || hasVolume(slashed) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return cleaned, nil
}

func hasVolume(p string) bool {
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}
	return false
}

// Resolve returns the absolute path for rel, guaranteed to lie under the root.
func (r *Root) Resolve(rel string) (string, error) {
	cleaned, err := Clean(rel)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(r.dir, filepath.FromSlash(cleaned))
	within, err := filepath.Rel(r.dir, abs)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) || filepath.IsAbs(within) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return abs, nil
}

// Rel converts an absolute path below the root to its forward-slash form.
func (r *Root) Rel(abs string) (string, error) {
	within, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, abs)
	}
	return Clean(filepath.ToSlash(within))
}

// Stat returns file information for rel.
func (r *Root) Stat(rel string) (os.FileInfo, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// Open opens rel for reading. Only regular files can be opened.
func (r *Root) Open(rel string) (*os.File, os.FileInfo, error) {
	abs, err := r.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrNotRegular, rel)
	}
	return f, info, nil
}

// Remove deletes the regular file at rel and any parent directories left
// empty. Missing files are not an error.
func (r *Root) Remove(rel string) error {
	abs, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %q", ErrNotRegular, rel)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	r.pruneEmptyParents(filepath.Dir(abs))
	return nil
}

// pruneEmptyParents removes dir and its ancestors below the root until one
// of them is not empty.
func (r *Root) pruneEmptyParents(dir string) {
	for dir != r.dir && strings.HasPrefix(dir, r.dir+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Scan lists every regular, non-excluded file below the root, sorted by
// relative path. digest is called with each file's absolute path.
func (r *Root) Scan(ctx context.Context, digest func(abs string) string) ([]models.DirectoryEntry, error) {
	entries := make([]models.DirectoryEntry, 0)
	err := filepath.WalkDir(r.dir, func(abs string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if abs == r.dir {
				return walkErr
			}
			log.Printf("fsroot: skipping %q: %v", abs, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if abs == r.dir {
			return nil
		}

		rel := filepath.ToSlash(strings.TrimPrefix(abs, r.dir+string(filepath.Separator)))
		if r.matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if strings.ContainsAny(rel, "\n\r") {
			log.Printf("fsroot: skipping unlistable name %q", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, models.DirectoryEntry{
			RelativePath: rel,
			Size:         uint64(info.Size()),
			Hash:         digest(abs),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", r.dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
	return entries, nil
}

// Entry describes a single file. ok is false when rel is missing, excluded
// or not a regular file.
func (r *Root) Entry(rel string, digest func(abs string) string) (models.DirectoryEntry, bool) {
	cleaned, err := Clean(rel)
	if err != nil || r.matcher.Match(cleaned) {
		return models.DirectoryEntry{}, false
	}
	abs, err := r.Resolve(cleaned)
	if err != nil {
		return models.DirectoryEntry{}, false
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return models.DirectoryEntry{}, false
	}
	return models.DirectoryEntry{
		RelativePath: cleaned,
		Size:         uint64(info.Size()),
		Hash:         digest(abs),
	}, true
}
