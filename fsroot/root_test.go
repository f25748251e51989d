package fsroot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRoot(t *testing.T, excludes ...string) *Root {
	t.Helper()

	matcher, err := NewMatcher(excludes)
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	root, err := New(t.TempDir(), matcher)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return root
}

func writeFile(t *testing.T, root *Root, rel, content string) {
	t.Helper()

	abs := filepath.Join(root.Dir(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s failed: %v", rel, err)
	}
}

func TestResolveRejectsEscapingPaths(t *testing.T) {
	root := newTestRoot(t)

	adversarial := []string{
		"",
		"..",
		"../etc/passwd",
		"a/../../b",
		"/etc/passwd",
		"\\windows\\system32",
		"..\\..\\secret",
		"C:/Windows",
		"c:evil",
		"a/\x00b",
		"line\nbreak",
		".",
		"./",
	}
	for _, rel := range adversarial {
		abs, err := root.Resolve(rel)
		if !errors.Is(err, ErrPathEscape) {
			t.Fatalf("Resolve(%q) = %q, %v; want ErrPathEscape", rel, abs, err)
		}
	}
}

func TestResolveKeepsPathsUnderRoot(t *testing.T) {
	root := newTestRoot(t)

	cases := map[string]string{
		"clip.mp4":              "clip.mp4",
		"media/clip.mp4":        "media/clip.mp4",
		"media\\sub\\clip.mp4":  "media/sub/clip.mp4",
		"a/./b/../c.txt":        "a/c.txt",
		"media//double.txt":     "media/double.txt",
		"dir/../still-root.txt": "still-root.txt",
	}
	for rel, want := range cases {
		abs, err := root.Resolve(rel)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", rel, err)
		}
		if !strings.HasPrefix(abs, root.Dir()+string(filepath.Separator)) {
			t.Fatalf("Resolve(%q) = %q escapes %q", rel, abs, root.Dir())
		}
		got, err := root.Rel(abs)
		if err != nil {
			t.Fatalf("Rel(%q) failed: %v", abs, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q) normalized to %q, want %q", rel, got, want)
		}
	}
}

func TestScanListsRegularFilesSorted(t *testing.T) {
	root := newTestRoot(t, "*.log", "cache/**")
	writeFile(t, root, "b.txt", "bb")
	writeFile(t, root, "a/nested/c.bin", "ccc")
	writeFile(t, root, "skip.tmp", "temp")
	writeFile(t, root, "deep/x.tmp", "temp")
	writeFile(t, root, "debug.log", "log")
	writeFile(t, root, "cache/blob", "cached")
	writeFile(t, root, "empty.dat", "")

	entries, err := root.Scan(context.Background(), func(abs string) string { return "h:" + filepath.Base(abs) })
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.RelativePath)
	}
	want := []string{"a/nested/c.bin", "b.txt", "empty.dat"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected scan result %v, want %v", got, want)
	}
	if entries[0].Size != 3 || entries[0].Hash != "h:c.bin" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[2].Size != 0 {
		t.Fatalf("expected empty file size 0, got %d", entries[2].Size)
	}
}

func TestScanHonorsCancellation(t *testing.T) {
	root := newTestRoot(t)
	writeFile(t, root, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := root.Scan(ctx, func(string) string { return "" }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAtomicWriterCommitAndAbort(t *testing.T) {
	root := newTestRoot(t)

	w, err := root.CreateAtomic("out/clip.bin")
	if err != nil {
		t.Fatalf("CreateAtomic failed: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(w.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected target to be absent before commit, got %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(root.Dir(), "out", "clip.bin"))
	if err != nil || string(raw) != "hello" {
		t.Fatalf("unexpected committed content %q (%v)", raw, err)
	}

	aborted, err := root.CreateAtomic("out/other.bin")
	if err != nil {
		t.Fatalf("CreateAtomic failed: %v", err)
	}
	_, _ = aborted.Write([]byte("discard me"))
	aborted.Abort()

	dirEntries, err := os.ReadDir(filepath.Join(root.Dir(), "out"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(dirEntries) != 1 || dirEntries[0].Name() != "clip.bin" {
		t.Fatalf("expected only the committed file, got %v", dirEntries)
	}
}

func TestRemoveIgnoresMissingAndRejectsDirectories(t *testing.T) {
	root := newTestRoot(t)
	writeFile(t, root, "dir/file.txt", "x")

	if err := root.Remove("missing.txt"); err != nil {
		t.Fatalf("expected missing remove to succeed, got %v", err)
	}
	if err := root.Remove("dir"); !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular, got %v", err)
	}
	if err := root.Remove("dir/file.txt"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := root.Entry("dir/file.txt", func(string) string { return "" }); ok {
		t.Fatalf("expected file to be gone")
	}
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	root := newTestRoot(t)
	writeFile(t, root, "clip/scenes/old.mp4", "x")
	writeFile(t, root, "keep/a.txt", "a")
	writeFile(t, root, "keep/sub/b.txt", "b")

	if err := root.Remove("clip/scenes/old.mp4"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root.Dir(), "clip")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty clip/ to be pruned, got %v", err)
	}

	if err := root.Remove("keep/sub/b.txt"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root.Dir(), "keep", "sub")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty keep/sub to be pruned, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root.Dir(), "keep", "a.txt")); err != nil {
		t.Fatalf("non-empty parent must survive: %v", err)
	}
	if _, err := os.Stat(root.Dir()); err != nil {
		t.Fatalf("root must never be pruned: %v", err)
	}
}

func TestCreateAtomicReplacesOnlyEmptyDirectories(t *testing.T) {
	root := newTestRoot(t)
	if err := os.MkdirAll(filepath.Join(root.Dir(), "clip"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	writeFile(t, root, "busy/inner.txt", "x")

	w, err := root.CreateAtomic("clip")
	if err != nil {
		t.Fatalf("CreateAtomic over empty directory failed: %v", err)
	}
	if _, err := w.Write([]byte("file now")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(root.Dir(), "clip"))
	if err != nil || !info.Mode().IsRegular() {
		t.Fatalf("expected clip to be a regular file, got %v (%v)", info, err)
	}

	if _, err := root.CreateAtomic("busy"); !errors.Is(err, ErrNotRegular) {
		t.Fatalf("expected ErrNotRegular for non-empty directory, got %v", err)
	}
}

func TestMatcherBaseNameAndFullPath(t *testing.T) {
	m, err := NewMatcher([]string{"*.bak", "build/*.o", " "})
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}

	cases := map[string]bool{
		"x.tmp":         true,
		"deep/a/b.tmp":  true,
		"notes.bak":     true,
		"a/notes.bak":   true,
		"build/main.o":  true,
		"src/build/x.o": false,
		"main.o":        false,
		"clip.mp4":      false,
	}
	for rel, want := range cases {
		if got := m.Match(rel); got != want {
			t.Fatalf("Match(%q) = %v, want %v", rel, got, want)
		}
	}
	if len(m.Patterns()) != 3 {
		t.Fatalf("expected 3 patterns, got %v", m.Patterns())
	}
}
