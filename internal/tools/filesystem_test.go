package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilesystemReadWriteList(t *testing.T) {
	dir := t.TempDir()
	fsTool, err := NewFilesystem(dir, true)
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}

	requireNoError(t, fsTool.WriteFile("sub/file.txt", "hello\n"))
	requireNoError(t, os.Mkdir(filepath.Join(dir, "sub", "inner"), 0o755))

	slice, err := fsTool.ReadFile("sub/file.txt", 0, 0)
	requireNoError(t, err)
	if slice.Content != "hello\n" || slice.Truncated {
		t.Fatalf("unexpected slice: %+v", slice)
	}

	entries, err := fsTool.ListDir("sub", nil)
	requireNoError(t, err)
	if len(entries) != 2 || !entries[0].IsDir || entries[0].Name != "inner" || entries[1].Name != "file.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	entries, err = fsTool.ListDir("sub", []string{"*.txt"})
	requireNoError(t, err)
	if len(entries) != 1 {
		t.Fatalf("ignore glob not applied: %+v", entries)
	}
}

func TestFilesystemReadWindow(t *testing.T) {
	dir := t.TempDir()
	fsTool, err := NewFilesystem(dir, true)
	requireNoError(t, err)

	var b strings.Builder
	for i := 1; i <= 10; i++ {
		b.WriteString("line\n")
	}
	requireNoError(t, fsTool.WriteFile("ten.txt", b.String()))

	slice, err := fsTool.ReadFile("ten.txt", 2, 3)
	requireNoError(t, err)
	if slice.StartLine != 3 || slice.EndLine != 5 || slice.TotalLines != 10 || !slice.Truncated {
		t.Fatalf("unexpected window: %+v", slice)
	}
	if _, err := fsTool.ReadFile("ten.txt", 11, 1); err == nil {
		t.Fatalf("expected offset error")
	}
}

func TestFilesystemDetectsBinary(t *testing.T) {
	dir := t.TempDir()
	requireNoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x7f, 0x00, 0x01}, 0o644))
	fsTool, err := NewFilesystem(dir, false)
	requireNoError(t, err)

	slice, err := fsTool.ReadFile("blob.bin", 0, 0)
	requireNoError(t, err)
	if !slice.Binary {
		t.Fatalf("expected binary detection")
	}
}

func TestFilesystemPreventsTraversal(t *testing.T) {
	dir := t.TempDir()
	fsTool, err := NewFilesystem(dir, false)
	if err != nil {
		t.Fatalf("new filesystem: %v", err)
	}

	if _, err := fsTool.ReadFile("../etc/passwd", 0, 0); err == nil {
		t.Fatalf("expected traversal error")
	}
	if _, err := fsTool.ReadAll("/etc/passwd"); err == nil {
		t.Fatalf("expected absolute path outside workspace to be rejected")
	}
	if err := fsTool.WriteFile("x.txt", "nope"); err == nil {
		t.Fatalf("expected write to be disabled")
	}
}

func TestFilesystemAcceptsAbsolutePathInside(t *testing.T) {
	dir := t.TempDir()
	fsTool, err := NewFilesystem(dir, true)
	requireNoError(t, err)

	abs := filepath.Join(fsTool.Guard().BaseDir, "a.txt")
	requireNoError(t, fsTool.WriteFile(abs, "x"))
	got, err := fsTool.ReadAll("a.txt")
	requireNoError(t, err)
	if got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestFilesystemRejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	requireNoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	requireNoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	fsTool, err := NewFilesystem(dir, false)
	requireNoError(t, err)
	if _, err := fsTool.ReadAll("link/secret"); err == nil {
		t.Fatalf("expected symlink escape to be rejected")
	}
}

func TestFilesystemSearch(t *testing.T) {
	dir := t.TempDir()
	fsTool, err := NewFilesystem(dir, true)
	requireNoError(t, err)

	requireNoError(t, fsTool.WriteFile("a.txt", "hello world\nsecond line"))
	requireNoError(t, fsTool.WriteFile(filepath.Join("nested", "b.go"), "hello again"))
	requireNoError(t, fsTool.WriteFile(filepath.Join(".git", "HEAD"), "hello git"))

	results, err := fsTool.Search(".", "hel+o", "", 10)
	requireNoError(t, err)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	results, err = fsTool.Search(".", "hello", "*.go", 10)
	requireNoError(t, err)
	if len(results) != 1 || results[0].Path != "nested/b.go" || results[0].Line != 1 {
		t.Fatalf("unexpected include results: %+v", results)
	}

	if _, err := fsTool.Search(".", "(", "", 10); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
