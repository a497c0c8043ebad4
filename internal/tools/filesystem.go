package tools

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultReadLimit  = 2000
	maxReadBytes      = 20 << 20
	defaultMaxMatches = 200
)

var errWriteDisabled = errors.New("write is disabled by configuration")

// Filesystem provides safe file operations rooted at a base directory.
type Filesystem struct {
	guard      *PathGuard
	allowWrite bool
}

// NewFilesystem builds a filesystem tool with write permissions controlled by allowWrite.
func NewFilesystem(baseDir string, allowWrite bool) (*Filesystem, error) {
	guard, err := NewPathGuard(baseDir)
	if err != nil {
		return nil, err
	}
	return &Filesystem{guard: guard, allowWrite: allowWrite}, nil
}

// Guard exposes the path guard for tools that resolve paths themselves.
func (f *Filesystem) Guard() *PathGuard { return f.guard }

// AllowWrite reports whether write operations are enabled.
func (f *Filesystem) AllowWrite() bool { return f.allowWrite }

// FileSlice is a line window of a text file.
type FileSlice struct {
	Content    string
	StartLine  int // 1-based, inclusive
	EndLine    int // inclusive
	TotalLines int
	Truncated  bool
	Binary     bool
}

// ReadFile returns up to limit lines starting at offset (0-based line index).
func (f *Filesystem) ReadFile(path string, offset, limit int) (FileSlice, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return FileSlice{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return FileSlice{}, err
	}
	if info.IsDir() {
		return FileSlice{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return FileSlice{}, fmt.Errorf("%s is too large to read (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return FileSlice{}, err
	}
	if isBinary(data) {
		return FileSlice{Binary: true}, nil
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if offset < 0 {
		offset = 0
	}

	lines := strings.SplitAfter(string(data), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	total := len(lines)
	if offset > total {
		return FileSlice{}, fmt.Errorf("offset %d is beyond the end of %s (%d lines)", offset, path, total)
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return FileSlice{
		Content:    strings.Join(lines[offset:end], ""),
		StartLine:  offset + 1,
		EndLine:    end,
		TotalLines: total,
		Truncated:  offset > 0 || end < total,
	}, nil
}

// ReadAll returns the whole file; a missing file yields fs.ErrNotExist.
func (f *Filesystem) ReadAll(path string) (string, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes content to a file if allowed, creating parent directories.
func (f *Filesystem) WriteFile(path string, content string) error {
	if !f.allowWrite {
		return errWriteDisabled
	}
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return err
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

// DirEntry is one listing line.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ListDir lists a directory, directories first, skipping names matching any ignore glob.
func (f *Filesystem) ListDir(path string, ignore []string) ([]DirEntry, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		if matchesAny(e.Name(), ignore) {
			continue
		}
		entry := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// SearchResult represents a single pattern match.
type SearchResult struct {
	Path    string
	Line    int
	Snippet string
}

// Search looks for regexp matches in files under root. include, when set, is a
// glob matched against file base names.
func (f *Filesystem) Search(root, pattern, include string, maxResults int) ([]SearchResult, error) {
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if maxResults <= 0 {
		maxResults = defaultMaxMatches
	}
	if root == "" {
		root = "."
	}
	resolved, err := f.guard.Resolve(root)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, 16)
	errLimit := errors.New("limit reached")
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != resolved && skipStructureDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" && !matchesAny(d.Name(), []string{include}) {
			return nil
		}
		matches, err := searchFile(path, re)
		if err != nil {
			return nil
		}
		rel := f.guard.Rel(path)
		for _, m := range matches {
			m.Path = rel
			results = append(results, m)
			if len(results) >= maxResults {
				return errLimit
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return results, err
	}
	return results, nil
}

func searchFile(path string, re *regexp.Regexp) ([]SearchResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var head [512]byte
	n, _ := file.Read(head[:])
	if isBinary(head[:n]) {
		return nil, nil
	}
	if _, err := file.Seek(0, 0); err != nil {
		return nil, err
	}

	var out []SearchResult
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 1
	for scanner.Scan() {
		if re.MatchString(scanner.Text()) {
			out = append(out, SearchResult{Line: lineNum, Snippet: strings.TrimRight(scanner.Text(), "\r")})
		}
		lineNum++
	}
	return out, scanner.Err()
}

func isBinary(data []byte) bool {
	if len(data) > 8000 {
		data = data[:8000]
	}
	return bytes.IndexByte(data, 0) >= 0
}

func matchesAny(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func skipStructureDir(name string) bool {
	switch strings.ToLower(name) {
	case ".git", "node_modules", ".idea", ".vscode", "vendor", ".cache":
		return true
	default:
		return false
	}
}
