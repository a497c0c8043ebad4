package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathGuard ensures operations stay within a base directory.
type PathGuard struct {
	BaseDir string
}

// NewPathGuard constructs a guard rooted at baseDir (defaults to current working directory).
func NewPathGuard(baseDir string) (*PathGuard, error) {
	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = resolved
	}
	return &PathGuard{BaseDir: absBase}, nil
}

// Resolve returns an absolute path inside BaseDir. Relative paths are joined to
// BaseDir; absolute paths are accepted only when they already point inside it.
func (g *PathGuard) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := filepath.Clean(p)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.BaseDir, abs)
	}
	if !g.contains(abs) {
		return "", fmt.Errorf("path %q is outside the workspace %s", p, g.BaseDir)
	}
	// A symlink inside the workspace must not lead out of it.
	if real, err := filepath.EvalSymlinks(abs); err == nil && !g.contains(real) {
		return "", fmt.Errorf("path %q resolves outside the workspace", p)
	}
	return abs, nil
}

// Rel renders abs relative to BaseDir for display.
func (g *PathGuard) Rel(abs string) string {
	rel, err := filepath.Rel(g.BaseDir, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (g *PathGuard) contains(abs string) bool {
	return abs == g.BaseDir || strings.HasPrefix(abs, g.BaseDir+string(os.PathSeparator))
}
