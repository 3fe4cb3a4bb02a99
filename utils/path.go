package utils

import (
	"path/filepath"
	"sort"
	"strings"
)

// PathGuard answers containment queries against a fixed set of roots. Roots
// are resolved once, symlinks included.
type PathGuard struct {
	roots []string
}

func NewPathGuard(roots []string) *PathGuard {
	g := &PathGuard{}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		if resolved, ok := resolvePath(root); ok {
			g.roots = append(g.roots, resolved)
		}
	}
	return g
}

func (g *PathGuard) Empty() bool {
	return g == nil || len(g.roots) == 0
}

func (g *PathGuard) Contains(path string) bool {
	if g.Empty() {
		return false
	}
	absPath, ok := resolvePath(path)
	if !ok {
		return false
	}
	for _, root := range g.roots {
		rel, err := filepath.Rel(root, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// IsPathWithin returns true if the given path is within any of the roots.
func IsPathWithin(path string, roots []string) bool {
	return NewPathGuard(roots).Contains(path)
}

// resolvePath makes path absolute and follows symlinks. A path that does not
// exist is resolved through its parent directory.
func resolvePath(path string) (string, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved, true
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
		return filepath.Join(dir, filepath.Base(absPath)), true
	}
	return absPath, true
}

// DirPrefix returns dir with a trailing separator, so a prefix match on it
// covers dir's contents and never a sibling such as "/data2" for "/data".
func DirPrefix(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}

// Ext returns the lower-case extension of path without the dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ExtensionSet is an allow-list of file extensions. The entry "*" admits
// every file, including files without an extension.
type ExtensionSet map[string]struct{}

func NewExtensionSet(exts []string) ExtensionSet {
	set := make(ExtensionSet, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		set[ext] = struct{}{}
	}
	return set
}

func (s ExtensionSet) Matches(path string) bool {
	if _, ok := s["*"]; ok {
		return true
	}
	ext := Ext(path)
	if ext == "" {
		return false
	}
	_, ok := s[ext]
	return ok
}

func (s ExtensionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for ext := range s {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
