package deletion

import (
	"fmt"
	"path/filepath"
	"strings"

	"storagejanitor/utils"
)

// DefaultProtectedPaths may never be deleted themselves.
var DefaultProtectedPaths = []string{"/", "/home", "/usr", "/bin", "/etc", "/var", "/sys", "/proc"}

// DefaultProtectedTrees hold system files; nothing below them may be deleted.
var DefaultProtectedTrees = []string{"/bin", "/boot", "/dev", "/etc", "/lib", "/lib64", "/proc", "/sbin", "/sys", "/usr"}

// safetyPolicy decides whether a path may be removed at all.
type safetyPolicy struct {
	protected map[string]bool
	trees     []string
	allowed   *utils.PathGuard
}

func newSafetyPolicy(protected, trees, allowedRoots []string) *safetyPolicy {
	p := &safetyPolicy{protected: make(map[string]bool, len(protected))}
	for _, path := range protected {
		p.protected[filepath.Clean(path)] = true
	}
	for _, tree := range trees {
		p.trees = append(p.trees, filepath.Clean(tree))
	}
	if len(allowedRoots) > 0 {
		p.allowed = utils.NewPathGuard(allowedRoots)
	}
	return p
}

// check returns a reason when path must not be deleted.
func (p *safetyPolicy) check(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("blocked by safety policy: %q is not an absolute path", path)
	}
	clean := filepath.Clean(path)
	if p.protected[clean] {
		return fmt.Errorf("blocked by safety policy: %s is a protected path", clean)
	}
	for _, tree := range p.trees {
		if clean == tree || strings.HasPrefix(clean, tree+string(filepath.Separator)) {
			return fmt.Errorf("blocked by safety policy: %s is inside system path %s", clean, tree)
		}
	}
	if p.allowed != nil && !p.allowed.Contains(clean) {
		return fmt.Errorf("blocked by safety policy: %s is outside the allowed roots", clean)
	}
	return nil
}
