package utils

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "a", "b.txt")
	outside := filepath.Join(filepath.Dir(root), "outside.txt")

	if !IsPathWithin(child, []string{root}) {
		t.Fatalf("expected %s to be within %s", child, root)
	}
	if IsPathWithin(outside, []string{root}) {
		t.Fatalf("did not expect %s to be within %s", outside, root)
	}
	if IsPathWithin(filepath.Join(root, "..", "escape.txt"), []string{root}) {
		t.Fatal("dot-dot path should not be contained")
	}
}

func TestPathGuardContainsMultipleRoots(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()
	inB := filepath.Join(rootB, "nested", "file.txt")

	guard := NewPathGuard([]string{rootA, rootB, " "})
	if !guard.Contains(inB) {
		t.Fatalf("expected guard to include path under second root")
	}
	if NewPathGuard(nil).Contains(inB) {
		t.Fatal("empty guard should contain nothing")
	}
}

func TestPathGuardFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if IsPathWithin(link, []string{root}) {
		t.Fatal("symlink escaping the root should not be contained")
	}
}

func TestExtensionSet(t *testing.T) {
	set := NewExtensionSet([]string{".JPG", "txt", " ", "png"})
	if !set.Matches("/a/photo.jpg") || !set.Matches("/a/B.TXT") {
		t.Fatal("expected case-insensitive match")
	}
	if set.Matches("/a/archive.zip") || set.Matches("/a/Makefile") {
		t.Fatal("unexpected match")
	}
	if got := set.Sorted(); !reflect.DeepEqual(got, []string{"jpg", "png", "txt"}) {
		t.Fatalf("unexpected sorted set %v", got)
	}
	if !NewExtensionSet([]string{"*"}).Matches("/a/Makefile") {
		t.Fatal("wildcard should match files without extension")
	}
	if Ext("/x/y.TaR.GZ") != "gz" {
		t.Fatal("expected last extension")
	}
}

func TestDirPrefix(t *testing.T) {
	sep := string(filepath.Separator)
	if got := DirPrefix(sep + "data"); got != sep+"data"+sep {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := DirPrefix(sep + "data" + sep); got != sep+"data"+sep {
		t.Fatalf("trailing separator doubled: %q", got)
	}
	if strings.HasPrefix(sep+"data2"+sep+"x", DirPrefix(sep+"data")) {
		t.Fatal("sibling directory must not match")
	}
}
