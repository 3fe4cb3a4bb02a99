package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

type treeWalker interface {
	walk(ctx context.Context, root string, v visitor) error
}

type visitor struct {
	// skipDir prunes a directory below the root before it is read.
	skipDir func(dir string) bool
	// file receives every entry that is not a directory. An error aborts the walk.
	file func(path string, d fs.DirEntry) error
	// fail receives roots and directories that could not be read.
	fail func(path string, err error)
}

// stackWalker walks depth-first with an explicit stack of directories, so deep
// trees never grow the goroutine stack. Files of a directory are handed out
// before its subdirectories are entered; both in lexical order. Symlinks are
// reported as entries and never followed. A root may be a single file.
type stackWalker struct {
	// readDir defaults to os.ReadDir.
	readDir func(name string) ([]os.DirEntry, error)
}

func (w stackWalker) walk(ctx context.Context, root string, v visitor) error {
	readDir := w.readDir
	if readDir == nil {
		readDir = os.ReadDir
	}

	info, err := os.Stat(root)
	if err != nil {
		v.fail(root, err)
		return nil
	}
	if !info.IsDir() {
		return v.file(root, fs.FileInfoToDirEntry(info))
	}

	dirs := []string{root}
	for len(dirs) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := dirs[len(dirs)-1]
		dirs = dirs[:len(dirs)-1]

		// ReadDir returns what it read before failing; keep those entries.
		entries, err := readDir(dir)
		if err != nil {
			v.fail(dir, err)
		}
		var subdirs []string
		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if v.skipDir == nil || !v.skipDir(path) {
					subdirs = append(subdirs, path)
				}
				continue
			}
			if err := v.file(path, entry); err != nil {
				return err
			}
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			dirs = append(dirs, subdirs[i])
		}
	}
	return nil
}
