package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"

	"storagejanitor/catalog"
	"storagejanitor/docstore"
	"storagejanitor/logger"
	"storagejanitor/utils"
)

const reconcilePageSize = 1000

// seenSet records the paths dispatched during a walk as 64-bit xxhash keys.
// It is only touched by the walking goroutine.
type seenSet struct {
	keys []uint64
}

func (s *seenSet) add(path string) {
	s.keys = append(s.keys, xxhash.Sum64String(path))
}

// seenFilter is a binary fuse filter over the seen keys. A false positive
// keeps a stale record for one more scan; it never prunes a seen path.
type seenFilter struct {
	filter *xorfilter.BinaryFuse8
}

func (s *seenSet) freeze() (*seenFilter, error) {
	keys := slices.Clone(s.keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	if len(keys) == 0 {
		return &seenFilter{}, nil
	}
	filter, err := xorfilter.PopulateBinaryFuse8(keys)
	if err != nil {
		return nil, fmt.Errorf("build seen-path filter: %w", err)
	}
	return &seenFilter{filter: filter}, nil
}

func (f *seenFilter) contains(path string) bool {
	if f == nil || f.filter == nil {
		return false
	}
	return f.filter.Contains(xxhash.Sum64String(path))
}

// reconcile removes catalog records under roots that this scan did not see and
// whose path is gone from disk. Records are collected first and deleted after,
// so paging is not disturbed by the deletions.
func reconcile(ctx context.Context, files docstore.Collection[catalog.FileRecord], roots []string, scanID string, seen *seenFilter) (int64, error) {
	var stale []string
	for _, root := range roots {
		filter := docstore.Filter{
			docstore.Where("path", docstore.Prefix, utils.DirPrefix(root)),
			docstore.Where("scan_id", docstore.Ne, scanID),
		}
		for skip := 0; ; skip += reconcilePageSize {
			page, err := files.Find(ctx, docstore.Query{Filter: filter, Skip: skip, Limit: reconcilePageSize})
			if err != nil {
				return 0, fmt.Errorf("list catalog under %s: %w", root, err)
			}
			for _, rec := range page {
				if seen.contains(rec.Path) {
					continue
				}
				if _, err := os.Lstat(rec.Path); errors.Is(err, os.ErrNotExist) {
					stale = append(stale, rec.Path)
				}
			}
			if len(page) < reconcilePageSize {
				break
			}
		}
	}

	var pruned int64
	for _, path := range stale {
		if err := files.Delete(ctx, path); err != nil {
			return pruned, fmt.Errorf("prune %s: %w", path, err)
		}
		pruned++
		logger.Debugf("Pruned missing file %s", path)
	}
	return pruned, nil
}
