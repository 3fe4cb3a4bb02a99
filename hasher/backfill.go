package hasher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"storagejanitor/catalog"
	"storagejanitor/docstore"
	"storagejanitor/logger"
	"storagejanitor/utils"
)

type BackfillOptions struct {
	Algorithm string
	Workers   int
	// MinSize skips files smaller than this many bytes.
	MinSize int64
	// Limit caps how many records are hashed; 0 means no cap.
	Limit int
	// Root restricts the pass to files under this directory.
	Root string
}

type BackfillResult struct {
	Hashed  int64               `json:"hashed"`
	Skipped int64               `json:"skipped"`
	Errors  []catalog.ScanError `json:"errors"`
}

// Backfill hashes catalogued files that have no hash yet and writes the digest
// back to the catalog. Records whose file changed size since the last scan are
// skipped; the next scan refreshes them.
func Backfill(ctx context.Context, files docstore.Collection[catalog.FileRecord], opts BackfillOptions) (BackfillResult, error) {
	var res BackfillResult
	algo := opts.Algorithm
	if algo == "" {
		algo = DefaultAlgorithm
	}
	if !IsSupported(algo) {
		return res, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}

	filter := docstore.Filter{docstore.Where("hash", docstore.Exists, false)}
	if opts.MinSize > 0 {
		filter = append(filter, docstore.Where("size", docstore.Gte, opts.MinSize))
	}
	if opts.Root != "" {
		filter = append(filter, docstore.Where("path", docstore.Prefix, utils.DirPrefix(filepath.Clean(opts.Root))))
	}
	pending, err := files.Find(ctx, docstore.Query{Filter: filter, Limit: opts.Limit})
	if err != nil {
		return res, fmt.Errorf("list unhashed files: %w", err)
	}

	var hashed, skipped atomic.Int64
	var mu sync.Mutex
	work := make(chan catalog.FileRecord, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				ok, err := backfillOne(ctx, files, rec, algo)
				switch {
				case err != nil:
					mu.Lock()
					res.Errors = append(res.Errors, catalog.ScanError{Path: rec.Path, Error: err.Error()})
					mu.Unlock()
				case ok:
					hashed.Add(1)
				default:
					skipped.Add(1)
				}
			}
		}()
	}

feed:
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			break feed
		case work <- rec:
		}
	}
	close(work)
	wg.Wait()

	res.Hashed = hashed.Load()
	res.Skipped = skipped.Load()
	logger.WithFields(map[string]interface{}{
		"algorithm": algo,
		"hashed":    res.Hashed,
		"skipped":   res.Skipped,
		"errors":    len(res.Errors),
	}).Info("hash backfill finished")
	return res, ctx.Err()
}

func backfillOne(ctx context.Context, files docstore.Collection[catalog.FileRecord], rec catalog.FileRecord, algo string) (bool, error) {
	info, err := os.Stat(rec.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != rec.Size {
		return false, nil
	}
	sum, err := ComputeHash(rec.Path, algo)
	if err != nil {
		return false, err
	}
	rec.Hash = sum
	rec.UpdatedAt = catalog.Now()
	// Only fill records that are still unhashed and unchanged.
	ok, err := files.UpdateIf(ctx, rec.Path, docstore.Filter{
		docstore.Where("hash", docstore.Exists, false),
		docstore.Where("size", docstore.Eq, rec.Size),
	}, rec)
	if err != nil {
		return false, fmt.Errorf("store hash: %w", err)
	}
	return ok, nil
}
