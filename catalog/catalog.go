// Package catalog binds the storage-janitor collections to a document store.
// The collection names are fixed; callers get typed handles and never address
// a collection by name.
package catalog

import (
	"context"
	"fmt"
	"io"
	"sort"

	"storagejanitor/docstore"
)

const (
	FilesCollection     = "nas_files"
	ScansCollection     = "nas_scans"
	DeletionsCollection = "pending_deletions"
)

type Catalog struct {
	Files     docstore.Collection[FileRecord]
	Scans     docstore.Collection[ScanJob]
	Deletions docstore.Collection[PendingDeletion]

	closer io.Closer
}

// NewMemory returns a catalog backed by in-process collections.
func NewMemory() *Catalog {
	return &Catalog{
		Files:     docstore.NewMemoryCollection[FileRecord](FilesCollection),
		Scans:     docstore.NewMemoryCollection[ScanJob](ScansCollection),
		Deletions: docstore.NewMemoryCollection[PendingDeletion](DeletionsCollection),
	}
}

// Open builds a catalog for the named driver: memory, sqlite (dsn is a file
// path) or mysql (dsn is a go-sql-driver DSN).
func Open(ctx context.Context, driver, dsn string) (*Catalog, error) {
	var store *docstore.SQLStore
	var err error
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		store, err = docstore.OpenSQLite(dsn)
	case "mysql":
		store, err = docstore.OpenMySQL(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	cat := &Catalog{closer: store}
	if cat.Files, err = docstore.NewSQLCollection[FileRecord](ctx, store, FilesCollection); err != nil {
		store.Close()
		return nil, err
	}
	if cat.Scans, err = docstore.NewSQLCollection[ScanJob](ctx, store, ScansCollection); err != nil {
		store.Close()
		return nil, err
	}
	if cat.Deletions, err = docstore.NewSQLCollection[PendingDeletion](ctx, store, DeletionsCollection); err != nil {
		store.Close()
		return nil, err
	}
	return cat, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

type ExtensionStats struct {
	Ext       string `json:"ext"`
	Count     int64  `json:"count"`
	TotalSize int64  `json:"total_size"`
	MaxSize   int64  `json:"max_size"`
}

type Stats struct {
	Files            int64            `json:"files"`
	TotalSize        int64            `json:"total_size"`
	Hashed           int64            `json:"hashed"`
	PendingDeletions int64            `json:"pending_deletions"`
	ByExtension      []ExtensionStats `json:"by_extension"`
	LastScan         *ScanJob         `json:"last_scan,omitempty"`
}

const statsPageSize = 1000

// Stats summarizes the catalog. File records are read page by page.
func (c *Catalog) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	byExt := make(map[string]*ExtensionStats)
	for skip := 0; ; skip += statsPageSize {
		page, err := c.Files.Find(ctx, docstore.Query{Skip: skip, Limit: statsPageSize})
		if err != nil {
			return st, fmt.Errorf("read files: %w", err)
		}
		for _, f := range page {
			st.Files++
			st.TotalSize += f.Size
			if f.Hash != "" {
				st.Hashed++
			}
			es, ok := byExt[f.Ext]
			if !ok {
				es = &ExtensionStats{Ext: f.Ext}
				byExt[f.Ext] = es
			}
			es.Count++
			es.TotalSize += f.Size
			es.MaxSize = max(es.MaxSize, f.Size)
		}
		if len(page) < statsPageSize {
			break
		}
	}
	for _, es := range byExt {
		st.ByExtension = append(st.ByExtension, *es)
	}
	sort.Slice(st.ByExtension, func(i, j int) bool {
		a, b := st.ByExtension[i], st.ByExtension[j]
		if a.TotalSize != b.TotalSize {
			return a.TotalSize > b.TotalSize
		}
		return a.Ext < b.Ext
	})

	pending, err := c.Deletions.Count(ctx, docstore.Filter{
		docstore.Where("status", docstore.Eq, string(DeletionPending)),
	})
	if err != nil {
		return st, fmt.Errorf("count pending deletions: %w", err)
	}
	st.PendingDeletions = pending

	jobs, err := c.Scans.Find(ctx, docstore.Query{
		Filter: docstore.Filter{docstore.Where("status", docstore.Ne, string(JobRunning))},
		Sort:   []docstore.SortField{{Field: "started_at", Desc: true}},
		Limit:  1,
	})
	if err != nil {
		return st, fmt.Errorf("read scans: %w", err)
	}
	if len(jobs) > 0 {
		st.LastScan = &jobs[0]
	}
	return st, nil
}
