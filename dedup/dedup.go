// Package dedup groups catalogued files that hold identical, or probably
// identical, content.
//
// Hash mode groups strictly by content digest. Fuzzy mode groups by filename
// and size when no digests exist; its results are heuristic and say so.
package dedup

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/docstore"
	"storagejanitor/logger"
	"storagejanitor/tracing"
)

type Method string

const (
	MethodHash  Method = "hash"
	MethodFuzzy Method = "fuzzy"
	MethodAuto  Method = "auto"
)

const DefaultLimit = 100

const (
	ConfidenceExact     = "exact"
	ConfidenceHeuristic = "heuristic"

	fuzzyNote = "Grouped by filename and size only; equal names and sizes do not prove identical content. Run a hash pass for exact results."
)

// ParseMethod maps user input to a Method. The empty string means auto.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodAuto:
		return MethodAuto, nil
	case MethodHash, MethodFuzzy:
		return Method(s), nil
	}
	return "", apperr.Validation("duplicates", "unknown method %q (want hash, fuzzy or auto)", s)
}

type Query struct {
	Method  Method
	Limit   int
	MinSize int64
}

// Group is one set of duplicates. Files and Locations hold every matching
// record, hard links included, ordered by path. Distinct counts the
// underlying files, and WastedSpace is charged per distinct file only.
type Group struct {
	Key         string               `json:"key"`
	Method      Method               `json:"method"`
	Size        int64                `json:"size"`
	Count       int                  `json:"count"`
	Distinct    int                  `json:"distinct"`
	TotalSize   int64                `json:"totalSize"`
	WastedSpace int64                `json:"wastedSpace"`
	Locations   []string             `json:"locations"`
	Files       []catalog.FileRecord `json:"files"`
}

type Summary struct {
	Groups      int    `json:"groups"`
	Files       int    `json:"files"`
	WastedSpace int64  `json:"wastedSpace"`
	Confidence  string `json:"confidence"`
	Note        string `json:"note,omitempty"`
}

type Result struct {
	Method     Method  `json:"method"`
	Duplicates []Group `json:"duplicates"`
	Summary    Summary `json:"summary"`
}

type Detector struct {
	files docstore.Collection[catalog.FileRecord]
}

func NewDetector(files docstore.Collection[catalog.FileRecord]) *Detector {
	return &Detector{files: files}
}

// Find groups the catalog by content identity and returns the groups with the
// largest total size first.
func (d *Detector) Find(ctx context.Context, q Query) (_ Result, err error) {
	const op = "duplicates"
	method, err := ParseMethod(string(q.Method))
	if err != nil {
		return Result{}, err
	}
	if q.Limit < 0 {
		return Result{}, apperr.Validation(op, "limit cannot be negative")
	}
	if q.MinSize < 0 {
		return Result{}, apperr.Validation(op, "min_size cannot be negative")
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	ctx, end := tracing.StartSpan(ctx, "storage.duplicates", attribute.String("method", string(method)))
	defer func() { end(err) }()

	if method == MethodAuto {
		if method, err = d.resolveAuto(ctx); err != nil {
			return Result{}, apperr.Internal(op, err)
		}
	}

	match := docstore.Filter{}
	var groupBy []string
	if method == MethodHash {
		match = append(match, docstore.Where("hash", docstore.Exists, true))
		groupBy = []string{"hash"}
	} else {
		groupBy = []string{"filename", "size"}
	}
	if q.MinSize > 0 {
		match = append(match, docstore.Where("size", docstore.Gte, q.MinSize))
	}

	buckets, err := d.files.Aggregate(ctx, docstore.Pipeline{Match: match, GroupBy: groupBy, MinCount: 2})
	if err != nil {
		return Result{}, apperr.Internal(op, fmt.Errorf("group files: %w", err))
	}

	groups := make([]Group, 0, len(buckets))
	for _, b := range buckets {
		if len(b.Docs) < 2 {
			continue
		}
		groups = append(groups, newGroup(method, b.Docs))
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].TotalSize != groups[j].TotalSize {
			return groups[i].TotalSize > groups[j].TotalSize
		}
		return groups[i].Key < groups[j].Key
	})
	if len(groups) > limit {
		groups = groups[:limit]
	}

	res := Result{Method: method, Duplicates: groups, Summary: Summary{Groups: len(groups)}}
	for _, g := range groups {
		res.Summary.Files += g.Count
		res.Summary.WastedSpace += g.WastedSpace
	}
	if method == MethodHash {
		res.Summary.Confidence = ConfidenceExact
	} else {
		res.Summary.Confidence = ConfidenceHeuristic
		res.Summary.Note = fuzzyNote
	}

	logger.WithFields(map[string]interface{}{
		"method": method,
		"groups": res.Summary.Groups,
		"wasted": res.Summary.WastedSpace,
	}).Debug("duplicate groups computed")
	return res, nil
}

// ForHash returns the duplicate group of one content digest, or nil when fewer
// than two catalog records carry it.
func (d *Detector) ForHash(ctx context.Context, hash string) (*Group, error) {
	if hash == "" {
		return nil, apperr.Validation("duplicates", "hash required")
	}
	docs, err := d.files.Find(ctx, docstore.Query{
		Filter: docstore.Filter{docstore.Where("hash", docstore.Eq, hash)},
	})
	if err != nil {
		return nil, apperr.Internal("duplicates", fmt.Errorf("list files for %s: %w", hash, err))
	}
	if len(docs) < 2 {
		return nil, nil
	}
	g := newGroup(MethodHash, docs)
	return &g, nil
}

// resolveAuto picks hash mode as soon as one catalog entry carries a digest.
func (d *Detector) resolveAuto(ctx context.Context) (Method, error) {
	n, err := d.files.Count(ctx, docstore.Filter{docstore.Where("hash", docstore.Exists, true)})
	if err != nil {
		return "", fmt.Errorf("count hashed files: %w", err)
	}
	if n > 0 {
		return MethodHash, nil
	}
	return MethodFuzzy, nil
}

// FileKey identifies the stored file behind rec: its file id, or its path
// when the platform reported none. Hard links share a key.
func FileKey(rec catalog.FileRecord) string {
	if rec.FileID != "" {
		return "id:" + rec.FileID
	}
	return "path:" + rec.Path
}

// DistinctFiles counts the stored files behind recs.
func DistinctFiles(recs []catalog.FileRecord) int {
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		seen[FileKey(rec)] = struct{}{}
	}
	return len(seen)
}

func newGroup(method Method, docs []catalog.FileRecord) Group {
	members := make([]catalog.FileRecord, len(docs))
	copy(members, docs)
	sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })

	size := members[0].Size
	key := members[0].Hash
	if method == MethodFuzzy {
		key = fmt.Sprintf("%s:%d", members[0].Filename, size)
	}
	locations := make([]string, len(members))
	for i, rec := range members {
		locations[i] = rec.Path
	}
	distinct := DistinctFiles(members)
	return Group{
		Key:         key,
		Method:      method,
		Size:        size,
		Count:       len(members),
		Distinct:    distinct,
		TotalSize:   size * int64(len(members)),
		WastedSpace: size * int64(distinct-1),
		Locations:   locations,
		Files:       members,
	}
}
