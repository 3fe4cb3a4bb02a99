package retention

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/ahocorasick"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/docstore"
)

const (
	PolicyTempFiles  = "remove_temp_files"
	PolicyLargeFiles = "flag_large_files"

	DefaultTempAgeDays        = 7
	DefaultLargeFileThreshold = int64(1 << 30)

	pageSize = 1000
)

// DefaultTempMarkers are the path fragments that place a file in a temp
// location. Matching is case-insensitive on slash-separated paths.
var DefaultTempMarkers = []string{"/tmp/", "/temp/", "/.cache/"}

type TempPolicy struct {
	Markers []string
	AgeDays int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Candidate is one file selected by a cleanup policy.
type Candidate struct {
	File   catalog.FileRecord `json:"file"`
	Policy string             `json:"policy"`
	Reason string             `json:"reason"`
	// Review marks candidates that must never be deleted without a person
	// looking at them first.
	Review bool `json:"review,omitempty"`
}

// TempFiles returns catalogued files under a temp marker whose mtime is older
// than the policy age.
func (p *Planner) TempFiles(ctx context.Context, policy TempPolicy) ([]Candidate, error) {
	const op = "temp files"
	if policy.AgeDays < 0 {
		return nil, apperr.Validation(op, "age_days cannot be negative")
	}
	if policy.AgeDays == 0 {
		policy.AgeDays = DefaultTempAgeDays
	}
	markers := policy.Markers
	if len(markers) == 0 {
		markers = DefaultTempMarkers
	}
	normalized := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			normalized = append(normalized, m)
		}
	}
	if len(normalized) == 0 {
		return nil, apperr.Validation(op, "at least one temp marker required")
	}
	matcher := ahocorasick.NewStringMatcher(normalized)

	now := time.Now
	if policy.Now != nil {
		now = policy.Now
	}
	cutoff := catalog.Stamp(now().AddDate(0, 0, -policy.AgeDays))
	reason := fmt.Sprintf("Temp file older than %d days", policy.AgeDays)

	var out []Candidate
	err := p.each(ctx, docstore.Filter{docstore.Where("mtime", docstore.Lt, cutoff)}, func(rec catalog.FileRecord) {
		path := strings.ToLower(filepath.ToSlash(rec.Path))
		if len(matcher.MatchThreadSafe([]byte(path))) == 0 {
			return
		}
		out = append(out, Candidate{File: rec, Policy: PolicyTempFiles, Reason: reason})
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return out, nil
}

// LargeFiles flags files of at least threshold bytes for manual review. The
// candidates are informational and never delete suggestions.
func (p *Planner) LargeFiles(ctx context.Context, threshold int64) ([]Candidate, error) {
	const op = "large files"
	if threshold < 0 {
		return nil, apperr.Validation(op, "threshold cannot be negative")
	}
	if threshold == 0 {
		threshold = DefaultLargeFileThreshold
	}
	reason := fmt.Sprintf("Larger than %d bytes; review manually", threshold)

	var out []Candidate
	err := p.each(ctx, docstore.Filter{docstore.Where("size", docstore.Gte, threshold)}, func(rec catalog.FileRecord) {
		out = append(out, Candidate{File: rec, Policy: PolicyLargeFiles, Reason: reason, Review: true})
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return out, nil
}

// each pages through the files matching filter in path order.
func (p *Planner) each(ctx context.Context, filter docstore.Filter, fn func(catalog.FileRecord)) error {
	for skip := 0; ; skip += pageSize {
		page, err := p.files.Find(ctx, docstore.Query{
			Filter: filter,
			Sort:   []docstore.SortField{{Field: "path"}},
			Skip:   skip,
			Limit:  pageSize,
		})
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		for _, rec := range page {
			fn(rec)
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
