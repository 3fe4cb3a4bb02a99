// Package deletion implements the human-gated removal workflow. Files are
// first marked, which only writes an audit record, and removed from disk only
// when an operator confirms that record with an explicit boolean true.
//
// A record moves forward exactly once, from pending to completed or failed,
// and is never removed. Confirmation is at-most-once: an in-process lock per
// record plus a compare-and-set on the stored status.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/docstore"
	"storagejanitor/logger"
	"storagejanitor/retention"
	"storagejanitor/tracing"
)

const defaultListLimit = 100

type Options struct {
	Catalog *catalog.Catalog
	// FS performs the removals. Defaults to the host filesystem.
	FS billy.Filesystem
	// AllowedRoots, when set, confines deletions to these trees.
	AllowedRoots []string
	// ProtectedPaths and ProtectedTrees default to DefaultProtectedPaths and
	// DefaultProtectedTrees.
	ProtectedPaths []string
	ProtectedTrees []string
	Now            func() time.Time
}

type Service struct {
	files     docstore.Collection[catalog.FileRecord]
	deletions docstore.Collection[catalog.PendingDeletion]
	fs        billy.Filesystem
	safety    *safetyPolicy
	locks     *keyedLocks
	now       func() time.Time
}

func NewService(opts Options) *Service {
	fsys := opts.FS
	if fsys == nil {
		fsys = osfs.New("/")
	}
	protected := opts.ProtectedPaths
	if protected == nil {
		protected = DefaultProtectedPaths
	}
	trees := opts.ProtectedTrees
	if trees == nil {
		trees = DefaultProtectedTrees
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		files:     opts.Catalog.Files,
		deletions: opts.Catalog.Deletions,
		fs:        fsys,
		safety:    newSafetyPolicy(protected, trees, opts.AllowedRoots),
		locks:     newKeyedLocks(),
		now:       now,
	}
}

type MarkRequest struct {
	FileID string `json:"file_id,omitempty"`
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

type MarkResult struct {
	InsertedCount int      `json:"insertedCount"`
	IDs           []string `json:"ids"`
}

// Mark records one pending deletion per request. It never touches the disk.
// Size and file id are filled from the catalog when the path is known.
func (s *Service) Mark(ctx context.Context, actor string, reqs []MarkRequest) (MarkResult, error) {
	const op = "mark"
	if strings.TrimSpace(actor) == "" {
		return MarkResult{}, apperr.Validation(op, "actor required")
	}
	if len(reqs) == 0 {
		return MarkResult{}, apperr.Validation(op, "at least one file required")
	}
	for i, r := range reqs {
		if strings.TrimSpace(r.Path) == "" {
			return MarkResult{}, apperr.Validation(op, "file %d has no path", i)
		}
	}

	res := MarkResult{IDs: make([]string, 0, len(reqs))}
	markedAt := catalog.Stamp(s.now())
	for _, r := range reqs {
		rec := catalog.PendingDeletion{
			ID:       uuid.NewString(),
			FileID:   r.FileID,
			Path:     filepath.Clean(r.Path),
			Reason:   r.Reason,
			MarkedAt: markedAt,
			MarkedBy: actor,
			Status:   catalog.DeletionPending,
		}
		if file, err := s.files.Get(ctx, rec.Path); err == nil {
			rec.Size = file.Size
			if rec.FileID == "" {
				rec.FileID = file.FileID
			}
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return res, apperr.Internal(op, err)
		}
		if err := s.deletions.Upsert(ctx, rec.ID, rec); err != nil {
			return res, apperr.Internal(op, fmt.Errorf("store pending deletion: %w", err))
		}
		res.InsertedCount++
		res.IDs = append(res.IDs, rec.ID)
	}
	logger.WithFields(map[string]interface{}{
		"actor": actor,
		"count": res.InsertedCount,
	}).Info("files marked for deletion")
	return res, nil
}

// MarkPlans marks every delete suggestion of the given retention plans.
func (s *Service) MarkPlans(ctx context.Context, actor string, plans []retention.Plan) (MarkResult, error) {
	var reqs []MarkRequest
	for _, plan := range plans {
		for _, rec := range plan.SuggestDelete {
			reqs = append(reqs, MarkRequest{
				FileID: rec.FileID,
				Path:   rec.Path,
				Reason: fmt.Sprintf("duplicate of %s (%s, %s)", plan.Keep.Path, plan.Method, plan.Strategy),
			})
		}
	}
	return s.Mark(ctx, actor, reqs)
}

type ConfirmRequest struct {
	ID string `json:"id"`
	// Confirm must hold the boolean true. Strings, numbers and false are
	// rejected.
	Confirm interface{} `json:"confirm"`
}

type ConfirmResult struct {
	ID        string                 `json:"id"`
	Success   bool                   `json:"success"`
	Path      string                 `json:"path"`
	Status    catalog.DeletionStatus `json:"status"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	Freed     int64                  `json:"freed"`
	Error     string                 `json:"error,omitempty"`
}

// FailureError reports a confirmed deletion that did not remove the file. The
// record has already moved to failed.
type FailureError struct {
	ID      string
	Path    string
	Blocked bool
	Err     error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("deletion %s of %s failed: %v", e.ID, e.Path, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Confirm performs a marked deletion. The gate is checked before anything is
// read or written. A record that is missing or no longer pending is reported
// as not found, which is also what the loser of a concurrent confirm sees.
func (s *Service) Confirm(ctx context.Context, actor string, req ConfirmRequest) (_ ConfirmResult, err error) {
	const op = "confirm"
	if ok, isBool := req.Confirm.(bool); !isBool || !ok {
		return ConfirmResult{}, apperr.Validation(op, "confirm must be the boolean true")
	}
	if strings.TrimSpace(req.ID) == "" {
		return ConfirmResult{}, apperr.Validation(op, "id required")
	}
	if strings.TrimSpace(actor) == "" {
		return ConfirmResult{}, apperr.Validation(op, "actor required")
	}

	ctx, end := tracing.StartSpan(ctx, "storage.deletion.confirm", attribute.String("deletion_id", req.ID))
	defer func() { end(err) }()

	unlock := s.locks.lock(req.ID)
	defer unlock()

	rec, err := s.deletions.Get(ctx, req.ID)
	if errors.Is(err, docstore.ErrNotFound) {
		return ConfirmResult{}, apperr.NotFound(op, "pending deletion", req.ID)
	}
	if err != nil {
		return ConfirmResult{}, apperr.Internal(op, err)
	}
	if rec.Status != catalog.DeletionPending {
		return ConfirmResult{}, apperr.NotFound(op, "pending deletion", req.ID)
	}

	if err := s.safety.check(rec.Path); err != nil {
		return s.fail(ctx, rec, &FailureError{ID: rec.ID, Path: rec.Path, Blocked: true, Err: err})
	}
	freed, err := s.remove(rec.Path)
	if err != nil {
		return s.fail(ctx, rec, &FailureError{ID: rec.ID, Path: rec.Path, Err: err})
	}

	deletedAt := catalog.Stamp(s.now())
	rec.Status = catalog.DeletionCompleted
	rec.DeletedAt = &deletedAt
	rec.DeletedBy = actor
	if freed > 0 {
		rec.Size = freed
	}
	won, err := s.deletions.UpdateIf(ctx, rec.ID, pendingOnly, rec)
	if err != nil {
		return ConfirmResult{}, apperr.Internal(op, fmt.Errorf("complete deletion: %w", err))
	}
	if !won {
		return ConfirmResult{}, apperr.NotFound(op, "pending deletion", req.ID)
	}
	if err := s.files.Delete(ctx, rec.Path); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		// The next pruning scan drops the stale entry.
		logger.Warnf("Deleted %s but could not remove its catalog entry: %v", rec.Path, err)
	}

	logger.WithFields(map[string]interface{}{
		"id":    rec.ID,
		"path":  rec.Path,
		"actor": actor,
		"freed": freed,
	}).Info("file deleted")
	return ConfirmResult{ID: rec.ID, Success: true, Path: rec.Path, Status: rec.Status, Timestamp: rec.DeletedAt, Freed: freed}, nil
}

var pendingOnly = docstore.Filter{docstore.Where("status", docstore.Eq, string(catalog.DeletionPending))}

// remove deletes a single non-directory entry and returns its size. A path
// that is already gone counts as removed.
func (s *Service) remove(path string) (int64, error) {
	info, err := s.fs.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	return info.Size(), nil
}

// fail moves rec to failed and leaves the catalog untouched.
func (s *Service) fail(ctx context.Context, rec catalog.PendingDeletion, ferr *FailureError) (ConfirmResult, error) {
	rec.Status = catalog.DeletionFailed
	rec.Error = ferr.Err.Error()
	won, err := s.deletions.UpdateIf(ctx, rec.ID, pendingOnly, rec)
	if err != nil {
		return ConfirmResult{}, apperr.Internal("confirm", fmt.Errorf("record failure: %w", err))
	}
	if !won {
		return ConfirmResult{}, apperr.NotFound("confirm", "pending deletion", rec.ID)
	}
	logger.WithFields(map[string]interface{}{
		"id":      rec.ID,
		"path":    rec.Path,
		"blocked": ferr.Blocked,
	}).Warnf("deletion failed: %v", ferr.Err)
	return ConfirmResult{ID: rec.ID, Path: rec.Path, Status: rec.Status, Error: rec.Error}, ferr
}

func (s *Service) Get(ctx context.Context, id string) (catalog.PendingDeletion, error) {
	rec, err := s.deletions.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return rec, apperr.NotFound("deletion", "pending deletion", id)
	}
	if err != nil {
		return rec, apperr.Internal("deletion", err)
	}
	return rec, nil
}

// List returns deletion records, newest mark first. An empty status lists
// every record.
func (s *Service) List(ctx context.Context, status catalog.DeletionStatus, limit int) ([]catalog.PendingDeletion, error) {
	const op = "list deletions"
	var filter docstore.Filter
	switch status {
	case "":
	case catalog.DeletionPending, catalog.DeletionCompleted, catalog.DeletionFailed:
		filter = docstore.Filter{docstore.Where("status", docstore.Eq, string(status))}
	default:
		return nil, apperr.Validation(op, "unknown status %q", status)
	}
	if limit < 0 {
		return nil, apperr.Validation(op, "limit cannot be negative")
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	recs, err := s.deletions.Find(ctx, docstore.Query{
		Filter: filter,
		Sort:   []docstore.SortField{{Field: "marked_at", Desc: true}},
		Limit:  limit,
	})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return recs, nil
}
