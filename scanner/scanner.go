// Package scanner walks filesystem roots and keeps the file catalog current.
// Each scan runs as an asynchronous job: one goroutine walks the roots and a
// fixed pool of workers stats, optionally hashes, and upserts every matching
// file.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/diag"
	"storagejanitor/docstore"
	"storagejanitor/events"
	"storagejanitor/hasher"
	"storagejanitor/logger"
	"storagejanitor/systeminfo"
	"storagejanitor/tracing"
	"storagejanitor/utils"
)

const (
	DefaultEmitEvery      = 500
	DefaultMaxConcurrency = 64
	defaultListLimit      = 20
)

// Request describes one scan. Roots and Extensions are required.
type Request struct {
	Roots          []string `json:"roots"`
	Extensions     []string `json:"extensions"`
	Include        []string `json:"include,omitempty"`
	Exclude        []string `json:"exclude,omitempty"`
	EmitEvery      int      `json:"emit_every,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	// MaxIOPerSecond caps file dispatches per second across the job.
	MaxIOPerSecond int    `json:"max_io_per_second,omitempty"`
	Hash           bool   `json:"hash,omitempty"`
	HashAlgorithm  string `json:"hash_algorithm,omitempty"`
	Prune          bool   `json:"prune,omitempty"`
}

type Options struct {
	Catalog *catalog.Catalog
	Bus     events.Bus
	Sink    events.Sink

	// StallThreshold enables stall diagnostics for each job when positive.
	StallThreshold     time.Duration
	DiagDir            string
	DumpFlightRecorder func(path string) error
	// DumpGoroutines writes a goroutine profile after every job, exposing
	// workers that outlive their scan.
	DumpGoroutines bool
}

type Service struct {
	files docstore.Collection[catalog.FileRecord]
	scans docstore.Collection[catalog.ScanJob]
	bus   events.Bus
	sink  events.Sink

	stallThreshold     time.Duration
	diagDir            string
	dumpFlightRecorder func(path string) error
	dumpGoroutines     bool

	walker treeWalker
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func NewService(opts Options) *Service {
	bus := opts.Bus
	if bus == nil {
		bus = events.NewMemoryBus()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Service{
		files:              opts.Catalog.Files,
		scans:              opts.Catalog.Scans,
		bus:                bus,
		sink:               sink,
		stallThreshold:     opts.StallThreshold,
		diagDir:            opts.DiagDir,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		dumpGoroutines:     opts.DumpGoroutines,
		walker:             stackWalker{},
		jobs:               make(map[string]*job),
	}
}

// normalize validates req and fills defaults. Roots become absolute, cleaned
// and de-duplicated.
func normalize(req Request) (Request, error) {
	const op = "scan"
	if len(req.Roots) == 0 {
		return req, apperr.Validation(op, "roots required")
	}
	if len(req.Extensions) == 0 {
		return req, apperr.Validation(op, "extensions required")
	}

	roots := make([]string, 0, len(req.Roots))
	seen := make(map[string]bool, len(req.Roots))
	for _, root := range req.Roots {
		if strings.TrimSpace(root) == "" {
			return req, apperr.Validation(op, "empty root")
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return req, apperr.Validation(op, "invalid root %s: %v", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return req, apperr.Validation(op, "root %s is not accessible: %v", root, err)
		}
		if !info.IsDir() {
			return req, apperr.Validation(op, "root %s is not a directory", root)
		}
		if !seen[abs] {
			seen[abs] = true
			roots = append(roots, abs)
		}
	}
	req.Roots = roots

	exts := utils.NewExtensionSet(req.Extensions)
	if len(exts) == 0 {
		return req, apperr.Validation(op, "extensions required")
	}
	req.Extensions = exts.Sorted()

	if req.EmitEvery == 0 {
		req.EmitEvery = DefaultEmitEvery
	}
	if req.MaxConcurrency == 0 {
		req.MaxConcurrency = DefaultMaxConcurrency
	}
	if req.EmitEvery < 1 {
		return req, apperr.Validation(op, "emit_every must be at least 1")
	}
	if req.MaxConcurrency < 1 {
		return req, apperr.Validation(op, "max_concurrency must be at least 1")
	}
	if req.MaxIOPerSecond < 0 {
		return req, apperr.Validation(op, "max_io_per_second cannot be negative")
	}
	if req.Hash {
		req.HashAlgorithm = strings.ToLower(strings.TrimSpace(req.HashAlgorithm))
		if req.HashAlgorithm == "" {
			req.HashAlgorithm = hasher.DefaultAlgorithm
		}
		if !hasher.IsSupported(req.HashAlgorithm) {
			return req, apperr.Validation(op, "unsupported hash algorithm %q", req.HashAlgorithm)
		}
	}
	if _, err := utils.NewPatternMatcher(req.Include, req.Exclude); err != nil {
		return req, apperr.Validation(op, "%v", err)
	}
	return req, nil
}

// Start validates req, records a running job and scans in the background. It
// returns the job id without waiting for the scan.
func (s *Service) Start(ctx context.Context, req Request) (string, error) {
	req, err := normalize(req)
	if err != nil {
		return "", err
	}

	j := &job{
		id:        uuid.NewString(),
		req:       req,
		startedAt: catalog.Now(),
		done:      make(chan struct{}),
	}
	if err := s.scans.Upsert(ctx, j.id, j.snapshot(catalog.JobRunning)); err != nil {
		return "", apperr.Internal("scan", fmt.Errorf("create job: %w", err))
	}
	if err := s.bus.Open(j.id); err != nil {
		return "", apperr.Internal("scan", fmt.Errorf("open job topic: %w", err))
	}

	// The job outlives the caller's request; only Stop cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"job_id":          j.id,
		"roots":           req.Roots,
		"extensions":      req.Extensions,
		"max_concurrency": req.MaxConcurrency,
		"hash":            req.Hash,
	}).Info("scan started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, j)
	}()
	return j.id, nil
}

func (s *Service) lookup(jobID string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// Status returns live counters for a running job and the stored record
// otherwise.
func (s *Service) Status(ctx context.Context, jobID string) (catalog.ScanJob, error) {
	if j := s.lookup(jobID); j != nil {
		if final, ok := j.result(); ok {
			return final, nil
		}
		return j.snapshot(catalog.JobRunning), nil
	}
	rec, err := s.scans.Get(ctx, jobID)
	if errors.Is(err, docstore.ErrNotFound) {
		return catalog.ScanJob{}, apperr.NotFound("scan status", "scan job", jobID)
	}
	if err != nil {
		return catalog.ScanJob{}, apperr.Internal("scan status", err)
	}
	return rec, nil
}

// Stop cancels a running job. Files already handed to workers still settle;
// the job then finishes with status stopped.
func (s *Service) Stop(jobID string) error {
	j := s.lookup(jobID)
	if j == nil {
		return apperr.NotFound("scan stop", "running scan job", jobID)
	}
	if final, finished := j.result(); finished {
		return apperr.Conflict("scan stop", "scan %s already %s", jobID, final.Status)
	}
	j.stopped.Store(true)
	j.cancel()
	logger.Infof("Stop requested for scan %s", jobID)
	return nil
}

// Wait blocks until the job settles or ctx ends.
func (s *Service) Wait(ctx context.Context, jobID string) (catalog.ScanJob, error) {
	j := s.lookup(jobID)
	if j == nil {
		return s.Status(ctx, jobID)
	}
	select {
	case <-j.done:
		final, _ := j.result()
		return final, nil
	case <-ctx.Done():
		return catalog.ScanJob{}, ctx.Err()
	}
}

// List returns recent jobs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]catalog.ScanJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	jobs, err := s.scans.Find(ctx, docstore.Query{
		Sort:  []docstore.SortField{{Field: "started_at", Desc: true}},
		Limit: limit,
	})
	if err != nil {
		return nil, apperr.Internal("scan list", err)
	}
	return jobs, nil
}

// Shutdown stops every running job and waits for them to finalize.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, j := range s.jobs {
		if _, finished := j.result(); !finished {
			j.stopped.Store(true)
			j.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, j *job) {
	ctx, endSpan := tracing.StartSpan(ctx, "storage.scan",
		attribute.String("job_id", j.id),
		attribute.StringSlice("roots", j.req.Roots),
	)
	req := j.req

	watchdog := diag.NewWatchdog(diag.Options{
		JobID:             j.id,
		Threshold:         s.stallThreshold,
		Dir:               s.diagDir,
		GoroutinesOnClose: s.dumpGoroutines,
		Sample:            j.sample,
		DumpFlight:        s.dumpFlightRecorder,
		OnStall: func(stall diag.Stall) {
			e := stallEvent(stall, int(j.stalls.Add(1)))
			if err := s.bus.Publish(ctx, e); err != nil {
				logger.Debugf("Failed to publish stall for %s: %v", j.id, err)
			}
			if err := s.sink.Emit(ctx, e); err != nil {
				logger.Debugf("Failed to emit stall for %s: %v", j.id, err)
			}
		},
	})
	watchdog.Start(ctx)

	matcher, _ := utils.NewPatternMatcher(req.Include, req.Exclude)
	exts := utils.NewExtensionSet(req.Extensions)

	var limiter *rate.Limiter
	if req.MaxIOPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(req.MaxIOPerSecond), req.MaxIOPerSecond)
	}

	filesChan := make(chan string, req.MaxConcurrency)
	seen := &seenSet{}
	walkErr := make(chan error, 1)

	go func() {
		defer close(filesChan)
		var firstErr error
		for _, root := range req.Roots {
			err := s.walker.walk(ctx, root, visitor{
				skipDir: matcher.ExcludesDir,
				fail:    j.recordError,
				file: func(path string, _ fs.DirEntry) error {
					if !exts.Matches(path) || !matcher.ShouldInclude(path) {
						return nil
					}
					j.filesSeen.Add(1)
					seen.add(path)
					if limiter != nil {
						if err := limiter.Wait(ctx); err != nil {
							return err
						}
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case filesChan <- path:
					}
					return nil
				},
			})
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logger.Warnf("Error walking path %s: %v", root, err)
				break
			}
		}
		walkErr <- firstErr
	}()

	var wg sync.WaitGroup
	for range req.MaxConcurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range filesChan {
				if ctx.Err() != nil {
					continue
				}
				s.processFile(ctx, j, path)
				if n := j.settled.Add(1); n%int64(req.EmitEvery) == 0 {
					s.emitProgress(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
	walkFailed := <-walkErr
	watchdog.Close()

	// Finalization must complete even after Stop cancelled ctx.
	finalCtx := context.WithoutCancel(ctx)
	status := catalog.JobDone
	if j.stopped.Load() {
		status = catalog.JobStopped
	}
	if req.Prune && status == catalog.JobDone && walkFailed == nil {
		if filter, err := seen.freeze(); err != nil {
			j.recordError(req.Roots[0], err)
		} else if pruned, err := reconcile(finalCtx, s.files, req.Roots, j.id, filter); err != nil {
			j.pruned.Add(pruned)
			j.recordError(req.Roots[0], err)
		} else {
			j.pruned.Add(pruned)
		}
	}

	final := j.snapshot(status)
	finished := catalog.Now()
	final.FinishedAt = &finished
	final.Storage = systeminfo.DiskUsage(finalCtx, req.Roots)
	if err := s.scans.Upsert(finalCtx, j.id, final); err != nil {
		logger.Errorf("Failed to store scan job %s: %v", j.id, err)
	}

	j.mu.Lock()
	j.final = &final
	j.mu.Unlock()

	done := doneEvent(final)
	if err := s.bus.Publish(finalCtx, done); err != nil {
		logger.Warnf("Failed to publish scan completion for %s: %v", j.id, err)
	}
	if err := s.sink.Emit(finalCtx, done); err != nil {
		logger.Warnf("Failed to emit scan completion for %s: %v", j.id, err)
	}
	if err := s.bus.Close(j.id); err != nil {
		logger.Warnf("Failed to close topic for %s: %v", j.id, err)
	}
	close(j.done)

	logger.WithFields(map[string]interface{}{
		"job_id":     j.id,
		"status":     final.Status,
		"files_seen": final.Counts.FilesSeen,
		"upserts":    final.Counts.Upserts,
		"errors":     final.Counts.Errors,
		"skipped":    final.Counts.Skipped,
		"pruned":     final.Counts.Pruned,
	}).Info("scan finished")
	endSpan(walkFailed)
}

func (s *Service) processFile(ctx context.Context, j *job, path string) {
	endRegion := tracing.StartRegion(ctx, "process_file")
	defer endRegion()
	j.inFlight.Store(path, time.Now())
	defer j.inFlight.Delete(path)

	rec, err := buildRecord(path, j.id)
	if errors.Is(err, errNotRegular) {
		j.skipped.Add(1)
		return
	}
	if err != nil {
		j.recordError(path, err)
		return
	}
	if err := enrich(ctx, s.files, &rec, j.req); err != nil {
		j.recordError(path, err)
		return
	}
	if err := s.files.Upsert(ctx, rec.Path, rec); err != nil {
		j.recordError(path, fmt.Errorf("upsert: %w", err))
		return
	}
	j.upserts.Add(1)
}

func (s *Service) emitProgress(ctx context.Context, j *job) {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()
	j.seq++
	e := progressEvent(j, j.seq)
	if err := s.bus.Publish(ctx, e); err != nil {
		logger.Debugf("Failed to publish progress for %s: %v", j.id, err)
	}
	if err := s.sink.Emit(ctx, e); err != nil {
		logger.Debugf("Failed to emit progress for %s: %v", j.id, err)
	}
	if err := s.scans.Upsert(ctx, j.id, j.snapshot(catalog.JobRunning)); err != nil {
		logger.Debugf("Failed to refresh scan job %s: %v", j.id, err)
	}
}
