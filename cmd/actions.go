package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/schollz/progressbar/v3"

	"storagejanitor/catalog"
	"storagejanitor/config"
	"storagejanitor/dedup"
	"storagejanitor/deletion"
	"storagejanitor/events"
	"storagejanitor/hasher"
	"storagejanitor/logger"
	"storagejanitor/output"
	"storagejanitor/retention"
	"storagejanitor/scanner"
	"storagejanitor/systeminfo"
	"storagejanitor/tracing"
)

type app struct {
	cfg  *config.Config
	cat  *catalog.Catalog
	out  *output.Writer
	bus  events.Bus
	sink events.Sink
	// progress receives the scan progress bar; nil disables it.
	progress io.Writer
}

func (a *app) run(ctx context.Context) error {
	switch a.cfg.Action {
	case "scan":
		return a.scan(ctx)
	case "status":
		return a.status(ctx)
	case "list":
		return a.list(ctx)
	case "duplicates":
		return a.duplicates(ctx)
	case "suggest":
		return a.suggest(ctx)
	case "mark":
		return a.mark(ctx)
	case "confirm":
		return a.confirm(ctx)
	case "deletions":
		return a.deletions(ctx)
	case "stats":
		return a.stats(ctx)
	case "hash":
		return a.hash(ctx)
	}
	return fmt.Errorf("unknown action %q", a.cfg.Action)
}

func (a *app) scanService() *scanner.Service {
	opts := scanner.Options{
		Catalog:        a.cat,
		Bus:            a.bus,
		Sink:           a.sink,
		StallThreshold: a.cfg.DiagSlowScanThreshold,
		DiagDir:        a.cfg.DiagDir,
		DumpGoroutines: a.cfg.DiagGoroutineLeak,
	}
	if a.cfg.TraceFlight {
		opts.DumpFlightRecorder = tracing.WriteFlightRecorder
	}
	return scanner.NewService(opts)
}

func (a *app) deletionService() *deletion.Service {
	return deletion.NewService(deletion.Options{Catalog: a.cat, AllowedRoots: a.cfg.AllowedRoots})
}

func (a *app) scan(ctx context.Context) error {
	svc := a.scanService()
	defer svc.Shutdown()

	id, err := svc.Start(ctx, scanner.Request{
		Roots:          a.cfg.Roots,
		Extensions:     a.cfg.Extensions,
		Include:        a.cfg.IncludePatterns,
		Exclude:        a.cfg.ExcludePatterns,
		EmitEvery:      a.cfg.EmitEvery,
		MaxConcurrency: a.cfg.MaxConcurrency,
		MaxIOPerSecond: a.cfg.MaxIOPerSecond,
		Hash:           a.cfg.Hash,
		HashAlgorithm:  a.cfg.HashAlgorithm,
		Prune:          a.cfg.Prune,
	})
	if err != nil {
		return err
	}
	logger.Infof("Scan %s started", id)

	var progressDone chan struct{}
	if a.cfg.Progress && a.progress != nil {
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			a.followProgress(ctx, id)
		}()
	}

	job, err := svc.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		logger.Warnf("Stopping scan %s", id)
		if stopErr := svc.Stop(id); stopErr != nil {
			logger.Debugf("Stop scan %s: %v", id, stopErr)
		}
		job, err = svc.Wait(context.Background(), id)
	}
	if progressDone != nil {
		<-progressDone
	}
	if err != nil {
		return err
	}

	if err := a.out.WriteRecord(job); err != nil {
		return err
	}
	for _, scanErr := range job.Errors {
		if err := a.out.WriteRecord(scanErr); err != nil {
			return err
		}
	}
	a.out.SetSummary(job.Counts)
	logger.Infof("Scan %s %s: %d seen, %d upserts, %d errors, %d skipped, %d pruned",
		id, job.Status, job.Counts.FilesSeen, job.Counts.Upserts, job.Counts.Errors, job.Counts.Skipped, job.Counts.Pruned)
	return nil
}

// followProgress draws a spinner with the running file count until the job's
// topic closes.
func (a *app) followProgress(ctx context.Context, jobID string) {
	ch, cancel, err := a.bus.Subscribe(context.WithoutCancel(ctx), jobID, 16)
	if err != nil {
		logger.Debugf("Progress unavailable for %s: %v", jobID, err)
		return
	}
	defer cancel()

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(a.progress),
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
	)
	for e := range ch {
		_ = bar.Set64(e.Int("files_seen"))
		if e.Type == events.TypeScanDone {
			_ = bar.Finish()
		}
	}
}

func (a *app) status(ctx context.Context) error {
	job, err := a.scanService().Status(ctx, a.cfg.ScanID)
	if err != nil {
		return err
	}
	return a.out.WriteRecord(job)
}

func (a *app) list(ctx context.Context) error {
	jobs, err := a.scanService().List(ctx, a.cfg.Limit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := a.out.WriteRecord(job); err != nil {
			return err
		}
	}
	a.out.SetSummary(map[string]int{"scans": len(jobs)})
	return nil
}

func (a *app) duplicates(ctx context.Context) error {
	detector := dedup.NewDetector(a.cat.Files)
	if a.cfg.DuplicateHash != "" {
		group, err := detector.ForHash(ctx, a.cfg.DuplicateHash)
		if err != nil {
			return err
		}
		summary := dedup.Summary{Confidence: dedup.ConfidenceExact}
		if group != nil {
			summary.Groups, summary.Files, summary.WastedSpace = 1, group.Count, group.WastedSpace
			if err := a.out.WriteRecord(*group); err != nil {
				return err
			}
		}
		a.out.SetSummary(summary)
		return nil
	}

	method, err := dedup.ParseMethod(a.cfg.Method)
	if err != nil {
		return err
	}
	res, err := detector.Find(ctx, dedup.Query{Method: method, Limit: a.cfg.Limit, MinSize: a.cfg.MinSize})
	if err != nil {
		return err
	}
	for _, group := range res.Duplicates {
		if err := a.out.WriteRecord(group); err != nil {
			return err
		}
	}
	a.out.SetSummary(res.Summary)
	return nil
}

func (a *app) suggestion(ctx context.Context) (retention.Suggestion, error) {
	strategy, err := retention.ParseStrategy(a.cfg.Strategy)
	if err != nil {
		return retention.Suggestion{}, err
	}
	method, err := dedup.ParseMethod(a.cfg.Method)
	if err != nil {
		return retention.Suggestion{}, err
	}
	return retention.NewPlanner(a.cat.Files).Suggest(ctx, retention.Request{
		Hash:     a.cfg.DuplicateHash,
		Strategy: strategy,
		MinSize:  a.cfg.MinSize,
		Method:   method,
		Limit:    a.cfg.Limit,
	})
}

type suggestSummary struct {
	retention.Suggestion
	TempFiles  int `json:"tempFiles"`
	LargeFiles int `json:"largeFiles"`
}

// suggest reports duplicate retention plans followed by temp-file and
// large-file candidates.
func (a *app) suggest(ctx context.Context) error {
	suggestion, err := a.suggestion(ctx)
	if err != nil {
		return err
	}
	for _, plan := range suggestion.Plans {
		if err := a.out.WriteRecord(plan); err != nil {
			return err
		}
	}

	planner := retention.NewPlanner(a.cat.Files)
	temp, err := planner.TempFiles(ctx, retention.TempPolicy{AgeDays: a.cfg.TempAgeDays})
	if err != nil {
		return err
	}
	var large []retention.Candidate
	if a.cfg.LargeFileThreshold > 0 {
		if large, err = planner.LargeFiles(ctx, a.cfg.LargeFileThreshold); err != nil {
			return err
		}
	}
	for _, c := range append(temp, large...) {
		if err := a.out.WriteRecord(c); err != nil {
			return err
		}
	}

	summary := suggestSummary{Suggestion: suggestion, TempFiles: len(temp), LargeFiles: len(large)}
	summary.Plans = nil
	a.out.SetSummary(summary)
	return nil
}

// mark records pending deletions for the given paths, or for every file the
// retention suggestion would delete.
func (a *app) mark(ctx context.Context) error {
	svc := a.deletionService()
	var (
		res deletion.MarkResult
		err error
	)
	if len(a.cfg.MarkPaths) > 0 {
		reqs := make([]deletion.MarkRequest, 0, len(a.cfg.MarkPaths))
		for _, p := range a.cfg.MarkPaths {
			abs, absErr := filepath.Abs(p)
			if absErr != nil {
				abs = p
			}
			reqs = append(reqs, deletion.MarkRequest{Path: abs, Reason: a.cfg.MarkReason})
		}
		res, err = svc.Mark(ctx, a.cfg.Actor, reqs)
	} else {
		suggestion, sErr := a.suggestion(ctx)
		if sErr != nil {
			return sErr
		}
		if len(suggestion.Plans) == 0 {
			logger.Info("Nothing to mark: no duplicate groups found")
			a.out.SetSummary(deletion.MarkResult{IDs: []string{}})
			return nil
		}
		res, err = svc.MarkPlans(ctx, a.cfg.Actor, suggestion.Plans)
	}
	if err != nil {
		return err
	}

	for _, id := range res.IDs {
		rec, err := svc.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := a.out.WriteRecord(rec); err != nil {
			return err
		}
	}
	a.out.SetSummary(res)
	return nil
}

func (a *app) confirm(ctx context.Context) error {
	res, err := a.deletionService().Confirm(ctx, a.cfg.Actor, deletion.ConfirmRequest{ID: a.cfg.DeletionID, Confirm: a.cfg.Confirm})
	var failure *deletion.FailureError
	if err != nil && !errors.As(err, &failure) {
		return err
	}
	if werr := a.out.WriteRecord(res); werr != nil {
		return werr
	}
	return err
}

func (a *app) deletions(ctx context.Context) error {
	recs, err := a.deletionService().List(ctx, catalog.DeletionStatus(a.cfg.DeletionStatus), a.cfg.Limit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := a.out.WriteRecord(rec); err != nil {
			return err
		}
	}
	a.out.SetSummary(map[string]int{"deletions": len(recs)})
	return nil
}

type statsSummary struct {
	catalog.Stats
	Host  systeminfo.HostInfo `json:"host"`
	Disks []catalog.DiskUsage `json:"disks"`
}

func (a *app) stats(ctx context.Context) error {
	stats, err := a.cat.Stats(ctx)
	if err != nil {
		return err
	}
	for _, ext := range stats.ByExtension {
		if err := a.out.WriteRecord(ext); err != nil {
			return err
		}
	}
	roots := make([]string, 0, len(a.cfg.Roots))
	for _, root := range a.cfg.Roots {
		if abs, err := filepath.Abs(root); err == nil {
			roots = append(roots, abs)
		}
	}
	summary := statsSummary{Stats: stats, Host: systeminfo.GetHostInfo(ctx), Disks: systeminfo.DiskUsage(ctx, roots)}
	summary.ByExtension = nil
	a.out.SetSummary(summary)
	return nil
}

// hash backfills content hashes for catalogued files under each root that a
// scan without hashing left empty.
func (a *app) hash(ctx context.Context) error {
	var total hasher.BackfillResult
	for _, root := range a.cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		res, err := hasher.Backfill(ctx, a.cat.Files, hasher.BackfillOptions{
			Algorithm: a.cfg.HashAlgorithm,
			Workers:   a.cfg.MaxConcurrency,
			MinSize:   a.cfg.MinSize,
			Limit:     a.cfg.Limit,
			Root:      abs,
		})
		if err != nil {
			return err
		}
		total.Hashed += res.Hashed
		total.Skipped += res.Skipped
		total.Errors = append(total.Errors, res.Errors...)
	}
	for _, scanErr := range total.Errors {
		if err := a.out.WriteRecord(scanErr); err != nil {
			return err
		}
	}
	a.out.SetSummary(total)
	return nil
}
