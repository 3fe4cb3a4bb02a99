package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"storagejanitor/catalog"
	"storagejanitor/diag"
	"storagejanitor/events"
	"storagejanitor/logger"
)

// job is the in-memory state of one running scan. Counters only grow.
type job struct {
	id        string
	req       Request
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   atomic.Bool

	filesSeen atomic.Int64
	upserts   atomic.Int64
	errors    atomic.Int64
	skipped   atomic.Int64
	pruned    atomic.Int64
	settled   atomic.Int64

	// emitMu orders progress publication: seq and the counter snapshot are
	// taken together, so emitted counters never go backwards.
	emitMu sync.Mutex
	seq    int64

	// inFlight maps paths held by workers to when they were picked up.
	inFlight sync.Map
	stalls   atomic.Int64

	mu    sync.Mutex
	errs  []catalog.ScanError
	final *catalog.ScanJob
}

func (j *job) recordError(path string, err error) {
	j.mu.Lock()
	j.errs = append(j.errs, catalog.ScanError{Path: path, Error: err.Error()})
	j.mu.Unlock()
	j.errors.Add(1)
	logger.Debugf("Scan %s: %s: %v", j.id, path, err)
}

func (j *job) counts() catalog.ScanCounts {
	return catalog.ScanCounts{
		FilesSeen: j.filesSeen.Load(),
		Upserts:   j.upserts.Load(),
		Errors:    j.errors.Load(),
		Skipped:   j.skipped.Load(),
		Pruned:    j.pruned.Load(),
	}
}

func (j *job) errorList() []catalog.ScanError {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]catalog.ScanError, len(j.errs))
	copy(out, j.errs)
	return out
}

func (j *job) snapshot(status catalog.JobStatus) catalog.ScanJob {
	return catalog.ScanJob{
		ID:         j.id,
		StartedAt:  j.startedAt,
		Status:     status,
		Roots:      j.req.Roots,
		Extensions: j.req.Extensions,
		Hash:       j.req.Hash,
		Prune:      j.req.Prune,
		Counts:     j.counts(),
		Errors:     j.errorList(),
	}
}

func (j *job) result() (catalog.ScanJob, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.final == nil {
		return catalog.ScanJob{}, false
	}
	return *j.final, true
}

func countsPayload(jobID string, c catalog.ScanCounts) map[string]interface{} {
	return map[string]interface{}{
		"job_id":     jobID,
		"files_seen": c.FilesSeen,
		"upserts":    c.Upserts,
		"errors":     c.Errors,
		"skipped":    c.Skipped,
		"pruned":     c.Pruned,
	}
}

func progressEvent(j *job, seq int64) events.Event {
	return events.Event{
		Type:      events.TypeScanProgress,
		JobID:     j.id,
		DedupeKey: events.ProgressKey(j.id, seq),
		Time:      time.Now().UTC(),
		Payload:   countsPayload(j.id, j.counts()),
	}
}

func (j *job) sample() diag.Progress {
	p := diag.Progress{
		Settled:  j.settled.Load(),
		Seen:     j.filesSeen.Load(),
		InFlight: make(map[string]time.Time),
	}
	j.inFlight.Range(func(key, value any) bool {
		p.InFlight[key.(string)] = value.(time.Time)
		return true
	})
	return p
}

func stallEvent(stall diag.Stall, n int) events.Event {
	paths := make([]interface{}, 0, len(stall.InFlight))
	for _, sp := range stall.InFlight {
		paths = append(paths, map[string]interface{}{"path": sp.Path, "since_ms": sp.Since.Milliseconds()})
	}
	return events.Event{
		Type:      events.TypeScanStall,
		JobID:     stall.JobID,
		DedupeKey: events.StallKey(stall.JobID, n),
		Time:      stall.At,
		Payload: map[string]interface{}{
			"job_id":         stall.JobID,
			"files_seen":     stall.Seen,
			"settled":        stall.Settled,
			"stalled_for_ms": stall.StalledFor.Milliseconds(),
			"in_flight":      paths,
			"report":         stall.Report,
		},
	}
}

func doneEvent(final catalog.ScanJob) events.Event {
	payload := countsPayload(final.ID, final.Counts)
	payload["status"] = string(final.Status)
	errs := make([]interface{}, 0, len(final.Errors))
	for _, e := range final.Errors {
		errs = append(errs, map[string]interface{}{"path": e.Path, "error": e.Error})
	}
	payload["error_list"] = errs
	return events.Event{
		Type:      events.TypeScanDone,
		JobID:     final.ID,
		DedupeKey: events.DoneKey(final.ID),
		Time:      time.Now().UTC(),
		Payload:   payload,
	}
}
