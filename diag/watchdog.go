// Package diag watches a running scan and dumps diagnostics when no file has
// settled for longer than a threshold. Stuck workers usually sit in a syscall
// on one slow path (a hung network mount, a locked file); the stall report
// names those paths.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"storagejanitor/logger"
)

const stampLayout = "20060102-150405.000"

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Progress is one sample of a running scan.
type Progress struct {
	Settled int64
	Seen    int64
	// InFlight maps paths currently held by workers to when they were picked up.
	InFlight map[string]time.Time
}

// Stall describes a detected stall and the artifacts written for it.
type Stall struct {
	JobID      string        `json:"job_id"`
	At         time.Time     `json:"timestamp"`
	Settled    int64         `json:"settled_files"`
	Seen       int64         `json:"files_seen"`
	Threshold  time.Duration `json:"threshold"`
	StalledFor time.Duration `json:"stalled_for"`
	InFlight   []StuckPath   `json:"in_flight"`
	Report     string        `json:"report"`
	Stacks     string        `json:"stacks,omitempty"`
	Flight     string        `json:"flight,omitempty"`
}

type StuckPath struct {
	Path  string        `json:"path"`
	Since time.Duration `json:"since"`
}

type Options struct {
	JobID     string
	Threshold time.Duration
	Dir       string
	// GoroutinesOnClose writes a goroutine profile when the watchdog closes,
	// so workers outliving the scan can be inspected.
	GoroutinesOnClose bool
	Sample            func() Progress
	OnStall           func(Stall)
	DumpFlight        func(path string) error

	now           func() time.Time
	lookupProfile func(name string) profileWriter
}

type Watchdog struct {
	opts Options

	mu          sync.Mutex
	lastSettled int64
	lastMoveAt  time.Time
	lastDumpAt  time.Time
	stalls      int

	stop chan struct{}
	done chan struct{}
}

func NewWatchdog(opts Options) *Watchdog {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.lookupProfile == nil {
		opts.lookupProfile = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.JobID == "" {
		opts.JobID = "scan"
	}
	return &Watchdog{opts: opts}
}

// Start probes in the background until ctx ends or Close is called. Without a
// threshold or a sampler it does nothing.
func (w *Watchdog) Start(ctx context.Context) {
	if w.opts.Threshold <= 0 || w.opts.Sample == nil || w.stop != nil {
		return
	}
	w.mu.Lock()
	w.lastSettled = w.opts.Sample().Settled
	w.lastMoveAt = w.opts.now()
	w.mu.Unlock()

	interval := min(max(w.opts.Threshold/2, 250*time.Millisecond), 2*time.Second)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.probe(w.opts.now())
			}
		}
	}()
}

func (w *Watchdog) Close() {
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop, w.done = nil, nil
	}
	if w.opts.GoroutinesOnClose {
		if _, err := w.writeProfile("goroutine", 2, w.opts.now()); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

// Stalls reports how many stalls were detected.
func (w *Watchdog) Stalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalls
}

func (w *Watchdog) probe(now time.Time) {
	sample := w.opts.Sample()

	w.mu.Lock()
	if sample.Settled != w.lastSettled || w.lastMoveAt.IsZero() {
		w.lastSettled = sample.Settled
		w.lastMoveAt = now
		w.mu.Unlock()
		return
	}
	stalledFor := now.Sub(w.lastMoveAt)
	due := stalledFor >= w.opts.Threshold &&
		(w.lastDumpAt.IsZero() || now.Sub(w.lastDumpAt) >= w.opts.Threshold)
	if due {
		w.lastDumpAt = now
		w.stalls++
	}
	w.mu.Unlock()
	if !due {
		return
	}

	stall := Stall{
		JobID:      w.opts.JobID,
		At:         now.UTC(),
		Settled:    sample.Settled,
		Seen:       sample.Seen,
		Threshold:  w.opts.Threshold,
		StalledFor: stalledFor,
		InFlight:   stuckPaths(sample.InFlight, now),
	}
	logger.WithFields(map[string]interface{}{
		"job_id":      stall.JobID,
		"settled":     stall.Settled,
		"in_flight":   len(stall.InFlight),
		"stalled_for": stalledFor.String(),
	}).Warn("scan progress stalled")
	if err := w.dump(&stall); err != nil {
		logger.Warnf("Diagnostics stall dump failed: %v", err)
	}
	if w.opts.OnStall != nil {
		w.opts.OnStall(stall)
	}
}

// stuckPaths orders in-flight paths longest-held first.
func stuckPaths(inFlight map[string]time.Time, now time.Time) []StuckPath {
	out := make([]StuckPath, 0, len(inFlight))
	for path, since := range inFlight {
		out = append(out, StuckPath{Path: path, Since: now.Sub(since)})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Since != out[k].Since {
			return out[i].Since > out[k].Since
		}
		return out[i].Path < out[k].Path
	})
	return out
}

func (w *Watchdog) dump(stall *Stall) error {
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return err
	}
	ts := stall.At.Format(stampLayout)
	if path, err := w.writeProfile("goroutine", 2, stall.At); err != nil {
		logger.Debugf("Diagnostics goroutine dump skipped: %v", err)
	} else {
		stall.Stacks = path
	}
	if w.opts.DumpFlight != nil {
		path := filepath.Join(w.opts.Dir, fmt.Sprintf("scan-flight-%s-%s.out", w.opts.JobID, ts))
		if err := w.opts.DumpFlight(path); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		} else {
			stall.Flight = path
		}
	}

	stall.Report = filepath.Join(w.opts.Dir, fmt.Sprintf("scan-stall-%s-%s.json", w.opts.JobID, ts))
	b, err := json.MarshalIndent(stall, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(stall.Report, b, 0o600)
}

func (w *Watchdog) writeProfile(name string, debug int, at time.Time) (string, error) {
	profile := w.opts.lookupProfile(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.opts.Dir, fmt.Sprintf("scan-%s-%s-%s.pprof", w.opts.JobID, name, at.UTC().Format(stampLayout)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if err := profile.WriteTo(f, debug); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
