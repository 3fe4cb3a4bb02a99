package tracing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"time"
)

// The flight recorder keeps a rolling window of the runtime trace in memory.
// It is written out when a scan stalls or the process is interrupted.
var flight struct {
	mu  sync.Mutex
	rec *trace.FlightRecorder
}

func StartFlightRecorder(maxBytes uint64, minAge time.Duration) error {
	flight.mu.Lock()
	defer flight.mu.Unlock()
	if flight.rec != nil {
		return errors.New("flight recorder already running")
	}
	rec := trace.NewFlightRecorder(trace.FlightRecorderConfig{MaxBytes: maxBytes, MinAge: minAge})
	if err := rec.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	flight.rec = rec
	return nil
}

func StopFlightRecorder() {
	flight.mu.Lock()
	defer flight.mu.Unlock()
	if flight.rec != nil {
		flight.rec.Stop()
		flight.rec = nil
	}
}

// WriteFlightRecorder snapshots the current window into path, creating parent
// directories. Without a running recorder it writes nothing.
func WriteFlightRecorder(path string) error {
	flight.mu.Lock()
	defer flight.mu.Unlock()
	if flight.rec == nil || !flight.rec.Enabled() {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create flight trace dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := flight.rec.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write flight trace %s: %w", path, err)
	}
	return f.Close()
}
