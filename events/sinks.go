package events

import (
	"context"
	"sync"

	"storagejanitor/logger"
)

// LogSink writes events to the application log.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, e Event) error {
	fields := map[string]interface{}{
		"event":      e.Type,
		"job_id":     e.JobID,
		"dedupe_key": e.DedupeKey,
	}
	for _, key := range []string{"files_seen", "upserts", "errors", "skipped", "pruned"} {
		if _, ok := e.Payload[key]; ok {
			fields[key] = e.Int(key)
		}
	}
	entry := logger.WithFields(fields)
	switch e.Type {
	case TypeScanDone:
		entry.Info("scan finished")
	case TypeScanStall:
		entry.WithField("report", e.Payload["report"]).Warn("scan stalled")
	default:
		entry.Debug("scan progress")
	}
	return nil
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type, in emit order.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
