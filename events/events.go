// Package events carries scan progress. A Bus fans events out to live
// subscribers of one job; a Sink forwards them to external systems.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	TypeScanProgress = "storage.scan.progress"
	TypeScanDone     = "storage.scan.done"
	TypeScanStall    = "storage.scan.stall"
)

// Event is one progress notification. Payload values survive a JSON or
// msgpack round trip, so consumers should read numbers with Int.
type Event struct {
	Type      string                 `json:"type" msgpack:"type"`
	JobID     string                 `json:"job_id" msgpack:"job_id"`
	DedupeKey string                 `json:"dedupe_key" msgpack:"dedupe_key"`
	Time      time.Time              `json:"time" msgpack:"time"`
	Payload   map[string]interface{} `json:"payload" msgpack:"payload"`
}

// Int reads a numeric payload value regardless of its decoded width.
func (e Event) Int(key string) int64 {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func ProgressKey(jobID string, seq int64) string {
	return fmt.Sprintf("storage:scan:progress:%s:%d", jobID, seq)
}

func StallKey(jobID string, n int) string {
	return fmt.Sprintf("storage:scan:stall:%s:%d", jobID, n)
}

func DoneKey(jobID string) string {
	return fmt.Sprintf("storage:scan:done:%s", jobID)
}

// Sink receives events for delivery outside the process.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// ErrTopicClosed is returned when subscribing to a job that is not open.
var ErrTopicClosed = errors.New("events: topic is not open")

// Bus is a per-job publish/subscribe channel. Publish never blocks: events
// with no subscriber, or for a subscriber whose buffer is full, are dropped.
type Bus interface {
	Open(jobID string) error
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a channel that is closed when the job's topic closes
	// or cancel is called.
	Subscribe(ctx context.Context, jobID string, buffer int) (<-chan Event, func(), error)
	Close(jobID string) error
}

// MultiSink emits to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }
