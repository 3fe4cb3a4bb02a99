package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelLog "go.opentelemetry.io/otel/log"
)

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Open("job1"))

	ch, cancel, err := bus.Subscribe(ctx, "job1", 4)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, Event{Type: TypeScanProgress, JobID: "job1", DedupeKey: ProgressKey("job1", 1)}))
	require.NoError(t, bus.Publish(ctx, Event{Type: TypeScanProgress, JobID: "other"}))

	select {
	case e := <-ch:
		assert.Equal(t, "storage:scan:progress:job1:1", e.DedupeKey)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	require.NoError(t, bus.Close("job1"))
	_, ok := <-ch
	assert.False(t, ok, "channel should close with the topic")
	cancel()
}

func TestMemoryBusDropsWithoutBlocking(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Open("job"))

	// No subscriber yet.
	require.NoError(t, bus.Publish(ctx, Event{JobID: "job"}))
	assert.EqualValues(t, 1, bus.Dropped())

	ch, cancel, err := bus.Subscribe(ctx, "job", 1)
	require.NoError(t, err)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, Event{JobID: "job"}))
	}
	assert.EqualValues(t, 3, bus.Dropped())
	assert.Len(t, ch, 1)
}

func TestMemoryBusSubscribeClosedTopic(t *testing.T) {
	bus := NewMemoryBus()
	_, _, err := bus.Subscribe(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrTopicClosed)
}

func TestMemoryBusContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Open("job"))
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, cancel, err := bus.Subscribe(ctx, "job", 1)
	require.NoError(t, err)
	defer cancel()

	cancelCtx()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestEventIntWidths(t *testing.T) {
	e := Event{Payload: map[string]interface{}{
		"a": int8(3), "b": uint16(7), "c": float64(9), "d": int64(1 << 40), "e": "x",
	}}
	assert.EqualValues(t, 3, e.Int("a"))
	assert.EqualValues(t, 7, e.Int("b"))
	assert.EqualValues(t, 9, e.Int("c"))
	assert.EqualValues(t, 1<<40, e.Int("d"))
	assert.EqualValues(t, 0, e.Int("e"))
	assert.EqualValues(t, 0, e.Int("missing"))
}

func TestEventCodecRoundTrip(t *testing.T) {
	in := Event{
		Type:      TypeScanDone,
		JobID:     "j",
		DedupeKey: DoneKey("j"),
		Time:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload: map[string]interface{}{
			"files_seen": int64(12),
			"errors":     []interface{}{map[string]interface{}{"path": "/x", "error": "boom"}},
		},
	}
	data, err := encodeEvent(in)
	require.NoError(t, err)
	out, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, in.DedupeKey, out.DedupeKey)
	assert.True(t, in.Time.Equal(out.Time))
	assert.EqualValues(t, 12, out.Int("files_seen"))
	errs, ok := out.Payload["errors"].([]interface{})
	require.True(t, ok)
	assert.Len(t, errs, 1)

	_, err = decodeEvent([]byte{0xc1})
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) Emit(context.Context, Event) error { return errors.New("down") }

func TestMultiSink(t *testing.T) {
	rec := &Recorder{}
	m := MultiSink{rec, nil, failingSink{}, LogSink{}}
	err := m.Emit(context.Background(), Event{Type: TypeScanDone, JobID: "j"})
	assert.EqualError(t, err, "down")
	assert.Len(t, rec.OfType(TypeScanDone), 1)
	assert.Empty(t, rec.OfType(TypeScanProgress))
}

func TestResolveOtelEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "https://logs.example.test/v1/logs")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://fallback.example.test")

	assert.Equal(t, "https://explicit.example.test",
		resolveOtelEndpoint(OtelOptions{Endpoint: "  https://explicit.example.test  ", FromEnv: true}))
	assert.Equal(t, "https://logs.example.test/v1/logs", resolveOtelEndpoint(OtelOptions{FromEnv: true}))

	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	assert.Equal(t, "https://fallback.example.test", resolveOtelEndpoint(OtelOptions{FromEnv: true}))
	assert.Equal(t, "", resolveOtelEndpoint(OtelOptions{}))
}

func TestNewOtelSinkDisabledAndInvalid(t *testing.T) {
	sink, err := NewOtelSink(OtelOptions{})
	require.NoError(t, err)
	assert.Nil(t, sink)
	assert.NoError(t, sink.Emit(context.Background(), Event{}))
	sink.Shutdown()

	_, err = NewOtelSink(OtelOptions{Endpoint: "collector:4318"})
	assert.Error(t, err)
}

func TestBuildRecord(t *testing.T) {
	rec := buildRecord(Event{
		Type:      TypeScanProgress,
		JobID:     "j1",
		DedupeKey: ProgressKey("j1", 2),
		Payload:   map[string]interface{}{"files_seen": int64(4)},
	})
	assert.Equal(t, TypeScanProgress, rec.EventName())
	assert.Equal(t, otelLog.KindMap, rec.Body().Kind())

	var jobID string
	rec.WalkAttributes(func(kv otelLog.KeyValue) bool {
		if kv.Key == "storage.job_id" {
			jobID = kv.Value.AsString()
		}
		return true
	})
	assert.Equal(t, "j1", jobID)
}
