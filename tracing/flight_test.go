package tracing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFlightRecorderWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("WriteFlightRecorder() returned error without recorder: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file to be written when recorder is disabled")
	}
}

func TestFlightRecorderSingleInstance(t *testing.T) {
	if err := StartFlightRecorder(1<<20, time.Second); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(StopFlightRecorder)
	if err := StartFlightRecorder(1<<20, time.Second); err == nil {
		t.Fatal("expected second start to fail")
	}

	StopFlightRecorder()
	path := filepath.Join(t.TempDir(), "diag", "flight.out")
	if err := WriteFlightRecorder(path); err != nil {
		t.Fatalf("write after stop: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no file after stop")
	}
}
