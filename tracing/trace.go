//go:build trace

package tracing

import (
	"context"
	"fmt"
	"os"
	"runtime/trace"
	"sync"

	"storagejanitor/logger"
)

const defaultTraceFile = "trace.out"

var runtimeTrace struct {
	mu   sync.Mutex
	file *os.File
}

// Start streams the runtime execution trace into path.
func Start(path string) error {
	if path == "" {
		path = defaultTraceFile
	}
	runtimeTrace.mu.Lock()
	defer runtimeTrace.mu.Unlock()
	if runtimeTrace.file != nil {
		return fmt.Errorf("runtime trace already writing to %s", runtimeTrace.file.Name())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	if err := trace.Start(f); err != nil {
		f.Close()
		return fmt.Errorf("start runtime trace: %w", err)
	}
	runtimeTrace.file = f
	return nil
}

func Stop() {
	runtimeTrace.mu.Lock()
	defer runtimeTrace.mu.Unlock()
	if runtimeTrace.file == nil {
		return
	}
	trace.Stop()
	if err := runtimeTrace.file.Close(); err != nil {
		logger.Warnf("Failed to close trace file: %v", err)
	}
	runtimeTrace.file = nil
}

func startTask(ctx context.Context, name string) (context.Context, func()) {
	ctx, task := trace.NewTask(ctx, name)
	return ctx, task.End
}

// StartRegion marks a per-file region inside the current scan task.
func StartRegion(ctx context.Context, name string) func() {
	return trace.StartRegion(ctx, name).End
}
