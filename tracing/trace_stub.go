//go:build !trace

package tracing

import (
	"context"
	"errors"
)

// ErrRuntimeTraceDisabled is returned by Start in builds without the trace tag.
var ErrRuntimeTraceDisabled = errors.New("runtime tracing needs a build with -tags trace")

func Start(path string) error {
	return ErrRuntimeTraceDisabled
}

func Stop() {}

func startTask(ctx context.Context, name string) (context.Context, func()) {
	return ctx, func() {}
}

func StartRegion(ctx context.Context, name string) func() {
	return func() {}
}
