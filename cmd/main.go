package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"storagejanitor/apperr"
	"storagejanitor/catalog"
	"storagejanitor/config"
	"storagejanitor/events"
	"storagejanitor/logger"
	"storagejanitor/output"
	"storagejanitor/tracing"
)

func main() {
	os.Exit(start())
}

// start runs the CLI and returns the process exit code. Deferred flushes run
// before main exits.
func start() int {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 2
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	if cfg.TraceFile != "" {
		if err := tracing.Start(cfg.TraceFile); err != nil {
			logger.Warnf("Failed to start trace: %v", err)
		} else {
			defer tracing.Stop()
		}
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, cfg.TraceFlight, cfg.TraceFlightFile)

	shutdownTracing, err := tracing.SetupOtel(ctx, tracing.OtelOptions{
		Endpoint:    cfg.TraceEndpoint,
		ServiceName: cfg.OtelServiceName,
		Timeout:     cfg.OtelTimeout,
		FromEnv:     cfg.OtelFromEnv,
	})
	if err != nil {
		logger.Warnf("Failed to set up trace export: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warnf("Failed to flush traces: %v", err)
		}
	}()

	if err := execute(ctx, cfg); err != nil {
		logger.Errorf("%s failed: %v", cfg.Action, err)
		return exitCode(err)
	}
	return 0
}

// execute opens the catalogue and output for one action and runs it.
func execute(ctx context.Context, cfg *config.Config) error {
	cat, err := catalog.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open catalogue: %w", err)
	}
	defer cat.Close()

	writer, err := output.New(cfg.OutputFileName, cfg.OutputFormat, cfg.Action)
	if err != nil {
		return fmt.Errorf("initialize output: %w", err)
	}

	bus, closeBus, err := newBus(cfg)
	if err != nil {
		writer.Close()
		return err
	}
	defer closeBus()

	sink, closeSink := newSink(cfg)
	defer closeSink()

	a := &app{cfg: cfg, cat: cat, out: writer, bus: bus, sink: sink, progress: os.Stderr}
	runErr := a.run(ctx)
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("write output: %w", err)
	}
	return runErr
}

func newBus(cfg *config.Config) (events.Bus, func(), error) {
	if cfg.BusDriver != "redis" {
		return events.NewMemoryBus(), func() {}, nil
	}
	bus, err := events.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return bus, func() {
		if err := bus.Shutdown(); err != nil {
			logger.Warnf("Failed to close Redis bus: %v", err)
		}
	}, nil
}

// newSink logs every event and exports it over OTLP when an endpoint is set.
func newSink(cfg *config.Config) (events.Sink, func()) {
	sinks := events.MultiSink{events.LogSink{}}
	otelSink, err := events.NewOtelSink(events.OtelOptions{
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		Headers:     cfg.OtelHeaders,
		Timeout:     cfg.OtelTimeout,
		FromEnv:     cfg.OtelFromEnv,
	})
	if err != nil {
		logger.Warnf("Failed to initialize OTEL export: %v", err)
	}
	if otelSink == nil {
		return sinks, func() {}
	}
	logger.Infof("Exporting scan events to %s", otelSink.Endpoint())
	return append(sinks, otelSink), otelSink.Shutdown
}

func exitCode(err error) int {
	switch {
	case apperr.IsValidation(err):
		return 2
	case apperr.IsNotFound(err):
		return 3
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

func handleSignals(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(cancelFunc, traceFlight, traceFlightFile, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
		tracing.StopFlightRecorder()
	}

	cancelFunc()
}
