package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nus-vv-streams/vvtk-sub001/internal/bandwidth"
	"github.com/nus-vv-streams/vvtk-sub001/internal/config"
	"github.com/nus-vv-streams/vvtk-sub001/internal/core"
)

const (
	defaultConfigPath = "config/vvtk.yaml"
	defaultStatsAddr  = ":8080"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	tracePath := flag.String("trace", "", "Bandwidth trace to replay (overrides network.trace_path)")
	statsAddr := flag.String("stats-addr", defaultStatsAddr, "Listen address for /health and /stats (empty disables)")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting vvtk engine",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var opts []core.Option
	if *tracePath != "" {
		trace, err := bandwidth.LoadTrace(*tracePath)
		if err != nil {
			slog.Error("failed to load trace", "path", *tracePath, "error", err)
			os.Exit(1)
		}
		cfg.Network.TracePath = *tracePath
		opts = append(opts, core.WithTrace(trace))
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	engine, err := core.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start stats HTTP server (non-blocking)
	if *statsAddr != "" {
		if err := engine.StartStatsServer(*statsAddr); err != nil {
			slog.Error("failed to start stats server", "error", err)
			os.Exit(1)
		}
	}

	// Run engine in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- engine.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal, end of playback or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			slog.Error("engine error", "error", err)
		} else {
			slog.Info("engine finished playback")
		}
	}

	// Graceful shutdown
	shutdownTimeout := engine.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	st := engine.Stats()
	slog.Info("vvtk engine stopped successfully",
		"presented", st.Playback.Presented,
		"stalls", st.Playback.Stalls,
		"gaps", st.Playback.Gaps,
		"smooth", st.Playback.Smoothness.Smooth,
	)
}
