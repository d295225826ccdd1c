// Command merino is the Firefox Suggest suggestion server.
//
// It reads configuration from environment variables (or config.yaml) plus a
// declarative provider-tree document (providers.yaml) and serves ranked
// suggestions for partial address-bar queries on the configured port.
//
// Quick-start (built-in default tree, no Redis required):
//
//	./merino
//
// SIGHUP rebuilds the provider tree from the providers file without a
// restart; in-flight requests finish on the old tree.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mozilla-services/merino/internal/app"
	"github.com/mozilla-services/merino/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error if values are invalid.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Initialise the application.
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	// SIGHUP → rebuild the provider tree in place.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := a.Rebuild(ctx); err != nil {
				logger.Error("reconfiguration failed, keeping previous tree",
					slog.String("error", err.Error()))
			}
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("merino stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
