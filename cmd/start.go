// Package cmd implements the hub's CLI subcommands.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/supervisor"
)

// RunStart loads the configuration and runs the hub in the foreground
// until SIGINT or SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.SetDefault(logging.New(logging.Config{
		Level:  parseLevel(cfg.LogLevel),
		JSON:   cfg.LogJSON,
		Output: os.Stderr,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = supervisor.New(cfg).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
