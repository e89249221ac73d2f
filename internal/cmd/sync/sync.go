// Package sync parses sync command flags and composes the collaboration server.
package sync

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/vellumcanvas/vellum/internal/platform/cmd"
	server "github.com/vellumcanvas/vellum/internal/services/sync/app"
	"github.com/vellumcanvas/vellum/internal/services/sync/grant"
)

// Config holds sync command configuration.
type Config struct {
	HTTPAddr          string        `env:"VELLUM_SYNC_HTTP_ADDR"           envDefault:":8090"`
	ReadHeaderTimeout time.Duration `env:"VELLUM_SYNC_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"VELLUM_SYNC_SHUTDOWN_TIMEOUT"    envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "sync HTTP listen address")
	fs.DurationVar(&cfg.ReadHeaderTimeout, "read-header-timeout", cfg.ReadHeaderTimeout, "HTTP read header timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync app and serves realtime document collaboration.
// Join grant verification is configured from the environment; with no
// grant variables set, documents are open.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		grants, err := grant.LoadConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load join grant config: %w", err)
		}
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.ShutdownTimeout,
			Grant:             grants,
		}); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}
