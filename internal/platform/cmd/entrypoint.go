// Package cmd provides the pieces every binary entrypoint shares:
// environment-then-flags configuration loading and the telemetry
// bracket around a service run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vellumcanvas/vellum/internal/platform/config"
	"github.com/vellumcanvas/vellum/internal/platform/otel"
)

// ServiceSync names the sync service in telemetry resources and logs.
const ServiceSync = "sync"

const otelShutdownTimeout = 5 * time.Second

// ParseConfig fills cfg's env-tagged fields so flag registration can
// use them as defaults.
func ParseConfig[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.ParseEnv(cfg)
}

// ParseArgs applies command-line flags over the env-derived defaults.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry wires tracing for the named service, invokes run,
// and flushes the exporter on the way out. Tracing stays a no-op unless
// an OTLP endpoint is configured in the environment.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
