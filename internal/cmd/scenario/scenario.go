// Package scenario parses scenario command flags and drives the
// multi-editor convergence check against a running sync server.
package scenario

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/vellumcanvas/vellum/internal/tools/scenario"
)

// Config holds scenario command configuration.
type Config struct {
	ServerURL string        `env:"VELLUM_SCENARIO_SERVER_URL" envDefault:"http://localhost:8090"`
	Document  string        `env:"VELLUM_SCENARIO_DOCUMENT"`
	Clients   int           `env:"VELLUM_SCENARIO_CLIENTS"    envDefault:"3"`
	Edits     int           `env:"VELLUM_SCENARIO_EDITS"      envDefault:"40"`
	Seed      int64         `env:"VELLUM_SCENARIO_SEED"`
	Verbose   bool          `env:"VELLUM_SCENARIO_VERBOSE"`
	Timeout   time.Duration `env:"VELLUM_SCENARIO_TIMEOUT"    envDefault:"30s"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "sync server base URL")
	fs.StringVar(&cfg.Document, "document", cfg.Document, "document id (random when empty)")
	fs.IntVar(&cfg.Clients, "clients", cfg.Clients, "number of concurrent editors")
	fs.IntVar(&cfg.Edits, "edits", cfg.Edits, "edits per editor")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed (time-based when zero)")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose logging")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "deadline for the whole run")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the scenario command and writes the summary to out.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	runner, err := scenario.NewRunner(scenario.Config{
		ServerURL: cfg.ServerURL,
		Document:  cfg.Document,
		Clients:   cfg.Clients,
		Edits:     cfg.Edits,
		Timeout:   cfg.Timeout,
		Seed:      cfg.Seed,
		Verbose:   cfg.Verbose,
		Logger:    log.New(errOut, "", 0),
	})
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "converged: %s\n", report)
	return nil
}
