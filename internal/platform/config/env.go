// Package config holds the configuration plumbing shared by every
// binary: environment parsing and the fatal-exit helper for CLI entry
// points. Services declare their settings as VELLUM_-prefixed env tags
// on plain structs.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target's env-tagged fields from the process
// environment, applying envDefault values for unset variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
