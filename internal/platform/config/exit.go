package config

import (
	"fmt"
	"os"
)

// Exitf prints the formatted message to stderr, appends a newline, and
// exits with status 1. Entry points use it for failures that are not
// worth a stack trace, typically bad flags or missing environment.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
