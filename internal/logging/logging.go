// Package logging builds the process-wide structured logger every sync
// component receives at construction.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a timestamped JSON logger at the given level; an
// unrecognized level falls back to info rather than failing startup.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "kashcal-sync").
		Logger().
		Level(lvl)
}
