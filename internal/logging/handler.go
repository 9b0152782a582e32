// Package logging builds the slog handler the daemon logs through.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewHandler returns a tint-backed handler at the given level. When
// running under systemd (INVOCATION_ID set), timestamps are stripped and
// color is disabled, since the journal already timestamps every line.
func NewHandler(level slog.Level) slog.Handler {
	underSystemd := os.Getenv("INVOCATION_ID") != ""

	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}

	return tint.NewHandler(os.Stderr, opts)
}
