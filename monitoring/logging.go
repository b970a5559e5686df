// Package monitoring provides structured logging and the executor metrics
// counters.
package monitoring

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the site-level root logger. level accepts the usual
// zerolog names (debug, info, warn, error); unknown levels fall back to
// info. format "console" gets the human-readable writer, anything else
// emits JSON.
func NewLogger(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// PartitionLogger derives a child logger tagged with the partition id.
func PartitionLogger(root zerolog.Logger, site, partition int) zerolog.Logger {
	return root.With().Int("site", site).Int("partition", partition).Logger()
}
