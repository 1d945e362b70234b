// Package logger builds the process root logger. Components derive
// their own child loggers with With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// New returns the root logger. level follows zerolog's names
// ("trace" ... "disabled"); anything unparseable falls back to info.
// pretty switches to the console writer for local runs; deployments
// keep JSON lines.
func New(service, level string, pretty bool) zerolog.Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
