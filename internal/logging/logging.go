package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the process logger. format is auto, console or json; auto
// writes human-readable lines when out is a terminal.
func New(out *os.File, level zerolog.Level, format string, service string) zerolog.Logger {
	var w io.Writer = out
	console := format == "console"
	if format == "auto" || format == "" {
		console = isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	}
	if console {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
}
