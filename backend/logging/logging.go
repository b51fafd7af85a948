package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Console output is meant for humans running
// a peer from a terminal, everything else logs JSON.
func New(w io.Writer, level zerolog.Level, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
