package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development environments get the console
// writer, everything else logs JSON to stdout.
func New(level, env string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, env)
}

func NewWithWriter(w io.Writer, level, env string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if env == "development" || env == "dev" {
		out = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
