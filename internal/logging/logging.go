// Package logging builds the zerolog loggers handed to every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level string // debug, info, warn, error
	// Pretty forces console formatting; nil picks it when stderr is a terminal
	Pretty *bool
	File   string // optional log file, appended to
}

// Logger owns the writer behind a zerolog.Logger
type Logger struct {
	zerolog.Logger
	file *os.File
}

// New creates a logger writing to stderr and, if set, cfg.File
func New(cfg Config) (*Logger, error) {
	return newWithWriter(cfg, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()))
}

func newWithWriter(cfg Config, out io.Writer, tty bool) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	pretty := tty
	if cfg.Pretty != nil {
		pretty = *cfg.Pretty
	}

	console := out
	if pretty {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writer := console
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = zerolog.MultiLevelWriter(console, file)
	}

	l := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return &Logger{Logger: l, file: file}, nil
}

// ParseLevel maps a level name to a zerolog level; empty means info
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Nop returns a logger that discards everything, for tests and defaults
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
