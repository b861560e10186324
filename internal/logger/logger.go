// Package logger builds the slog.Logger the binaries log through: plain text by default, JSON for
// service logs, or the charmbracelet/log handler for colorized terminal output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
)

type config struct {
	level  slog.Level
	pretty bool
	json   bool
	debug  bool
	source bool
	writer io.Writer
}

// New creates a logger configured by opts. Pretty output wins over JSON when both are requested.
func New(opts ...Option) *slog.Logger {
	c := config{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&c)
	}

	if c.debug {
		c.level = slog.LevelDebug
	}
	w := c.writer
	if w == nil {
		w = os.Stdout
	}

	if c.pretty {
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(c.level),
			ReportTimestamp: true,
			ReportCaller:    c.source,
			TimeFormat:      time.Kitchen,
		}))
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     c.level,
		AddSource: c.source,
	}
	if c.json {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// ParseLevel maps a config level name to a slog level. Unknown names yield Info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
