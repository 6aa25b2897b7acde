// Package owlog wraps zerolog with the field conventions every component
// shares: component, device, and channel, attached via .With() chains the
// same way the teacher tags each log line with its owning subsystem.
package owlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin alias so callers don't need to import zerolog directly
// just to pass a logger around.
type Logger = zerolog.Logger

// New builds the root logger. debug enables Debug-level output and a
// human-readable console writer; otherwise JSON is written to w at Info
// level, suited for production log shipping.
func New(w io.Writer, debug bool) Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the owning subsystem, e.g.
// "sched", "busclient", "inventory", "master".
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}

// Device returns a child logger additionally tagged with a device ID.
func Device(l Logger, id string) Logger {
	return l.With().Str("device", id).Logger()
}

// Channel returns a child logger additionally tagged with a channel name.
func Channel(l Logger, name string) Logger {
	return l.With().Str("channel", name).Logger()
}
