// Package logging
// Author: momentics <momentics@gmail.com>
//
// zerolog setup shared by the reactor, server and example binaries.

package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EnvLogLevel overrides the configured level.
	EnvLogLevel = "HIOLOAD_LOG_LEVEL"
	// EnvNoColor disables console colors when set to any non-empty value.
	EnvNoColor = "HIOLOAD_LOG_NOCOLOR"
	// EnvFormat selects "console" (default) or "json".
	EnvFormat = "HIOLOAD_LOG_FORMAT"
)

// ParseLevel maps a level name onto zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// New builds a logger writing to w (stderr when nil). Environment variables
// take precedence over level.
func New(level string, w io.Writer) zerolog.Logger {
	if v := os.Getenv(EnvLogLevel); v != "" {
		level = v
	}
	if w == nil {
		w = os.Stderr
	}
	if !strings.EqualFold(os.Getenv(EnvFormat), "json") {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    os.Getenv(EnvNoColor) != "",
			TimeFormat: time.RFC3339Nano,
		}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// Level is a threshold that can change while loggers holding it run.
// It is a zerolog hook; events below it are discarded.
type Level struct {
	v atomic.Int32
}

// NewLevel returns a Level set to name.
func NewLevel(name string) *Level {
	l := &Level{}
	l.Set(name)
	return l
}

// Set changes the threshold.
func (l *Level) Set(name string) { l.v.Store(int32(ParseLevel(name))) }

// Get returns the threshold.
func (l *Level) Get() zerolog.Level { return zerolog.Level(l.v.Load()) }

// Run implements zerolog.Hook.
func (l *Level) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < l.Get() {
		e.Discard()
	}
}

// Attach opens log to every level and gates it with lvl instead. A disabled
// logger stays disabled.
func Attach(log zerolog.Logger, lvl *Level) zerolog.Logger {
	if log.GetLevel() == zerolog.Disabled {
		return log
	}
	return log.Level(zerolog.TraceLevel).Hook(lvl)
}
