// Package logging wraps zerolog with subsystem loggers that share one
// adjustable level.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger whose level is shared with every logger
// derived from it.
type Logger struct {
	zl    zerolog.Logger
	level *atomic.Int32
}

// New creates a root logger writing to w, or pretty stderr when w is nil.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl := new(atomic.Int32)
	lvl.Store(int32(parseLevel(level)))
	zl := zerolog.New(&levelFilter{w: w, min: lvl}).With().Timestamp().Logger()
	return &Logger{zl: zl, level: lvl}
}

// Options selects the sinks for a root logger built by Open.
type Options struct {
	Level string
	// Style is "pretty" for the console writer or "json" for raw lines.
	Style string
	// File, when set, receives JSON lines in addition to stderr.
	File string
}

// Open builds a root logger from options. The returned closer releases
// the log file, if any.
func Open(opts Options) (*Logger, io.Closer, error) {
	var console io.Writer = os.Stderr
	if opts.Style != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if opts.File == "" {
		return New(console, opts.Level), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return New(zerolog.MultiLevelWriter(console, f), opts.Level), f, nil
}

// SetLevel changes the level of this logger and all its relatives.
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(parseLevel(level)))
}

// Level reports the current level name.
func (l *Logger) Level() string {
	lvl := zerolog.Level(l.level.Load())
	if lvl == zerolog.Disabled {
		return "silent"
	}
	return lvl.String()
}

// Sub returns a child logger tagged with a subsystem name.
func (l *Logger) Sub(subsystem string) *Logger {
	return l.With("subsystem", subsystem)
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger(), level: l.level}
}

func (l *Logger) Trace() *zerolog.Event { return l.zl.Trace() }
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal logs and exits.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Zerolog returns the underlying logger. Its level follows SetLevel.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// levelFilter drops writes below the shared minimum level.
type levelFilter struct {
	w   io.Writer
	min *atomic.Int32
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	min := zerolog.Level(f.min.Load())
	if min == zerolog.Disabled || (level != zerolog.NoLevel && level < min) {
		return len(p), nil
	}
	if lw, ok := f.w.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(level, p)
	}
	return f.w.Write(p)
}

// parseLevel maps a config level name. "silent" disables output and
// anything unrecognised means info.
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "silent" {
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" || lvl == zerolog.NoLevel || lvl == zerolog.PanicLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
