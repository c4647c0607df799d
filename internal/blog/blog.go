// Package blog is a thin, geth-flavored structured logger. The real
// storage engine's teacher lineage (go-ethereum's "log" package) was not
// retrieved into the example pack, so this wraps the standard library's
// log/slog with the same call shape the teacher's own code uses:
// log.Info("message", "key", value, "key2", value2).
package blog

import (
	"log/slog"
	"os"
)

// Logger is a component-scoped logger, analogous to the *log.Logger a
// geth component receives from log.New("module", name).
type Logger struct {
	inner *slog.Logger
}

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// New creates a component logger tagged with the given key/value pairs,
// mirroring log.New("module", "raid") in the teacher's disklayer.go style.
func New(kv ...any) *Logger {
	return &Logger{inner: root.With(kv...)}
}

func (l *Logger) Trace(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

// Crit logs at the highest level and then panics, matching the teacher's
// disklayer.go pattern of panicking on a detected invariant violation
// after logging enough context to diagnose it offline.
func (l *Logger) Crit(msg string, kv ...any) {
	l.inner.Error(msg, kv...)
	panic(msg)
}

// SetLevel adjusts the root handler's minimum level, used by cmd/bfffsd's
// -v flag.
func SetLevel(lvl slog.Level) {
	root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
