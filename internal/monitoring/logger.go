// Package monitoring owns the three log streams shared by every package:
// ops (actionable warnings, errors, lifecycle events), diag (day-to-day
// diagnostics) and trace (per-packet telemetry).
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream. A nil writer
// disables that stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// Level names one of the three streams.
type Level string

const (
	LevelOps   Level = "ops"
	LevelDiag  Level = "diag"
	LevelTrace Level = "trace"
)

// ParseLevel accepts ops, diag or trace (case-insensitive). Common aliases
// from other logging conventions map onto the nearest stream.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ops", "warn", "warning", "error", "":
		return LevelOps, nil
	case "diag", "info":
		return LevelDiag, nil
	case "trace", "debug":
		return LevelTrace, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// WritersForLevel routes every stream at or above level to w.
func WritersForLevel(w io.Writer, level Level) LogWriters {
	out := LogWriters{Ops: w}
	switch level {
	case LevelTrace:
		out.Trace = w
		out.Diag = w
	case LevelDiag:
		out.Diag = w
	}
	return out
}

// Streams is a prefixed set of ops/diag/trace loggers. Packages hold one
// in a package variable created with NewStreams.
type Streams struct {
	prefix string

	mu    sync.RWMutex
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

var (
	registryMu sync.Mutex
	registry   []*Streams
	current    LogWriters
)

// NewStreams registers a stream set under prefix. It starts with whatever
// writers were last passed to Configure.
func NewStreams(prefix string) *Streams {
	s := &Streams{prefix: prefix}
	registryMu.Lock()
	registry = append(registry, s)
	w := current
	registryMu.Unlock()
	s.Set(w)
	return s
}

// Configure points every registered stream set at w.
func Configure(w LogWriters) {
	registryMu.Lock()
	current = w
	all := append([]*Streams(nil), registry...)
	registryMu.Unlock()
	for _, s := range all {
		s.Set(w)
	}
}

// Set configures this stream set only.
func (s *Streams) Set(w LogWriters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = newLogger(s.prefix, w.Ops)
	s.diag = newLogger(s.prefix, w.Diag)
	s.trace = newLogger(s.prefix, w.Trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func (s *Streams) logger(level Level) *log.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch level {
	case LevelOps:
		return s.ops
	case LevelDiag:
		return s.diag
	default:
		return s.trace
	}
}

// Logf writes to the stream named by level.
func (s *Streams) Logf(level Level, format string, args ...interface{}) {
	if l := s.logger(level); l != nil {
		l.Printf(format, args...)
	}
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) { s.Logf(LevelOps, format, args...) }

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) { s.Logf(LevelDiag, format, args...) }

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) { s.Logf(LevelTrace, format, args...) }

// Enabled reports whether the stream named by level has a writer.
func (s *Streams) Enabled(level Level) bool { return s.logger(level) != nil }
