// Package logging provides the small structured-prefix logger used across the
// module. Every component accepts a *Logger at construction time rather than
// reaching for a package-level global, so tests can silence or capture output
// per instance.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger wraps the standard library logger with a component prefix, mirroring
// the "[SERVER-%s] [TERM-%d] ..." convention used throughout the teacher
// codebase's log.Printf call sites.
type Logger struct {
	std    *log.Logger
	prefix string
}

// New creates a Logger that writes to os.Stderr with the given component
// prefix (e.g. "server", "log", "session").
func New(component string) *Logger {
	return &Logger{
		std:    log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		prefix: component,
	}
}

// NewSilent returns a Logger that discards all output. Useful for tests that
// don't want to assert on log lines but still need a non-nil Logger.
func NewSilent() *Logger {
	return &Logger{std: log.New(discard{}, "", 0)}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// With returns a copy of the logger scoped to a sub-component, e.g.
// base.With("replicator") for per-peer replication logging.
func (l *Logger) With(sub string) *Logger {
	prefix := sub
	if l.prefix != "" {
		prefix = l.prefix + "." + sub
	}
	return &Logger{std: l.std, prefix: prefix}
}

func (l *Logger) Printf(format string, args ...any) {
	if l.prefix != "" {
		l.std.Printf("[%s] %s", l.prefix, fmt.Sprintf(format, args...))
	} else {
		l.std.Printf(format, args...)
	}
}

func (l *Logger) Println(args ...any) {
	l.Printf("%s", fmt.Sprintln(args...))
}
