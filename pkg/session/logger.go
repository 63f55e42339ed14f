package session

import (
	"io"
	"log"
)

// Logger receives NumericWarning-level diagnostics — non-fatal
// conditions like Newton-Raphson non-convergence — that a caller may
// want to surface, aggregate, or silence. pkg/refraction and
// pkg/refocus themselves never log; only pkg/session, which owns the
// logger, does.
type Logger interface {
	Warnf(format string, args ...any)
}

// stdLogger backs Logger with the standard library's log package,
// matching the ambient logging idiom used everywhere else in this
// module (cmd/sapiv-refocus/main.go included).
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger that writes to w with a "sapiv: "
// prefix and standard timestamp flags.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{l: log.New(w, "sapiv: ", log.LstdFlags)}
}

func (s *stdLogger) Warnf(format string, args ...any) {
	s.l.Printf("WARNING: "+format, args...)
}

// discardLogger silently drops every warning; used as the default when
// a caller doesn't need diagnostics.
type discardLogger struct{}

func (discardLogger) Warnf(string, ...any) {}
