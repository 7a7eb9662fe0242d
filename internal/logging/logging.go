// Package logging wraps github.com/rs/zerolog behind the small
// Init/Info/Warn/Error surface the teacher's log package exposes,
// generalized to structured fields and a colorable console sink.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger is a thin, structured wrapper around zerolog.Logger. Every
// stack layer takes one at construction rather than reaching for a
// package-level global, per spec.md §9's "avoid global state".
type Logger struct {
	base zerolog.Logger
}

// New builds a Logger writing to w. Component is attached to every
// event as a "component" field so log lines from different layers of
// the same node are easy to separate.
func New(w io.Writer, component string) *Logger {
	return &Logger{base: zerolog.New(w).With().Timestamp().Str("component", component).Logger()}
}

// NewConsole builds a Logger writing to stderr, using a colorable
// writer when stderr is a terminal (mirroring how a developer running
// the teacher's binaries by hand would want output to look) and a plain
// writer otherwise (piped to a file or log aggregator).
func NewConsole(component string) *Logger {
	var w io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = colorable.NewColorableStderr()
	}
	return New(zerolog.ConsoleWriter{Out: w}, component)
}

// NewFile opens path for append and builds a Logger writing to it,
// mirroring the teacher's log.MsLog.Init(path).
func NewFile(path, component string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	return New(f, component), nil
}

// With returns a Logger scoped to an additional node identity, so log
// lines from a multi-node demo/test process can be told apart.
func (l *Logger) With(node string) *Logger {
	return &Logger{base: l.base.With().Str("node", node).Logger()}
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.event(l.base.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.event(l.base.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	ev := l.base.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.event(ev, msg, fields)
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.event(l.base.Debug(), msg, fields)
}

func (l *Logger) event(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
