// Package logger provides the structured leveled logger used throughout
// the transport, protocol, discovery, and device layers.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	kerrors "github.com/johnpr01/go-kasa/internal/errors"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Sink receives every entry the Logger writes, after the standard
// output has already been produced. A nil Sink disables the hook.
// Consumers plug in their own fan-out (metrics, a message bus, a file)
// without this package depending on any of them.
type Sink interface {
	Write(entry *Entry)
}

// Entry is a single structured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Host      string         `json:"host,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Logger is a leveled, component-scoped logger writing structured JSON
// lines to an io.Writer (stdout by default) and fanning out to an
// optional Sink.
type Logger struct {
	component string
	host      string
	sink      Sink
	std       *log.Logger
}

// New creates a Logger scoped to component (e.g. "transport.klap",
// "device.update").
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stdout, fmt.Sprintf("[%s] ", component), log.LstdFlags),
	}
}

// WithSink returns a copy of the logger that also fans entries out to sink.
func (l *Logger) WithSink(sink Sink) *Logger {
	cp := *l
	cp.sink = sink
	return &cp
}

// WithHost returns a copy of the logger scoped to a device host, so every
// entry it emits carries that host without the caller repeating it.
func (l *Logger) WithHost(host string) *Logger {
	cp := *l
	cp.host = host
	return &cp
}

func (l *Logger) log(level Level, message string, err error, context map[string]any) {
	entry := &Entry{
		Timestamp: time.Now(),
		Level:     level,
		Component: l.component,
		Message:   message,
		Host:      l.host,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
		if kerr, ok := err.(*kerrors.KasaError); ok {
			entry.ErrorKind = string(kerr.Kind)
		}
	}

	if data, marshalErr := json.Marshal(entry); marshalErr == nil {
		l.std.Println(string(data))
	} else {
		l.std.Printf("%s %s: %v", level, message, err)
	}

	if l.sink != nil {
		l.sink.Write(entry)
	}
}

func (l *Logger) Debug(message string, context ...map[string]any) {
	l.log(LevelDebug, message, nil, firstOrNil(context))
}

func (l *Logger) Info(message string, context ...map[string]any) {
	l.log(LevelInfo, message, nil, firstOrNil(context))
}

func (l *Logger) Warn(message string, context ...map[string]any) {
	l.log(LevelWarn, message, nil, firstOrNil(context))
}

func (l *Logger) Error(message string, err error, context ...map[string]any) {
	l.log(LevelError, message, err, firstOrNil(context))
}

func firstOrNil(context []map[string]any) map[string]any {
	if len(context) == 0 {
		return nil
	}
	return context[0]
}

// Nop returns a Logger that writes to io.Discard, for tests and callers
// that don't want output.
func Nop() *Logger {
	l := New("nop")
	l.std.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
