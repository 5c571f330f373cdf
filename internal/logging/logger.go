// Package logging provides the leveled component logger shared by the
// runner, scheduler, queue, and gateway processes.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<ts> <LEVEL> <component>: message" lines. An optional
// sanitizer rewrites every message before it reaches the sink, so
// secrets never land in log files.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	sanitize  func(string) string
}

func New(w io.Writer, level Level, component string) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// WithComponent returns a logger sharing the sink and sanitizer under a
// different component tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{out: l.out, level: l.level, component: component, sanitize: l.sanitize}
}

// WithSanitizer returns a logger that passes every message through f.
func (l *Logger) WithSanitizer(f func(string) string) *Logger {
	return &Logger{out: l.out, level: l.level, component: l.component, sanitize: f}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.sanitize != nil {
		msg = l.sanitize(msg)
	}
	l.out.Printf("%s %s %s: %s", time.Now().UTC().Format(time.RFC3339), level, l.component, msg)
}
