// Package logutil provides the leveled key=value logging used across
// pipeflow's components.
package logutil

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

// Logger filters by level and prefixes each line with timestamp, level and
// component name.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

func New(out *log.Logger, level Level, component string) *Logger {
	return &Logger{out: out, level: level, component: component}
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *Logger {
	return &Logger{out: log.New(io.Discard, "", 0), level: LevelError + 1}
}

// WithComponent clones the logger under a new component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{out: l.out, level: l.level, component: name}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
