package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level is a minimum severity for a Logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Anything else is treated as info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a levelled wrapper around the standard library logger.
type Logger struct {
	level Level
	base  *log.Logger
}

// New returns a Logger writing to stderr with timestamps and caller file.
func New(level Level) *Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter returns a Logger writing to w.
func NewWithWriter(w io.Writer, level Level) *Logger {
	return &Logger{level: level, base: log.New(w, "", log.LstdFlags|log.Lshortfile)}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, LevelError+1)
}

func (l *Logger) output(level Level, prefix, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	// calldepth 3: output -> Debugf/Infof/... -> caller
	_ = l.base.Output(3, prefix+fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.output(LevelDebug, "DEBUG: ", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.output(LevelInfo, "", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.output(LevelWarn, "Warning: ", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.output(LevelError, "ERROR: ", format, args...) }
