// Package telemetrylog is a thin leveled wrapper around the standard log
// package. The pack never reaches for a third-party structured-logging
// library (not even the teacher, which hand-rolls its own leveled logger
// in pipeline/3_DATA_TRAINER/internal/logging) so this follows suit rather
// than importing one cargo-culted in.
package telemetrylog

import (
	"log"
	"os"
	"sync"
)

// Level is a logging verbosity threshold.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var names = map[string]Level{
	"debug": Debug,
	"info":  Info,
	"warn":  Warn,
	"error": Error,
}

// ParseLevel maps a config string to a Level, defaulting to Info on an
// unrecognized value.
func ParseLevel(s string) Level {
	if l, ok := names[s]; ok {
		return l
	}
	return Info
}

// Logger is a mutex-guarded leveled wrapper around *log.Logger.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	target *log.Logger
}

// defaultLogger is the package-level logger used by the free functions.
var defaultLogger = New(Info)

// New returns a Logger writing to stderr at the given level.
func New(level Level) *Logger {
	return &Logger{level: level, target: log.New(os.Stderr, "", log.LstdFlags)}
}

// SetLevel adjusts the minimum level the default logger emits.
func SetLevel(level Level) { defaultLogger.SetLevel(level) }

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, tag, format string, args ...interface{}) {
	l.mu.RLock()
	threshold := l.level
	l.mu.RUnlock()
	if level < threshold {
		return
	}
	l.target.Printf("["+tag+"] "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(Debug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(Info, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(Warn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(Error, "ERROR", format, args...) }

func Debugf(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }

// Fatalf logs at Error level and exits the process, matching the teacher
// logger's Fatal semantics.
func Fatalf(format string, args ...interface{}) {
	defaultLogger.Errorf(format, args...)
	os.Exit(1)
}
