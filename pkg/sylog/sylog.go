// Copyright (c) 2025, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sylog implements a basic logger for sandboxd. It is a thin facade
// over logrus so that callers use the familiar leveled functions while the
// backend stays swappable.
package sylog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// MessageLevel describes the verbosity of a log entry. Lower values are more
// severe; level increases with verbosity.
type MessageLevel int

const (
	// FatalLevel messages are always printed and terminate the process.
	FatalLevel MessageLevel = iota - 4
	// ErrorLevel messages indicate an unexpected failure.
	ErrorLevel
	// WarnLevel messages indicate a recoverable anomaly.
	WarnLevel
	// LogLevel messages are unconditional operational output.
	LogLevel
	_
	// InfoLevel is the default verbosity.
	InfoLevel
	// VerboseLevel adds detail useful when diagnosing behavior.
	VerboseLevel
	_
	// DebugLevel traces internal operation.
	DebugLevel
)

func (l MessageLevel) String() string {
	switch l {
	case FatalLevel:
		return "FATAL"
	case ErrorLevel:
		return "ERROR"
	case WarnLevel:
		return "WARNING"
	case LogLevel:
		return "LOG"
	case InfoLevel:
		return "INFO"
	case VerboseLevel:
		return "VERBOSE"
	case DebugLevel:
		return "DEBUG"
	default:
		return "????"
	}
}

var (
	mu    sync.RWMutex
	level = InfoLevel
	std   = newBackend(os.Stderr)
)

func newBackend(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp:       false,
		FullTimestamp:          true,
		TimestampFormat:        "2006/01/02 15:04:05",
		DisableLevelTruncation: true,
	})
	return l
}

// SetLevel explicitly sets the current log level.
func SetLevel(l int) {
	mu.Lock()
	defer mu.Unlock()
	level = MessageLevel(l)
}

// GetLevel returns the current log level.
func GetLevel() int {
	mu.RLock()
	defer mu.RUnlock()
	return int(level)
}

// SetWriter redirects log output, primarily for tests.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std.SetOutput(w)
}

func prefix(l MessageLevel) string {
	return fmt.Sprintf("%-8s ", l.String()+":")
}

func writef(l MessageLevel, format string, args ...interface{}) {
	mu.RLock()
	current := level
	mu.RUnlock()
	if current < l {
		return
	}
	msg := prefix(l) + fmt.Sprintf(format, args...)
	switch {
	case l <= ErrorLevel:
		std.Error(msg)
	case l == WarnLevel:
		std.Warn(msg)
	case l >= DebugLevel:
		std.Debug(msg)
	default:
		std.Info(msg)
	}
}

// Fatalf logs a fatal error and exits the process.
func Fatalf(format string, args ...interface{}) {
	writef(FatalLevel, format, args...)
	os.Exit(255)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	writef(ErrorLevel, format, args...)
}

// Warningf logs a warning message.
func Warningf(format string, args ...interface{}) {
	writef(WarnLevel, format, args...)
}

// Infof logs an informational message.
func Infof(format string, args ...interface{}) {
	writef(InfoLevel, format, args...)
}

// Verbosef logs a message at verbose level.
func Verbosef(format string, args ...interface{}) {
	writef(VerboseLevel, format, args...)
}

// Debugf logs a debugging message.
func Debugf(format string, args ...interface{}) {
	writef(DebugLevel, format, args...)
}

// Writer returns an io.Writer that discards output when the level is below
// InfoLevel, for wiring into third party code that wants a writer.
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	if level < InfoLevel {
		return io.Discard
	}
	return std.Out
}

// DebugLogger implements a go-log style interface over the debug level, for
// libraries that accept a pluggable logger.
type DebugLogger struct{}

// Log logs its arguments at debug level.
func (DebugLogger) Log(v ...interface{}) {
	writef(DebugLevel, "%s", fmt.Sprint(v...))
}

// Logf logs a formatted message at debug level.
func (DebugLogger) Logf(format string, v ...interface{}) {
	writef(DebugLevel, format, v...)
}
