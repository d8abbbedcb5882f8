// Package klog is the kernel's structured logging surface. It plays the
// role that bare fmt.Printf calls play scattered across biscuit's
// mem and vm packages, but centralizes them behind levels so that a
// single log record format backs both the boot log and the exception-
// dispatch fault log.
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Level is the severity of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled records to an underlying writer. The zero value
// is not usable; use New.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	minimum Level
	printer *message.Printer
}

// New creates a Logger that writes records at or above minimum to out.
func New(out io.Writer, minimum Level) *Logger {
	return &Logger{
		out:     out,
		minimum: minimum,
		printer: message.NewPrinter(language.English),
	}
}

// Default is the process-wide logger, analogous to biscuit's unguarded
// fmt.Printf call sites but routed through one place so that tests can
// substitute a buffer.
var Default = New(os.Stderr, LevelInfo)

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.minimum {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) { l.log(LevelWarn, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, format, args...) }

// Countf logs an info record with n rendered using locale-correct
// thousands separators, e.g. for boot-time frame/page counts the way
// mem.Phys_init reports "Reserved %v pages (%vMB)".
func (l *Logger) Countf(format string, n int, rest ...any) {
	if LevelInfo < l.minimum {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := l.printer.Sprintf(format, append([]any{n}, rest...)...)
	fmt.Fprintf(l.out, "[%s] %s\n", LevelInfo, msg)
}

// Bug logs a bug-class condition and parks the calling goroutine
// forever, modeling a "log and halt that CPU" policy for conditions
// that must never be returned to a caller.
func Bug(format string, args ...any) {
	Default.log(LevelError, "BUG: "+format, args...)
	select {}
}
