// Package vmlog wraps the stdlib log package with component-tagged
// prefixes so VCPU and queue-engine goroutines can be told apart in
// interleaved output: one *log.Logger per concern.
package vmlog

import (
	"log"
	"os"
)

// Logger is a *log.Logger tagged with a component prefix.
type Logger struct {
	*log.Logger
	debug bool
}

// New builds a Logger that writes to stderr with the given component tag,
// e.g. "vm", "vcpu3", "virtio", "ctl".
func New(component string) *Logger {
	return &Logger{
		Logger: log.New(os.Stderr, "["+component+"] ", log.LstdFlags),
	}
}

// WithDebug returns a copy of l whose Debugf calls are enabled or silenced.
func (l *Logger) WithDebug(enabled bool) *Logger {
	return &Logger{Logger: l.Logger, debug: enabled}
}

// Debugf logs only when debug output has been enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if l.debug {
		l.Printf(format, args...)
	}
}

// Fatalf logs and terminates the process, for the environmental, resource,
// and configuration errors that are fatal at startup.
func (l *Logger) Fatalf(format string, args ...any) {
	l.Logger.Fatalf(format, args...)
}
