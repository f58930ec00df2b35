// Package debug gates verbose diagnostics behind the CW_DEBUG environment
// variable. With CW_DEBUG unset every call is a no-op; with it set, lines go
// to stderr with microsecond timestamps, separate from the normal output
// stream:
//
//	CW_DEBUG=1 cw --robot-status
package debug

import (
	"log"
	"os"
	"time"
)

var logger *log.Logger

func init() {
	if os.Getenv("CW_DEBUG") != "" {
		logger = log.New(os.Stderr, "[CW_DEBUG] ", log.Ltime|log.Lmicroseconds)
	}
}

// Enabled reports whether CW_DEBUG diagnostics are on.
func Enabled() bool {
	return logger != nil
}

// Logf writes one printf-formatted diagnostic line.
func Logf(format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

// Timing reports how long a named step took.
func Timing(name string, d time.Duration) {
	if logger == nil {
		return
	}
	logger.Printf("%s took %v", name, d)
}

// Span logs entry to a named step and returns a func that logs exit with the
// elapsed time. Meant for defer:
//
//	defer debug.Span("journal open")()
func Span(name string) func() {
	if logger == nil {
		return func() {}
	}
	logger.Printf("-> %s", name)
	start := time.Now()
	return func() {
		logger.Printf("<- %s (%v)", name, time.Since(start))
	}
}
