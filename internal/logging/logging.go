// Package logging wraps the standard log.Logger with a bracketed
// subsystem prefix ("[domain]", "[executor]"); the hot ingestion path
// stays free of structured-logging machinery (see DESIGN.md).
package logging

import (
	"log"
	"os"
)

// Logger is a subsystem-prefixed wrapper over the stdlib logger.
type Logger struct {
	*log.Logger
}

// New returns a Logger writing to stderr with prefix "[name] ".
func New(name string) *Logger {
	return &Logger{log.New(os.Stderr, "["+name+"] ", log.LstdFlags)}
}

// Named subsystem loggers used across the ingestion pipeline.
var (
	Domain      = New("domain")
	WorkBuffer  = New("workbuffer")
	Executor    = New("executor")
	WAL         = New("wal")
	RollBatch   = New("rollbatch")
	Epoch       = New("epoch")
	Upstream    = New("upstream")
)
