// Package logging provides the ambient logging interface used throughout
// the engine. Compaction, flush, and recovery log through this interface
// rather than printing directly, so callers can wire it to whatever
// structured logger their application already uses.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the minimal structured-logging surface the engine needs.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// discard is a Logger that drops everything. It is the default when a
// Config does not set one, and is used throughout the test suite.
type discard struct{}

// Discard is a Logger that drops every message.
var Discard Logger = discard{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}

// Std adapts the standard library's *log.Logger to the Logger interface.
// Debug lines are only emitted when verbose is true.
type Std struct {
	target  *log.Logger
	verbose bool
}

// NewStd returns a Logger writing to stderr with a level prefix.
func NewStd(verbose bool) *Std {
	return &Std{target: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds), verbose: verbose}
}

func (s *Std) Debugf(format string, args ...any) {
	if s.verbose {
		s.target.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

func (s *Std) Infof(format string, args ...any) {
	s.target.Output(2, "INFO  "+fmt.Sprintf(format, args...))
}

func (s *Std) Warnf(format string, args ...any) {
	s.target.Output(2, "WARN  "+fmt.Sprintf(format, args...))
}

func (s *Std) Errorf(format string, args ...any) {
	s.target.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}
