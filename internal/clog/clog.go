// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package clog provides conditional, leveled logging for runtime
// components. Debug and info output is gated by a global enable flag
// (flipped from the command line with -l); warnings and errors always
// print since they indicate protocol or invariant violations a user
// needs to see regardless of whether debug tracing was requested.
package clog

import (
	"fmt"
	"log"
)

// Level identifies the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var enabled = false

// Enable turns on conditional (debug/info) log output.
func Enable() {
	enabled = true
}

// Enabled reports whether conditional log output is currently on.
func Enabled() bool {
	return enabled
}

// A CLogger represents a logger object that logs output in the manner of the
// standard logger but can be conditionally enabled per level.
type CLogger struct {
	logger *log.Logger // standard logger with prefix
}

// New creates a new conditional logger with the given prefix.
func New(prefixFormat string, prefixArgs ...any) *CLogger {
	return &CLogger{
		log.New(
			log.Default().Writer(),
			fmt.Sprintf(prefixFormat, prefixArgs...),
			log.Ldate|log.Ltime|log.Lmicroseconds|log.Lmsgprefix,
		),
	}
}

// Debugf logs output conditionally (if enabled with -l) at debug level.
func (c *CLogger) Debugf(format string, a ...any) {
	c.logAt(LevelDebug, format, a...)
}

// Printf logs output conditionally (if enabled with -l) at info level, in
// the manner of log.Printf.
func (c *CLogger) Printf(format string, a ...any) {
	c.logAt(LevelInfo, format, a...)
}

// Warnf logs output unconditionally at warn level.
func (c *CLogger) Warnf(format string, a ...any) {
	c.logAt(LevelWarn, format, a...)
}

// Errorf logs output unconditionally, i.e. always, in the manner of log.Printf.
func (c *CLogger) Errorf(format string, a ...any) {
	c.logAt(LevelError, format, a...)
}

func (c *CLogger) logAt(l Level, format string, a ...any) {
	if l < LevelWarn && !enabled {
		return
	}
	c.logger.Printf(format, a...)
}
