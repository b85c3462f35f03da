// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

// Glogger is the process-wide logger.
var Glogger Logger

// caller -> log.go (this file) -> logger.go (Xf) -> logger.go (out) -> golang/log.go
var CallerDepth = 4

// Console receives log lines from the hosting process, if set.
type Console interface {
	// Log logs a multi-line log message.
	Log(s string)
	// Err logs a multi-line error message.
	Err(s string)
}

type LogFn func(string, ...any)

var _ = RegisterLogger(defaultLogger())

func RegisterLogger(l Logger) bool {
	Glogger = l
	return true
}

func SetLevel(level LogLevel) {
	if Glogger != nil {
		Glogger.SetLevel(level)
	}
}

func SetConsole(c Console) {
	if Glogger != nil {
		Glogger.SetConsole(c)
	}
}

// Of returns a LogFn tagged with tag; l is one of VV, V, D, I, W, E.
func Of(tag string, l LogFn) LogFn {
	if l == nil {
		return N
	}
	return func(msg string, args ...any) {
		l(tag+" "+msg, args...)
	}
}

// N is a no-op logger.
func N(string, ...any) {}

func VV(msg string, args ...any) {
	if Glogger != nil {
		Glogger.VeryVerbosef(CallerDepth, "VV "+msg, args...)
	}
}

func V(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Verbosef(CallerDepth, "V "+msg, args...)
	}
}

func D(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Debugf(CallerDepth, "D "+msg, args...)
	}
}

func I(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Infof(CallerDepth, "I "+msg, args...)
	}
}

func W(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Warnf(CallerDepth, "W "+msg, args...)
	}
}

func E(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Errorf(CallerDepth, "E "+msg, args...)
	}
}

func Wtf(msg string, args ...any) {
	if Glogger != nil {
		Glogger.Fatalf(CallerDepth, "F "+msg, args...)
	}
}
