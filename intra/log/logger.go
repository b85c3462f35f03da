// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import (
	"fmt"
	golog "log"
	"os"
	"sync/atomic"
)

type Logger interface {
	SetLevel(level LogLevel)
	SetConsole(c Console)
	VeryVerbosef(at int, msg string, args ...any)
	Verbosef(at int, msg string, args ...any)
	Debugf(at int, msg string, args ...any)
	Infof(at int, msg string, args ...any)
	Warnf(at int, msg string, args ...any)
	Errorf(at int, msg string, args ...any)
	Fatalf(at int, msg string, args ...any)
}

type LogLevel uint32

const (
	VVERBOSE LogLevel = iota
	VERBOSE
	DEBUG
	INFO
	WARN
	ERROR
	NONE
)

const defaultLevel = INFO

var defaultFlags = golog.Lshortfile

// simpleLogger logs to stdout/stderr, and to an optional Console.
type simpleLogger struct {
	level atomic.Uint32
	c     atomic.Value // Console, may be nil
	e     *golog.Logger
	o     *golog.Logger
}

var _ Logger = (*simpleLogger)(nil)

func defaultLogger() *simpleLogger {
	l := &simpleLogger{
		e: golog.New(os.Stderr, "", defaultFlags),
		o: golog.New(os.Stdout, "", defaultFlags),
	}
	l.level.Store(uint32(defaultLevel))
	return l
}

func (l *simpleLogger) SetLevel(n LogLevel) {
	l.level.Store(uint32(n))
}

func (l *simpleLogger) SetConsole(c Console) {
	if c != nil {
		l.c.Store(c)
	}
}

func (l *simpleLogger) VeryVerbosef(at int, msg string, args ...any) {
	l.out(at, VVERBOSE, msg, args...)
}

func (l *simpleLogger) Verbosef(at int, msg string, args ...any) {
	l.out(at, VERBOSE, msg, args...)
}

func (l *simpleLogger) Debugf(at int, msg string, args ...any) {
	l.out(at, DEBUG, msg, args...)
}

func (l *simpleLogger) Infof(at int, msg string, args ...any) {
	l.out(at, INFO, msg, args...)
}

func (l *simpleLogger) Warnf(at int, msg string, args ...any) {
	l.out(at, WARN, msg, args...)
}

func (l *simpleLogger) Errorf(at int, msg string, args ...any) {
	l.out(at, ERROR, msg, args...)
}

func (l *simpleLogger) Fatalf(at int, msg string, args ...any) {
	l.out(at, ERROR, msg, args...)
	os.Exit(1)
}

func (l *simpleLogger) out(at int, lvl LogLevel, msg string, args ...any) {
	if lvl < LogLevel(l.level.Load()) {
		return
	}
	s := fmt.Sprintf(msg, args...)
	if lvl >= WARN {
		_ = l.e.Output(at, s)
	} else {
		_ = l.o.Output(at, s)
	}
	l.toConsole(lvl, s)
}

func (l *simpleLogger) toConsole(lvl LogLevel, s string) {
	c, _ := l.c.Load().(Console)
	if c == nil {
		return
	}
	if lvl >= ERROR {
		c.Err(s)
	} else {
		c.Log(s)
	}
}
