// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mainloop drives all subsystems off one select(2) loop.
// Subsystems contribute their descriptors and earliest deadline in
// Update, then consume readiness in Process. All subsystem state is
// owned by the loop goroutine; other goroutines may only Wake it.
package mainloop

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/celzero/srpl/intra/core"
	"github.com/celzero/srpl/intra/log"
	"golang.org/x/sys/unix"
)

// Context carries the fd sets and the earliest timer deadline for one
// loop iteration. After select returns, the sets hold only ready fds.
type Context struct {
	R, W, E unix.FdSet
	MaxFd   int

	now      time.Time
	deadline time.Time // zero when no timer is armed
}

// Processor is a subsystem driven by the loop.
type Processor interface {
	// Update adds interesting fds to c and lowers its deadline.
	Update(c *Context)
	// Process consumes fds ready in c and fires elapsed timers.
	Process(c *Context)
}

func NewContext(now time.Time) *Context {
	c := &Context{now: now, MaxFd: core.InvalidFd}
	c.R.Zero()
	c.W.Zero()
	c.E.Zero()
	return c
}

func (c *Context) Now() time.Time { return c.now }

func (c *Context) AddRead(fd int) {
	if c.addable(fd) {
		c.R.Set(fd)
		c.grow(fd)
	}
}

func (c *Context) AddWrite(fd int) {
	if c.addable(fd) {
		c.W.Set(fd)
		c.grow(fd)
	}
}

func (c *Context) AddErr(fd int) {
	if c.addable(fd) {
		c.E.Set(fd)
		c.grow(fd)
	}
}

func (c *Context) ReadReady(fd int) bool {
	return c.addable(fd) && c.R.IsSet(fd)
}

func (c *Context) WriteReady(fd int) bool {
	return c.addable(fd) && c.W.IsSet(fd)
}

func (c *Context) ErrReady(fd int) bool {
	return c.addable(fd) && c.E.IsSet(fd)
}

// LowerDeadline arms the loop timer at t unless an earlier one is set.
func (c *Context) LowerDeadline(t time.Time) {
	if t.IsZero() {
		return
	}
	if c.deadline.IsZero() || t.Before(c.deadline) {
		c.deadline = t
	}
}

func (c *Context) Deadline() time.Time { return c.deadline }

func (c *Context) addable(fd int) bool {
	// select(2) cannot watch fds at or beyond FD_SETSIZE
	return fd >= 0 && fd < 1024
}

func (c *Context) grow(fd int) {
	if fd > c.MaxFd {
		c.MaxFd = fd
	}
}

// Loop multiplexes Processors over one blocking select.
type Loop struct {
	clk   clock.Clock
	wake  *Waker
	procs []Processor
}

// NewLoop returns a loop with its own Waker already attached.
func NewLoop(clk clock.Clock) (*Loop, error) {
	if clk == nil {
		clk = clock.New()
	}
	w, err := NewWaker()
	if err != nil {
		return nil, err
	}
	l := &Loop{clk: clk, wake: w}
	l.Attach(w)
	return l, nil
}

// Waker returns the loop's waker; safe to call from any goroutine.
func (l *Loop) Waker() *Waker { return l.wake }

func (l *Loop) Attach(p Processor) {
	if p == nil {
		return
	}
	for _, q := range l.procs {
		if q == p {
			return
		}
	}
	l.procs = append(l.procs, p)
}

func (l *Loop) Detach(p Processor) {
	for i, q := range l.procs {
		if q == p {
			l.procs = append(l.procs[:i], l.procs[i+1:]...)
			return
		}
	}
}

// Step runs one update/select/process cycle, blocking in select until
// an fd is ready, the earliest deadline elapses, or the loop is woken.
func (l *Loop) Step() error {
	c := NewContext(l.clk.Now())
	for _, p := range l.procs {
		p.Update(c)
	}

	var tv *unix.Timeval
	if dl := c.Deadline(); !dl.IsZero() {
		d := dl.Sub(c.now)
		if d < 0 {
			d = 0
		}
		t := unix.NsecToTimeval(d.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(c.MaxFd+1, &c.R, &c.W, &c.E, tv)
	if err != nil {
		if core.IsEINTR(err) {
			return nil
		}
		log.E("loop: select: %v", err)
		return err
	}
	if n == 0 {
		// timed out; sets are empty, processors only fire timers
		c.R.Zero()
		c.W.Zero()
		c.E.Zero()
	}
	c.now = l.clk.Now()

	for _, p := range l.procs {
		p.Process(c)
	}
	return nil
}

// Run steps the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	defer close(stopped)
	core.Go("loop.unblock", func() {
		select {
		case <-ctx.Done():
			l.wake.Wake()
		case <-stopped:
		}
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Step(); err != nil {
			return err
		}
	}
}
