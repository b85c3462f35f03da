// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mainloop

import (
	"github.com/celzero/srpl/intra/core"
	"golang.org/x/sys/unix"
)

// Waker unblocks a Loop stuck in select. It is the only loop primitive
// that may be used from goroutines other than the loop's own.
type Waker struct {
	r, w int // self-pipe
}

var _ Processor = (*Waker)(nil)

func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Wake nudges the loop; coalesces with pending wakes.
func (k *Waker) Wake() {
	one := [1]byte{1}
	// EAGAIN means the pipe is already primed
	_, _ = unix.Write(k.w, one[:])
}

func (k *Waker) Update(c *Context) {
	c.AddRead(k.r)
}

func (k *Waker) Process(c *Context) {
	if !c.ReadReady(k.r) {
		return
	}
	var scratch [64]byte
	for {
		n, err := unix.Read(k.r, scratch[:])
		if n <= 0 || err != nil {
			break
		}
	}
}

func (k *Waker) Close() {
	core.CloseFd(&k.r)
	core.CloseFd(&k.w)
}
