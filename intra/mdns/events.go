// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"sync"
)

// eventq marshals backend-goroutine events onto the mainloop. post may
// be called from any goroutine; drain only from the loop.
type eventq struct {
	mu   sync.Mutex
	q    []func()
	wake func()
}

func newEventq(wake func()) *eventq {
	if wake == nil {
		wake = func() {}
	}
	return &eventq{wake: wake}
}

func (e *eventq) post(f func()) {
	if f == nil {
		return
	}
	e.mu.Lock()
	e.q = append(e.q, f)
	e.mu.Unlock()
	e.wake()
}

func (e *eventq) drain() {
	e.mu.Lock()
	q := e.q
	e.q = nil
	e.mu.Unlock()
	for _, f := range q {
		f()
	}
}
