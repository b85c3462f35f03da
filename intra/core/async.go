// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"github.com/celzero/srpl/intra/log"
)

// Go runs f in a goroutine and recovers from any panics.
func Go(who string, f func()) {
	go func() {
		defer Recover(who)

		f()
	}()
}

// Go1 runs f(arg) in a goroutine and recovers from any panics.
func Go1[T any](who string, f func(T), arg T) {
	go func() {
		defer Recover(who)

		f(arg)
	}()
}

// Recover must be the first defer at the start of a new goroutine.
func Recover(who string) (didpanic bool) {
	recovered := recover()
	didpanic = recovered != nil
	if didpanic {
		log.E("%s: recovered from panic: %v", who, recovered)
	}
	return
}
