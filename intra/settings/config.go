// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package settings

import (
	"github.com/celzero/srpl/intra/core"
)

// MdnsBackendAvahi publishes and browses through the Avahi daemon (D-Bus).
const MdnsBackendAvahi int = 0

// MdnsBackendResponder publishes and browses with the in-process responder.
const MdnsBackendResponder int = 1

// DsoBacklog is the listen backlog for the DSO transport.
const DsoBacklog = 10

// dsoPort is the DSO listening port; 853 per RFC 8490 for DoT-adjacent
// deployments. Overridable for tests and unprivileged runs.
var dsoPort = core.NewVolatile[int](853)

// infraNetif resolves the infrastructure network interface name; it is
// consulted each time DSO listening is enabled. Empty means unbound.
var infraNetif = core.NewVolatile[func() string](func() string { return "" })

var mdnsBackend = core.NewVolatile[int](MdnsBackendAvahi)

func DsoPort() int {
	return dsoPort.Load()
}

func SetDsoPort(p int) {
	if p >= 0 && p <= 65535 {
		dsoPort.Store(p)
	}
}

// InfraNetif returns the current infrastructure interface name; may be empty.
func InfraNetif() string {
	if f := infraNetif.Load(); f != nil {
		return f()
	}
	return ""
}

// SetInfraNetifResolver installs the system accessor for the infrastructure
// interface name.
func SetInfraNetifResolver(f func() string) {
	if f != nil {
		infraNetif.Store(f)
	}
}

func MdnsBackend() int {
	return mdnsBackend.Load()
}

func SetMdnsBackend(b int) {
	switch b {
	case MdnsBackendAvahi, MdnsBackendResponder:
		mdnsBackend.Store(b)
	}
}
