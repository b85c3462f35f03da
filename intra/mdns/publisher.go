// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mdns publishes and discovers DNS-SD services over mDNS. One
// Publisher abstraction fronts two backends: the Avahi daemon reached
// over D-Bus, and an in-process responder. Backend goroutines never
// touch publisher state directly; they post closures that the mainloop
// drains in Process.
package mdns

import (
	"errors"
	"net/netip"

	"github.com/celzero/srpl/intra/mainloop"
	"github.com/celzero/srpl/intra/settings"
	"github.com/celzero/srpl/intra/xdns"
)

// State of the publisher as driven by backend lifecycle signals.
type State int

const (
	// StateIdle means the backend is not ready; registrations are refused.
	StateIdle State = iota
	// StateReady means the backend accepts registrations.
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "idle"
}

// StateCallback observes every publisher state transition.
type StateCallback func(s State)

// ResultCallback reports the outcome of one publish or unpublish; nil
// is success. Invoked exactly once.
type ResultCallback func(err error)

// InstanceCallback receives resolved (or removed) service instances.
type InstanceCallback func(stype string, info DiscoveredInstanceInfo)

// HostCallback receives resolved hosts.
type HostCallback func(host string, info DiscoveredHostInfo)

var (
	ErrInvalidState = errors.New("mdns: invalid state")
	ErrInvalidArgs  = errors.New("mdns: invalid args")
	ErrDuplicated   = errors.New("mdns: name duplicated")
	ErrNotFound     = errors.New("mdns: not found")
	ErrAborted      = errors.New("mdns: aborted")
	ErrMdns         = errors.New("mdns: backend error")
)

// ttlDefault is reported for discoveries whose backend does not expose
// record TTLs.
const ttlDefault uint32 = 120

// DiscoveredInstanceInfo describes one browsed-and-resolved service
// instance. Removed set means a goodbye: only Name and Type context
// are meaningful then.
type DiscoveredInstanceInfo struct {
	Name       string // instance name, no type suffix
	HostName   string // fqdn of the hosting machine
	Port       uint16
	Txt        []byte // RFC 6763 encoded
	Addresses  []netip.Addr
	TTL        uint32
	NetifIndex uint32
	Removed    bool
}

// DiscoveredHostInfo describes one resolved host.
type DiscoveredHostInfo struct {
	HostName  string
	Addresses []netip.Addr
	TTL       uint32
}

// Publisher advertises local services and hosts, and browses remote
// ones. Implementations are mainloop Processors; all calls and all
// callbacks happen on the mainloop goroutine.
type Publisher interface {
	mainloop.Processor

	Start() error
	Stop()
	IsStarted() bool

	// PublishService announces name.stype.local, optionally anchored
	// to a previously published hostName.local. name may be empty to
	// let the backend choose (and possibly rename) the instance.
	PublishService(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList, cb ResultCallback)
	UnpublishService(name, stype string, cb ResultCallback)

	// PublishHost announces an AAAA record name.local -> addr.
	PublishHost(name string, addr netip.Addr, cb ResultCallback)
	UnpublishHost(name string, cb ResultCallback)

	// SubscribeService browses stype; with a non-empty instance only
	// that instance is resolved and reported.
	SubscribeService(stype, instance string)
	UnsubscribeService(stype, instance string)
	SubscribeHost(host string)
	UnsubscribeHost(host string)

	// AddSubscriptionCallbacks installs discovery consumers; either
	// callback may be nil. The returned id is never zero.
	AddSubscriptionCallbacks(onInstance InstanceCallback, onHost HostCallback) uint64
	RemoveSubscriptionCallbacks(id uint64)

	// FindServiceRegistrationByType returns the completed registration
	// for stype, if any; its Name reflects any backend rename.
	FindServiceRegistrationByType(stype string) *ServiceRegistration
	// FindHostRegistrationByName returns the registration for name.
	FindHostRegistrationByName(name string) *HostRegistration
}

// NewPublisher builds the configured backend. wake must nudge the
// mainloop out of select; typically Loop.Waker().Wake.
func NewPublisher(scb StateCallback, wake func()) (Publisher, error) {
	switch settings.MdnsBackend() {
	case settings.MdnsBackendResponder:
		return newRespPublisher(scb, wake), nil
	default:
		return newAvahiPublisher(scb, wake), nil
	}
}
