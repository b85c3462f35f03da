// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"net/netip"

	"github.com/celzero/srpl/intra/log"
	"github.com/celzero/srpl/intra/xdns"
)

// ServiceRegistration is one announced service. Name tracks backend
// renames once the registration completes.
type ServiceRegistration struct {
	HostName string
	Name     string
	Type     string
	SubTypes xdns.SubTypeList // sorted
	Port     uint16
	Txt      xdns.TxtList // sorted

	cb        ResultCallback
	completed bool
}

// invoke fires the pending callback at most once; a nil outcome marks
// the registration completed.
func (r *ServiceRegistration) invoke(err error) {
	if err == nil {
		r.completed = true
	}
	if cb := r.cb; cb != nil {
		r.cb = nil
		cb(err)
	}
}

func (r *ServiceRegistration) Completed() bool { return r.completed }

func (r *ServiceRegistration) outdated(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList) bool {
	return !(r.HostName == hostName && r.Name == name && xdns.TypeEqual(r.Type, stype) &&
		xdns.SubTypesEqual(r.SubTypes, subtypes) && r.Port == port && xdns.TxtEqual(r.Txt, txt))
}

// HostRegistration is one announced AAAA record.
type HostRegistration struct {
	Name string
	Addr netip.Addr

	cb        ResultCallback
	completed bool
}

func (r *HostRegistration) invoke(err error) {
	if err == nil {
		r.completed = true
	}
	if cb := r.cb; cb != nil {
		r.cb = nil
		cb(err)
	}
}

func (r *HostRegistration) Completed() bool { return r.completed }

func (r *HostRegistration) outdated(name string, addr netip.Addr) bool {
	return !(r.Name == name && r.Addr == addr)
}

type subscriber struct {
	onInstance InstanceCallback
	onHost     HostCallback
}

// registry is the backend-agnostic half of a Publisher: active
// registrations keyed by full name, duplicate coalescing, subscription
// callback fan-out, and the state machine. Only ever touched on the
// mainloop goroutine; no locks by construction.
type registry struct {
	state   State
	stateCb StateCallback

	services map[string]*ServiceRegistration
	hosts    map[string]*HostRegistration

	subs     map[uint64]subscriber
	subOrder []uint64
	subNext  uint64
}

func (g *registry) init(scb StateCallback) {
	g.stateCb = scb
	g.services = make(map[string]*ServiceRegistration)
	g.hosts = make(map[string]*HostRegistration)
	g.subs = make(map[uint64]subscriber)
}

func (g *registry) setState(s State) {
	if g.state == s {
		return
	}
	log.I("mdns: state %s -> %s", g.state, s)
	g.state = s
	if g.stateCb != nil {
		g.stateCb(s)
	}
}

// coalesceService applies the duplicate-registration decision. ok
// reports whether the caller should proceed to the backend; when false
// the callback has been consumed (joined or already answered).
func (g *registry) coalesceService(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList, cb ResultCallback) (ok bool) {
	full := xdns.ServiceFullName(name, stype)
	reg := g.services[full]
	if reg == nil {
		return true
	}
	if reg.outdated(hostName, name, stype, subtypes, port, txt) {
		log.I("mdns: %s: superseding outdated registration", full)
		g.removeServiceRegistration(name, stype)
		return true
	}
	if reg.completed {
		// identical and already announced
		cb(nil)
		return false
	}
	// identical and still pending: join the waiting queue
	log.D("mdns: %s: joining pending registration", full)
	prev := reg.cb
	reg.cb = func(err error) {
		if prev != nil {
			prev(err)
		}
		cb(err)
	}
	return false
}

func (g *registry) coalesceHost(name string, addr netip.Addr, cb ResultCallback) (ok bool) {
	full := xdns.HostFullName(name)
	reg := g.hosts[full]
	if reg == nil {
		return true
	}
	if reg.outdated(name, addr) {
		log.I("mdns: %s: superseding outdated registration", full)
		g.removeHostRegistration(name)
		return true
	}
	if reg.completed {
		cb(nil)
		return false
	}
	prev := reg.cb
	reg.cb = func(err error) {
		if prev != nil {
			prev(err)
		}
		cb(err)
	}
	return false
}

func (g *registry) addServiceRegistration(r *ServiceRegistration) {
	g.services[xdns.ServiceFullName(r.Name, r.Type)] = r
}

// removeServiceRegistration drops the registration, aborting its
// pending callback if any.
func (g *registry) removeServiceRegistration(name, stype string) {
	full := xdns.ServiceFullName(name, stype)
	if reg := g.services[full]; reg != nil {
		delete(g.services, full)
		reg.invokeAborted()
	}
}

func (r *ServiceRegistration) invokeAborted() {
	if r.cb != nil {
		r.invoke(ErrAborted)
	}
}

func (r *HostRegistration) invokeAborted() {
	if r.cb != nil {
		r.invoke(ErrAborted)
	}
}

func (g *registry) findServiceRegistration(name, stype string) *ServiceRegistration {
	return g.services[xdns.ServiceFullName(name, stype)]
}

// FindServiceRegistrationByType returns the completed registration for
// stype, if any.
func (g *registry) FindServiceRegistrationByType(stype string) *ServiceRegistration {
	for _, r := range g.services {
		if r.completed && xdns.TypeEqual(r.Type, stype) {
			return r
		}
	}
	return nil
}

func (g *registry) addHostRegistration(r *HostRegistration) {
	g.hosts[xdns.HostFullName(r.Name)] = r
}

func (g *registry) removeHostRegistration(name string) {
	full := xdns.HostFullName(name)
	if reg := g.hosts[full]; reg != nil {
		delete(g.hosts, full)
		reg.invokeAborted()
	}
}

func (g *registry) FindHostRegistrationByName(name string) *HostRegistration {
	return g.hosts[xdns.HostFullName(name)]
}

// completeService finishes a pending registration, re-keying it if the
// backend renamed the instance.
func (g *registry) completeService(name, stype, chosenName string, err error) {
	full := xdns.ServiceFullName(name, stype)
	reg := g.services[full]
	if reg == nil {
		return
	}
	if err != nil {
		delete(g.services, full)
		reg.invoke(err)
		return
	}
	if len(chosenName) > 0 && chosenName != reg.Name {
		log.I("mdns: %s: renamed to %q", full, chosenName)
		delete(g.services, full)
		reg.Name = chosenName
		g.services[xdns.ServiceFullName(chosenName, stype)] = reg
	}
	reg.invoke(nil)
}

func (g *registry) completeHost(name string, err error) {
	full := xdns.HostFullName(name)
	reg := g.hosts[full]
	if reg == nil {
		return
	}
	if err != nil {
		delete(g.hosts, full)
	}
	reg.invoke(err)
}

// dropRegistrations aborts and forgets everything; used on backend
// teardown and restarts.
func (g *registry) dropRegistrations() {
	for k, r := range g.services {
		delete(g.services, k)
		r.invokeAborted()
	}
	for k, r := range g.hosts {
		delete(g.hosts, k)
		r.invokeAborted()
	}
}

func (g *registry) AddSubscriptionCallbacks(onInstance InstanceCallback, onHost HostCallback) uint64 {
	g.subNext++
	id := g.subNext
	g.subs[id] = subscriber{onInstance: onInstance, onHost: onHost}
	g.subOrder = append(g.subOrder, id)
	return id
}

func (g *registry) RemoveSubscriptionCallbacks(id uint64) {
	if _, ok := g.subs[id]; !ok {
		return
	}
	delete(g.subs, id)
	for i, v := range g.subOrder {
		if v == id {
			g.subOrder = append(g.subOrder[:i], g.subOrder[i+1:]...)
			break
		}
	}
}

func (g *registry) notifyInstance(stype string, info DiscoveredInstanceInfo) {
	for _, id := range g.subOrder {
		if s, ok := g.subs[id]; ok && s.onInstance != nil {
			s.onInstance(stype, info)
		}
	}
}

func (g *registry) notifyHost(host string, info DiscoveredHostInfo) {
	for _, id := range g.subOrder {
		if s, ok := g.subs[id]; ok && s.onHost != nil {
			s.onHost(host, info)
		}
	}
}
