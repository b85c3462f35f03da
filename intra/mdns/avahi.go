// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/celzero/srpl/intra/core"
	"github.com/celzero/srpl/intra/log"
	"github.com/celzero/srpl/intra/mainloop"
	"github.com/celzero/srpl/intra/xdns"
	"github.com/godbus/dbus/v5"
	avahi "github.com/holoplot/go-avahi"
)

// avahi entry-group states, from avahi-common/defs.h.
const (
	egUncommitted int32 = iota
	egRegistering
	egEstablished
	egCollision
	egFailure
)

// committed entry groups are polled on this cadence until they settle
const egPollIvl = 50 * time.Millisecond

// how often avahi may rename on collision before we give up
const maxRenames = 12

const (
	kindService = iota
	kindHost
)

// pendingGroup is a committed entry group whose registration has not
// settled yet.
type pendingGroup struct {
	kind    int
	group   *avahi.EntryGroup
	name    string // current (possibly renamed) instance or host name
	reqName string // name the registration was filed under
	stype   string
	host    string
	port    uint16
	txt     [][]byte
	subs    xdns.SubTypeList
	addr    netip.Addr
	renames int
}

type avahiBrowse struct {
	sb   *avahi.ServiceBrowser
	done chan struct{}
}

type avahiHostSub struct {
	hr   *avahi.HostNameResolver
	done chan struct{}
}

// avahiPublisher talks to the Avahi daemon over D-Bus; registration
// settle states are polled off the mainloop timer, discovery events
// arrive on the daemon's signal channels.
type avahiPublisher struct {
	registry
	evq *eventq

	started bool
	bus     *dbus.Conn
	srv     *avahi.Server

	groups     map[string]*avahi.EntryGroup
	hostGroups map[string]*avahi.EntryGroup
	pending    []*pendingGroup
	browses    map[string]*avahiBrowse
	hostsubs   map[string]*avahiHostSub
}

var _ Publisher = (*avahiPublisher)(nil)

func newAvahiPublisher(scb StateCallback, wake func()) *avahiPublisher {
	p := &avahiPublisher{
		evq:        newEventq(wake),
		groups:     make(map[string]*avahi.EntryGroup),
		hostGroups: make(map[string]*avahi.EntryGroup),
		browses:    make(map[string]*avahiBrowse),
		hostsubs:   make(map[string]*avahiHostSub),
	}
	p.registry.init(scb)
	return p
}

func (p *avahiPublisher) Start() error {
	if p.started {
		return nil
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("%w: dbus: %v", ErrMdns, err)
	}
	srv, err := avahi.ServerNew(bus)
	if err != nil {
		return fmt.Errorf("%w: avahi: %v", ErrMdns, err)
	}
	p.bus = bus
	p.srv = srv
	p.started = true
	p.setState(StateReady)
	log.I("mdns: avahi client started")
	return nil
}

func (p *avahiPublisher) Stop() {
	if !p.started {
		return
	}
	p.started = false
	for k, b := range p.browses {
		close(b.done)
		p.srv.ServiceBrowserFree(b.sb)
		delete(p.browses, k)
	}
	for k, h := range p.hostsubs {
		close(h.done)
		p.srv.HostNameResolverFree(h.hr)
		delete(p.hostsubs, k)
	}
	for k, g := range p.groups {
		p.srv.EntryGroupFree(g)
		delete(p.groups, k)
	}
	for k, g := range p.hostGroups {
		p.srv.EntryGroupFree(g)
		delete(p.hostGroups, k)
	}
	for _, pg := range p.pending {
		p.srv.EntryGroupFree(pg.group)
	}
	p.pending = nil
	p.dropRegistrations()
	p.srv.Close()
	p.srv = nil
	p.setState(StateIdle)
	log.I("mdns: avahi client stopped")
}

func (p *avahiPublisher) IsStarted() bool { return p.started }

func (p *avahiPublisher) PublishService(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	if !p.started {
		cb(ErrInvalidState)
		return
	}
	subtypes = xdns.SortSubTypeList(subtypes)
	txt = xdns.SortTxtList(txt)
	if _, err := xdns.EncodeTxtData(txt); err != nil {
		cb(fmt.Errorf("%w: %v", ErrInvalidArgs, err))
		return
	}
	if len(name) <= 0 {
		if hn, err := p.srv.GetHostName(); err == nil && len(hn) > 0 {
			name = hn
		} else {
			name = defaultInstanceName()
		}
	}
	if !p.coalesceService(hostName, name, stype, subtypes, port, txt, cb) {
		return
	}

	pg := &pendingGroup{
		kind:    kindService,
		name:    name,
		reqName: name,
		stype:   xdns.TrimDot(stype),
		port:    port,
		txt:     txtToAvahi(txt),
		subs:    subtypes,
	}
	if len(hostName) > 0 {
		pg.host = xdns.HostFullName(hostName)
	}
	if err := p.commitService(pg); err != nil {
		cb(fmt.Errorf("%w: %v", ErrMdns, err))
		return
	}
	p.addServiceRegistration(&ServiceRegistration{
		HostName: hostName, Name: name, Type: stype,
		SubTypes: subtypes, Port: port, Txt: txt, cb: cb,
	})
	p.pending = append(p.pending, pg)
}

// commitService builds and commits a fresh entry group for pg.
func (p *avahiPublisher) commitService(pg *pendingGroup) error {
	g, err := p.srv.EntryGroupNew()
	if err != nil {
		return err
	}
	err = g.AddService(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0,
		pg.name, pg.stype, xdns.Domain, pg.host, pg.port, pg.txt)
	if err != nil {
		p.srv.EntryGroupFree(g)
		return err
	}
	for _, sub := range pg.subs {
		serr := g.AddServiceSubtype(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0,
			pg.name, pg.stype, xdns.Domain, sub+"._sub."+pg.stype)
		if serr != nil {
			p.srv.EntryGroupFree(g)
			return serr
		}
	}
	if err = g.Commit(); err != nil {
		p.srv.EntryGroupFree(g)
		return err
	}
	pg.group = g
	return nil
}

func (p *avahiPublisher) UnpublishService(name, stype string, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	full := xdns.ServiceFullName(name, stype)
	if g, ok := p.groups[full]; ok {
		delete(p.groups, full)
		if p.started {
			p.srv.EntryGroupFree(g)
		}
	}
	p.forgetPending(kindService, name, stype)
	p.removeServiceRegistration(name, stype)
	log.I("mdns: unpublished %s", full)
	cb(nil)
}

func (p *avahiPublisher) PublishHost(name string, addr netip.Addr, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	if !p.started {
		cb(ErrInvalidState)
		return
	}
	if !addr.Is6() || addr.Is4In6() {
		cb(fmt.Errorf("%w: host addr %s not ipv6", ErrInvalidArgs, addr))
		return
	}
	if !p.coalesceHost(name, addr, cb) {
		return
	}

	g, err := p.srv.EntryGroupNew()
	if err != nil {
		cb(fmt.Errorf("%w: %v", ErrMdns, err))
		return
	}
	full := xdns.HostFullName(name)
	err = g.AddAddress(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0, full, addr.String())
	if err == nil {
		err = g.Commit()
	}
	if err != nil {
		p.srv.EntryGroupFree(g)
		cb(fmt.Errorf("%w: %v", ErrMdns, err))
		return
	}
	p.addHostRegistration(&HostRegistration{Name: name, Addr: addr, cb: cb})
	p.pending = append(p.pending, &pendingGroup{
		kind: kindHost, group: g, name: name, reqName: name, addr: addr,
	})
}

func (p *avahiPublisher) UnpublishHost(name string, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	full := xdns.HostFullName(name)
	if g, ok := p.hostGroups[full]; ok {
		delete(p.hostGroups, full)
		if p.started {
			p.srv.EntryGroupFree(g)
		}
	}
	p.forgetPending(kindHost, name, "")
	p.removeHostRegistration(name)
	log.I("mdns: unpublished host %s", full)
	cb(nil)
}

// forgetPending drops a not-yet-settled group for an unpublished name.
func (p *avahiPublisher) forgetPending(kind int, name, stype string) {
	for i, pg := range p.pending {
		if pg.kind != kind || !xdns.NameEqual(pg.reqName, name) {
			continue
		}
		if kind == kindService && !xdns.TypeEqual(pg.stype, stype) {
			continue
		}
		if p.started {
			p.srv.EntryGroupFree(pg.group)
		}
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		return
	}
}

func (p *avahiPublisher) SubscribeService(stype, instance string) {
	if !p.started {
		log.W("mdns: subscribe %s: not started", stype)
		return
	}
	key := subKey(stype, instance)
	if _, ok := p.browses[key]; ok {
		log.D("mdns: already browsing %s", key)
		return
	}
	sb, err := p.srv.ServiceBrowserNew(avahi.InterfaceUnspec, avahi.ProtoUnspec,
		xdns.TrimDot(stype), xdns.Domain, 0)
	if err != nil {
		log.E("mdns: browse %s: %v", key, err)
		return
	}
	b := &avahiBrowse{sb: sb, done: make(chan struct{})}
	p.browses[key] = b
	core.Go("mdns.avahi.browse."+key, func() {
		p.browseLoop(b, stype, instance)
	})
	log.I("mdns: browsing %s", key)
}

func (p *avahiPublisher) browseLoop(b *avahiBrowse, stype, instance string) {
	for {
		select {
		case svc, ok := <-b.sb.AddChannel:
			if !ok {
				return
			}
			if len(instance) > 0 && !xdns.NameEqual(svc.Name, instance) {
				continue
			}
			p.resolveAndPost(stype, svc)
		case svc, ok := <-b.sb.RemoveChannel:
			if !ok {
				return
			}
			if len(instance) > 0 && !xdns.NameEqual(svc.Name, instance) {
				continue
			}
			info := DiscoveredInstanceInfo{Name: svc.Name, Removed: true, NetifIndex: uint32(svc.Interface)}
			p.evq.post(func() { p.notifyInstance(stype, info) })
		case <-b.done:
			return
		}
	}
}

// resolveAndPost resolves one browsed instance to host, port, txt and
// v6 address, then fans it out.
func (p *avahiPublisher) resolveAndPost(stype string, svc avahi.Service) {
	rs, err := p.srv.ResolveService(svc.Interface, svc.Protocol, svc.Name,
		svc.Type, svc.Domain, avahi.ProtoInet6, 0)
	if err != nil {
		log.W("mdns: resolve %s.%s: %v", svc.Name, svc.Type, err)
		return
	}
	info := DiscoveredInstanceInfo{
		Name:       rs.Name,
		HostName:   rs.Host,
		Port:       rs.Port,
		TTL:        ttlDefault,
		NetifIndex: uint32(rs.Interface),
	}
	if a, err := netip.ParseAddr(rs.Address); err == nil && a.Is6() {
		info.Addresses = []netip.Addr{a}
	}
	if enc, err := xdns.EncodeTxtData(txtFromAvahi(rs.Txt)); err == nil {
		info.Txt = enc
	}
	if len(info.Addresses) <= 0 {
		log.D("mdns: resolve %s: no v6 addrs", rs.Name)
	}
	p.evq.post(func() { p.notifyInstance(stype, info) })
}

func (p *avahiPublisher) UnsubscribeService(stype, instance string) {
	key := subKey(stype, instance)
	if b, ok := p.browses[key]; ok {
		close(b.done)
		if p.started {
			p.srv.ServiceBrowserFree(b.sb)
		}
		delete(p.browses, key)
		log.I("mdns: stopped browsing %s", key)
	}
}

func (p *avahiPublisher) SubscribeHost(host string) {
	if !p.started {
		return
	}
	full := xdns.HostFullName(host)
	if _, ok := p.hostsubs[full]; ok {
		return
	}
	hr, err := p.srv.HostNameResolverNew(avahi.InterfaceUnspec, avahi.ProtoUnspec,
		full, avahi.ProtoInet6, 0)
	if err != nil {
		log.E("mdns: host sub %s: %v", full, err)
		return
	}
	h := &avahiHostSub{hr: hr, done: make(chan struct{})}
	p.hostsubs[full] = h
	core.Go("mdns.avahi.host."+host, func() {
		for {
			select {
			case hn, ok := <-hr.FoundChannel:
				if !ok {
					return
				}
				info := DiscoveredHostInfo{HostName: hn.Name, TTL: ttlDefault}
				if a, err := netip.ParseAddr(hn.Address); err == nil && a.Is6() {
					info.Addresses = []netip.Addr{a}
				}
				p.evq.post(func() { p.notifyHost(full, info) })
			case <-h.done:
				return
			}
		}
	})
}

func (p *avahiPublisher) UnsubscribeHost(host string) {
	full := xdns.HostFullName(host)
	if h, ok := p.hostsubs[full]; ok {
		close(h.done)
		if p.started {
			p.srv.HostNameResolverFree(h.hr)
		}
		delete(p.hostsubs, full)
	}
}

// Update arms the settle-poll timer while any entry group is pending.
func (p *avahiPublisher) Update(c *mainloop.Context) {
	if len(p.pending) > 0 {
		c.LowerDeadline(c.Now().Add(egPollIvl))
	}
}

func (p *avahiPublisher) Process(c *mainloop.Context) {
	p.evq.drain()
	if len(p.pending) <= 0 {
		return
	}
	var still []*pendingGroup
	for _, pg := range p.pending {
		if p.settle(pg) {
			still = append(still, pg)
		}
	}
	p.pending = still
}

// settle polls one pending group; reports whether it is still pending.
func (p *avahiPublisher) settle(pg *pendingGroup) bool {
	st, err := pg.group.GetState()
	if err != nil {
		p.failPending(pg, fmt.Errorf("%w: state: %v", ErrMdns, err))
		return false
	}
	switch st {
	case egUncommitted, egRegistering:
		return true
	case egEstablished:
		if pg.kind == kindService {
			p.groups[xdns.ServiceFullName(pg.name, pg.stype)] = pg.group
			p.completeService(pg.reqName, pg.stype, pg.name, nil)
		} else {
			p.hostGroups[xdns.HostFullName(pg.name)] = pg.group
			p.completeHost(pg.reqName, nil)
		}
		return false
	case egCollision:
		if pg.kind == kindHost || pg.renames >= maxRenames {
			p.failPending(pg, ErrDuplicated)
			return false
		}
		alt, aerr := p.srv.GetAlternativeServiceName(pg.name)
		if aerr != nil || len(alt) <= 0 {
			p.failPending(pg, ErrDuplicated)
			return false
		}
		log.I("mdns: %s.%s collided; retrying as %q", pg.name, pg.stype, alt)
		p.srv.EntryGroupFree(pg.group)
		pg.name = alt
		pg.renames++
		if cerr := p.commitService(pg); cerr != nil {
			p.failPending(pg, fmt.Errorf("%w: %v", ErrMdns, cerr))
			return false
		}
		return true
	default: // egFailure
		p.failPending(pg, ErrMdns)
		return false
	}
}

func (p *avahiPublisher) failPending(pg *pendingGroup, err error) {
	p.srv.EntryGroupFree(pg.group)
	if pg.kind == kindService {
		p.completeService(pg.reqName, pg.stype, "", err)
	} else {
		p.completeHost(pg.reqName, err)
	}
}

func txtToAvahi(l xdns.TxtList) [][]byte {
	out := make([][]byte, 0, len(l))
	for _, e := range l {
		var b []byte
		b = append(b, e.Name...)
		b = append(b, '=')
		b = append(b, e.Value...)
		out = append(out, b)
	}
	return out
}

func txtFromAvahi(txt [][]byte) xdns.TxtList {
	var out xdns.TxtList
	for _, b := range txt {
		if i := bytes.IndexByte(b, '='); i >= 0 {
			v := make([]byte, len(b)-i-1)
			copy(v, b[i+1:])
			out = append(out, xdns.TxtEntry{Name: string(b[:i]), Value: v})
		} else if len(b) > 0 {
			out = append(out, xdns.TxtEntry{Name: string(b)})
		}
	}
	return xdns.SortTxtList(out)
}
