// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/brutella/dnssd"
	"github.com/celzero/srpl/intra/core"
	"github.com/celzero/srpl/intra/log"
	"github.com/celzero/srpl/intra/mainloop"
	"github.com/celzero/srpl/intra/xdns"
)

// hosts subscribed with the in-process responder are re-queried on
// this cadence; mDNS answers themselves arrive asynchronously.
const hostRequeryIvl = 60 * time.Second

// respPublisher is the in-process backend: a pure-Go mDNS responder
// for announcements and one-shot multicast queries for host lookups.
// No daemon is involved.
type respPublisher struct {
	registry
	evq *eventq

	started bool
	rp      dnssd.Responder
	cancel  context.CancelFunc

	handles map[string]dnssd.ServiceHandle // full service name -> responder handle
	browses map[string]context.CancelFunc  // subscription key -> browse cancel
	hostq   map[string]context.CancelFunc  // host fqdn -> query cancel
	nextpoll time.Time
}

var _ Publisher = (*respPublisher)(nil)

func newRespPublisher(scb StateCallback, wake func()) *respPublisher {
	p := &respPublisher{
		evq:     newEventq(wake),
		handles: make(map[string]dnssd.ServiceHandle),
		browses: make(map[string]context.CancelFunc),
		hostq:   make(map[string]context.CancelFunc),
	}
	p.registry.init(scb)
	return p
}

func (p *respPublisher) Start() error {
	if p.started {
		return nil
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("%w: responder: %v", ErrMdns, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.rp = rp
	p.cancel = cancel
	p.started = true
	core.Go("mdns.respond", func() {
		rerr := rp.Respond(ctx)
		p.evq.post(func() {
			if p.started && rerr != nil && ctx.Err() == nil {
				log.E("mdns: responder died: %v", rerr)
				p.teardown()
			}
		})
	})
	p.setState(StateReady)
	log.I("mdns: in-process responder started")
	return nil
}

func (p *respPublisher) Stop() {
	if !p.started {
		return
	}
	p.teardown()
}

func (p *respPublisher) teardown() {
	p.started = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	for k, cancel := range p.browses {
		cancel()
		delete(p.browses, k)
	}
	for k, cancel := range p.hostq {
		cancel()
		delete(p.hostq, k)
	}
	p.handles = make(map[string]dnssd.ServiceHandle)
	p.dropRegistrations()
	p.setState(StateIdle)
}

func (p *respPublisher) IsStarted() bool { return p.started }

func (p *respPublisher) PublishService(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList, cb ResultCallback) {
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
		name = defaultInstanceName()
	}
	if len(subtypes) > 0 {
		// the in-process responder cannot announce subtypes
		log.W("mdns: %s.%s: dropping %d subtypes", name, stype, len(subtypes))
	}
	if !p.coalesceService(hostName, name, stype, subtypes, port, txt, cb) {
		return
	}

	cfg := dnssd.Config{
		Name:   name,
		Type:   xdns.TrimDot(stype),
		Domain: xdns.Domain + ".",
		Port:   int(port),
		Text:   xdns.TxtToMap(txt),
	}
	if len(hostName) > 0 {
		cfg.Host = xdns.TrimDot(hostName)
		if hr := p.FindHostRegistrationByName(hostName); hr != nil {
			cfg.IPs = []net.IP{hr.Addr.AsSlice()}
		}
	}
	sv, err := dnssd.NewService(cfg)
	if err != nil {
		cb(fmt.Errorf("%w: service: %v", ErrMdns, err))
		return
	}
	hdl, err := p.rp.Add(sv)
	if err != nil {
		cb(fmt.Errorf("%w: add: %v", ErrMdns, err))
		return
	}

	p.addServiceRegistration(&ServiceRegistration{
		HostName: hostName, Name: name, Type: stype,
		SubTypes: subtypes, Port: port, Txt: txt, cb: cb,
	})
	p.handles[xdns.ServiceFullName(name, stype)] = hdl

	// completion lands on a later loop tick: probing may still rename
	reqName := name
	p.evq.post(func() {
		chosen := hdl.Service().Name
		p.completeService(reqName, stype, chosen, nil)
	})
}

func (p *respPublisher) UnpublishService(name, stype string, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	full := xdns.ServiceFullName(name, stype)
	if hdl, ok := p.handles[full]; ok {
		delete(p.handles, full)
		if p.started {
			p.rp.Remove(hdl)
		}
	}
	p.removeServiceRegistration(name, stype)
	log.I("mdns: unpublished %s", full)
	cb(nil)
}

// PublishHost records an AAAA anchor for later service registrations;
// the responder announces host records together with its services.
func (p *respPublisher) PublishHost(name string, addr netip.Addr, cb ResultCallback) {
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
	p.addHostRegistration(&HostRegistration{Name: name, Addr: addr, cb: cb})
	p.evq.post(func() {
		p.completeHost(name, nil)
	})
}

func (p *respPublisher) UnpublishHost(name string, cb ResultCallback) {
	if cb == nil {
		cb = func(error) {}
	}
	p.removeHostRegistration(name)
	log.I("mdns: unpublished host %s", xdns.HostFullName(name))
	cb(nil)
}

func (p *respPublisher) SubscribeService(stype, instance string) {
	key := subKey(stype, instance)
	if _, ok := p.browses[key]; ok {
		log.D("mdns: already browsing %s", key)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.browses[key] = cancel

	typeFqdn := xdns.TrimDot(stype) + "." + xdns.Domain + "."
	add := func(e dnssd.BrowseEntry) {
		p.postBrowseEntry(stype, instance, e, false)
	}
	rmv := func(e dnssd.BrowseEntry) {
		p.postBrowseEntry(stype, instance, e, true)
	}
	core.Go("mdns.browse."+key, func() {
		if err := dnssd.LookupType(ctx, typeFqdn, add, rmv); err != nil && ctx.Err() == nil {
			log.W("mdns: browse %s: %v", key, err)
		}
	})
	log.I("mdns: browsing %s", key)
}

func (p *respPublisher) postBrowseEntry(stype, instance string, e dnssd.BrowseEntry, removed bool) {
	if len(instance) > 0 && !xdns.NameEqual(e.Name, instance) {
		return
	}
	info := DiscoveredInstanceInfo{
		Name:    e.Name,
		Removed: removed,
		TTL:     ttlDefault,
	}
	if !removed {
		info.HostName = xdns.TrimDot(e.Host) + "." + xdns.Domain + "."
		info.Port = uint16(e.Port)
		info.Addresses = v6only(e.IPs)
		if enc, err := xdns.EncodeTxtData(xdns.TxtFromMap(e.Text)); err == nil {
			info.Txt = enc
		}
		if ifi, err := net.InterfaceByName(e.IfaceName); err == nil {
			info.NetifIndex = uint32(ifi.Index)
		}
	}
	p.evq.post(func() {
		p.notifyInstance(stype, info)
	})
}

func (p *respPublisher) UnsubscribeService(stype, instance string) {
	key := subKey(stype, instance)
	if cancel, ok := p.browses[key]; ok {
		cancel()
		delete(p.browses, key)
		log.I("mdns: stopped browsing %s", key)
	}
}

func (p *respPublisher) SubscribeHost(host string) {
	full := xdns.HostFullName(host)
	if _, ok := p.hostq[full]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.hostq[full] = cancel
	p.nextpoll = time.Now() // poll on the next loop tick
	core.Go("mdns.hostq."+host, func() {
		p.queryHost(ctx, full)
	})
}

func (p *respPublisher) UnsubscribeHost(host string) {
	full := xdns.HostFullName(host)
	if cancel, ok := p.hostq[full]; ok {
		cancel()
		delete(p.hostq, full)
	}
}

// queryHost one-shots an AAAA multicast query for full and posts any
// answers to subscribers.
func (p *respPublisher) queryHost(ctx context.Context, full string) {
	addrs, ttl, err := queryAAAA(ctx, full, 2*time.Second)
	if err != nil {
		log.D("mdns: host query %s: %v", full, err)
		return
	}
	if len(addrs) <= 0 {
		return
	}
	info := DiscoveredHostInfo{HostName: full, Addresses: addrs, TTL: ttl}
	p.evq.post(func() {
		if _, ok := p.hostq[full]; ok {
			p.notifyHost(full, info)
		}
	})
}

func (p *respPublisher) Update(c *mainloop.Context) {
	if len(p.hostq) > 0 {
		c.LowerDeadline(p.nextpoll)
	}
}

func (p *respPublisher) Process(c *mainloop.Context) {
	p.evq.drain()
	if len(p.hostq) > 0 && !c.Now().Before(p.nextpoll) {
		for full := range p.hostq {
			f := full
			core.Go("mdns.hostq."+f, func() {
				p.queryHost(context.Background(), f)
			})
		}
		p.nextpoll = c.Now().Add(hostRequeryIvl)
	}
}

func subKey(stype, instance string) string {
	return strings.ToLower(xdns.TrimDot(stype)) + "/" + strings.ToLower(instance)
}

func v6only(ips []net.IP) []netip.Addr {
	var out []netip.Addr
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			a = a.Unmap()
			if a.Is6() {
				out = append(out, a)
			}
		}
	}
	return out
}

func defaultInstanceName() string {
	hn, err := os.Hostname()
	if err != nil || len(hn) <= 0 {
		return "srpl"
	}
	if i := strings.IndexByte(hn, '.'); i > 0 {
		hn = hn[:i]
	}
	return hn
}
