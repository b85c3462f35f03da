// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package srpl

import (
	"net/netip"
	"testing"

	"github.com/celzero/srpl/intra/mainloop"
	"github.com/celzero/srpl/intra/mdns"
	"github.com/celzero/srpl/intra/xdns"
)

type fakeEngine struct {
	results []PartnerInfo
}

func (e *fakeEngine) HandleBrowseResult(info PartnerInfo) {
	e.results = append(e.results, info)
}

// fakePub records publisher calls and lets tests drive callbacks.
type fakePub struct {
	published    []string // instance names as requested
	unpublished  []string
	subscribes   []string
	unsubscribes []string
	lastCb       mdns.ResultCallback
	onInstance   mdns.InstanceCallback
	subID        uint64
	removedSubs  []uint64
	chosen       *mdns.ServiceRegistration
}

var _ mdns.Publisher = (*fakePub)(nil)

func (p *fakePub) Start() error    { return nil }
func (p *fakePub) Stop()           {}
func (p *fakePub) IsStarted() bool { return true }

func (p *fakePub) PublishService(hostName, name, stype string, subtypes xdns.SubTypeList, port uint16, txt xdns.TxtList, cb mdns.ResultCallback) {
	p.published = append(p.published, name)
	p.lastCb = cb
}

func (p *fakePub) UnpublishService(name, stype string, cb mdns.ResultCallback) {
	p.unpublished = append(p.unpublished, name)
	cb(nil)
}

func (p *fakePub) PublishHost(name string, addr netip.Addr, cb mdns.ResultCallback) { cb(nil) }
func (p *fakePub) UnpublishHost(name string, cb mdns.ResultCallback)                { cb(nil) }

func (p *fakePub) SubscribeService(stype, instance string) {
	p.subscribes = append(p.subscribes, stype)
}

func (p *fakePub) UnsubscribeService(stype, instance string) {
	p.unsubscribes = append(p.unsubscribes, stype)
}

func (p *fakePub) SubscribeHost(host string)   {}
func (p *fakePub) UnsubscribeHost(host string) {}

func (p *fakePub) AddSubscriptionCallbacks(onInstance mdns.InstanceCallback, onHost mdns.HostCallback) uint64 {
	p.subID++
	p.onInstance = onInstance
	return p.subID
}

func (p *fakePub) RemoveSubscriptionCallbacks(id uint64) {
	p.removedSubs = append(p.removedSubs, id)
	p.onInstance = nil
}

func (p *fakePub) FindServiceRegistrationByType(stype string) *mdns.ServiceRegistration {
	return p.chosen
}

func (p *fakePub) FindHostRegistrationByName(name string) *mdns.HostRegistration { return nil }

func (p *fakePub) Update(c *mainloop.Context)  {}
func (p *fakePub) Process(c *mainloop.Context) {}

func encodedTxt(t *testing.T) []byte {
	t.Helper()
	enc, err := xdns.EncodeTxtData(xdns.TxtList{{Name: "xp", Value: []byte{0x2A}}})
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestRegisterCachesChosenName(t *testing.T) {
	pub := &fakePub{}
	s := NewDnssd(&fakeEngine{}, pub)

	if err := s.RegisterService(encodedTxt(t)); err != nil {
		t.Fatal(err)
	}
	if len(pub.published) != 1 || pub.published[0] != "" {
		t.Fatalf("published %v; instance name must be backend-chosen", pub.published)
	}

	// backend renamed on conflict, then confirmed
	pub.chosen = &mdns.ServiceRegistration{Name: "srpl(42) (2)", Type: ServiceType}
	pub.lastCb(nil)
	if s.instance != "srpl(42) (2)" {
		t.Fatalf("cached instance %q", s.instance)
	}
}

func TestRegisterBadTxt(t *testing.T) {
	s := NewDnssd(&fakeEngine{}, &fakePub{})
	if err := s.RegisterService([]byte{9, 'x'}); err == nil {
		t.Fatal("malformed txt accepted")
	}
}

func TestUnregisterClearsName(t *testing.T) {
	pub := &fakePub{}
	s := NewDnssd(&fakeEngine{}, pub)
	s.instance = "srpl(7)"

	s.UnregisterService()
	if len(pub.unpublished) != 1 || pub.unpublished[0] != "srpl(7)" {
		t.Fatalf("unpublished %v", pub.unpublished)
	}
	if s.instance != "" {
		t.Fatalf("instance %q not cleared", s.instance)
	}
}

func TestBrowseIdempotent(t *testing.T) {
	pub := &fakePub{}
	s := NewDnssd(&fakeEngine{}, pub)

	s.StartBrowse()
	s.StartBrowse()
	if len(pub.subscribes) != 1 {
		t.Fatalf("%d subscriptions installed", len(pub.subscribes))
	}

	s.StopBrowse()
	s.StopBrowse()
	if len(pub.unsubscribes) != 1 || len(pub.removedSubs) != 1 {
		t.Fatalf("unsubscribes=%d removed=%d", len(pub.unsubscribes), len(pub.removedSubs))
	}
	if s.IsBrowsing() {
		t.Fatal("still browsing after stop")
	}
}

func TestSelfSuppression(t *testing.T) {
	pub := &fakePub{}
	eng := &fakeEngine{}
	s := NewDnssd(eng, pub)
	s.instance = "srpl(7)"
	s.StartBrowse()

	addr := netip.MustParseAddr("2001:db8::2")
	pub.onInstance(ServiceType, mdns.DiscoveredInstanceInfo{
		Name: "SRPL(7)", Port: 853, Addresses: []netip.Addr{addr},
	})
	if len(eng.results) != 0 {
		t.Fatalf("self event forwarded: %+v", eng.results)
	}

	pub.onInstance(ServiceType, mdns.DiscoveredInstanceInfo{
		Name: "srpl(8)", Port: 853,
		Addresses: []netip.Addr{addr},
		Txt:       []byte{0x04, 'x', 'p', '=', 0x2A},
	})
	if len(eng.results) != 1 {
		t.Fatalf("peer event not forwarded")
	}
	got := eng.results[0]
	if got.Removed || got.Addr != netip.AddrPortFrom(addr, 853) || len(got.Txt) != 5 {
		t.Fatalf("partner info %+v", got)
	}
}

func TestForeignTypeIgnored(t *testing.T) {
	pub := &fakePub{}
	eng := &fakeEngine{}
	s := NewDnssd(eng, pub)
	s.StartBrowse()

	pub.onInstance("_ipp._tcp", mdns.DiscoveredInstanceInfo{
		Name: "printer", Port: 631,
		Addresses: []netip.Addr{netip.MustParseAddr("2001:db8::9")},
	})
	if len(eng.results) != 0 {
		t.Fatalf("foreign type forwarded: %+v", eng.results)
	}
}

func TestRemovedPeerForwarded(t *testing.T) {
	pub := &fakePub{}
	eng := &fakeEngine{}
	s := NewDnssd(eng, pub)
	s.StartBrowse()

	pub.onInstance(ServiceType, mdns.DiscoveredInstanceInfo{Name: "srpl(8)", Removed: true})
	if len(eng.results) != 1 || !eng.results[0].Removed {
		t.Fatalf("goodbye not forwarded: %+v", eng.results)
	}
}

func TestNoAddressesDropped(t *testing.T) {
	pub := &fakePub{}
	eng := &fakeEngine{}
	s := NewDnssd(eng, pub)
	s.StartBrowse()

	pub.onInstance(ServiceType, mdns.DiscoveredInstanceInfo{Name: "srpl(8)", Port: 853})
	if len(eng.results) != 0 {
		t.Fatalf("addressless peer forwarded: %+v", eng.results)
	}
}

func TestEventsIgnoredWhenNotBrowsing(t *testing.T) {
	pub := &fakePub{}
	eng := &fakeEngine{}
	s := NewDnssd(eng, pub)
	s.StartBrowse()
	cb := pub.onInstance
	s.StopBrowse()

	cb(ServiceType, mdns.DiscoveredInstanceInfo{
		Name: "srpl(8)", Port: 853,
		Addresses: []netip.Addr{netip.MustParseAddr("2001:db8::2")},
	})
	if len(eng.results) != 0 {
		t.Fatalf("event after stop forwarded: %+v", eng.results)
	}
}
