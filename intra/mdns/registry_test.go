// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/celzero/srpl/intra/xdns"
)

const testType = "_srpl-tls._tcp"

func newTestRegistry() *registry {
	g := &registry{}
	g.init(nil)
	return g
}

func pendingService(g *registry, name string, port uint16, cb ResultCallback) *ServiceRegistration {
	r := &ServiceRegistration{Name: name, Type: testType, Port: port, cb: cb}
	g.addServiceRegistration(r)
	return r
}

// Identical pending registrations join one queue; both callbacks see
// the one backend outcome, first registrant first.
func TestCoalesceJoinsPending(t *testing.T) {
	g := newTestRegistry()
	var order []string
	pendingService(g, "srpl(42)", 853, func(err error) {
		order = append(order, "cb1")
		if err != nil {
			t.Errorf("cb1: %v", err)
		}
	})

	ok := g.coalesceService("", "srpl(42)", testType, nil, 853, nil, func(err error) {
		order = append(order, "cb2")
		if err != nil {
			t.Errorf("cb2: %v", err)
		}
	})
	if ok {
		t.Fatal("identical pending publish must not reach the backend")
	}

	g.completeService("srpl(42)", testType, "srpl(42)", nil)
	if len(order) != 2 || order[0] != "cb1" || order[1] != "cb2" {
		t.Fatalf("callback order %v", order)
	}
}

// A differing request supersedes: the old callback aborts, the new
// request proceeds.
func TestCoalesceSupersedesOutdated(t *testing.T) {
	g := newTestRegistry()
	var got1 error
	pendingService(g, "srpl(42)", 853, func(err error) { got1 = err })

	ok := g.coalesceService("", "srpl(42)", testType, nil, 854, nil, func(error) {
		t.Fatal("new callback must not fire during coalescing")
	})
	if !ok {
		t.Fatal("differing publish must proceed to the backend")
	}
	if !errors.Is(got1, ErrAborted) {
		t.Fatalf("old callback got %v, want ErrAborted", got1)
	}
	if g.findServiceRegistration("srpl(42)", testType) != nil {
		t.Fatal("outdated registration still in map")
	}
}

// Completed-then-identical answers immediately without the backend.
func TestCoalesceCompletedIdentical(t *testing.T) {
	g := newTestRegistry()
	r := pendingService(g, "srpl(42)", 853, func(error) {})
	r.invoke(nil) // backend confirmed

	var got error = errors.New("unset")
	ok := g.coalesceService("", "srpl(42)", testType, nil, 853, nil, func(err error) { got = err })
	if ok {
		t.Fatal("identical completed publish must not reach the backend")
	}
	if got != nil {
		t.Fatalf("immediate outcome %v, want nil", got)
	}
}

// The backend may rename on conflict; the registration re-keys and
// FindServiceRegistrationByType reflects the chosen name.
func TestCompleteServiceRename(t *testing.T) {
	g := newTestRegistry()
	var got error = errors.New("unset")
	pendingService(g, "srpl(42)", 853, func(err error) { got = err })

	g.completeService("srpl(42)", testType, "srpl(42) (2)", nil)
	if got != nil {
		t.Fatalf("outcome %v", got)
	}
	reg := g.FindServiceRegistrationByType(testType)
	if reg == nil || reg.Name != "srpl(42) (2)" {
		t.Fatalf("registration %+v", reg)
	}
	if g.findServiceRegistration("srpl(42)", testType) != nil {
		t.Fatal("old key still mapped")
	}
}

func TestCompleteServiceFailureRemoves(t *testing.T) {
	g := newTestRegistry()
	var got error
	pendingService(g, "srpl(9)", 853, func(err error) { got = err })

	g.completeService("srpl(9)", testType, "", ErrDuplicated)
	if !errors.Is(got, ErrDuplicated) {
		t.Fatalf("outcome %v", got)
	}
	if g.findServiceRegistration("srpl(9)", testType) != nil {
		t.Fatal("failed registration still mapped")
	}
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	g := newTestRegistry()
	calls := 0
	r := pendingService(g, "srpl(1)", 853, func(error) { calls++ })
	g.completeService("srpl(1)", testType, "srpl(1)", nil)
	r.invoke(nil)
	r.invokeAborted()
	if calls != 1 {
		t.Fatalf("callback fired %d times", calls)
	}
}

func TestDropRegistrationsAbortsPending(t *testing.T) {
	g := newTestRegistry()
	var got1, got2 error
	pendingService(g, "srpl(1)", 853, func(err error) { got1 = err })
	g.addHostRegistration(&HostRegistration{
		Name: "gw", Addr: netip.MustParseAddr("2001:db8::1"),
		cb: func(err error) { got2 = err },
	})

	g.dropRegistrations()
	if !errors.Is(got1, ErrAborted) || !errors.Is(got2, ErrAborted) {
		t.Fatalf("got1=%v got2=%v", got1, got2)
	}
	if len(g.services) != 0 || len(g.hosts) != 0 {
		t.Fatal("maps not cleared")
	}
}

func TestCoalesceHost(t *testing.T) {
	g := newTestRegistry()
	addr := netip.MustParseAddr("2001:db8::1")
	var order []string
	g.addHostRegistration(&HostRegistration{
		Name: "gw", Addr: addr,
		cb: func(error) { order = append(order, "cb1") },
	})

	if ok := g.coalesceHost("gw", addr, func(error) { order = append(order, "cb2") }); ok {
		t.Fatal("identical pending host publish must not proceed")
	}
	g.completeHost("gw", nil)
	if len(order) != 2 || order[0] != "cb1" {
		t.Fatalf("order %v", order)
	}

	// differing address supersedes
	var aborted error
	g.addHostRegistration(&HostRegistration{
		Name: "gw2", Addr: addr,
		cb: func(err error) { aborted = err },
	})
	if ok := g.coalesceHost("gw2", netip.MustParseAddr("2001:db8::2"), func(error) {}); !ok {
		t.Fatal("differing host publish must proceed")
	}
	if !errors.Is(aborted, ErrAborted) {
		t.Fatalf("aborted=%v", aborted)
	}
}

func TestSubscriptionFanout(t *testing.T) {
	g := newTestRegistry()
	var seen []uint64
	id1 := g.AddSubscriptionCallbacks(func(string, DiscoveredInstanceInfo) { seen = append(seen, 1) }, nil)
	id2 := g.AddSubscriptionCallbacks(func(string, DiscoveredInstanceInfo) { seen = append(seen, 2) }, nil)
	if id1 == 0 || id2 <= id1 {
		t.Fatalf("ids %d %d", id1, id2)
	}

	g.notifyInstance(testType, DiscoveredInstanceInfo{Name: "x"})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("fanout %v", seen)
	}

	g.RemoveSubscriptionCallbacks(id1)
	seen = nil
	g.notifyInstance(testType, DiscoveredInstanceInfo{Name: "y"})
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("fanout after remove %v", seen)
	}
	g.RemoveSubscriptionCallbacks(id1) // double remove is a no-op
}

func TestStateCallback(t *testing.T) {
	var states []State
	g := &registry{}
	g.init(func(s State) { states = append(states, s) })
	g.setState(StateReady)
	g.setState(StateReady) // no transition
	g.setState(StateIdle)
	if len(states) != 2 || states[0] != StateReady || states[1] != StateIdle {
		t.Fatalf("states %v", states)
	}
}

func TestTxtCanonicalEquality(t *testing.T) {
	a := xdns.SortTxtList(xdns.TxtList{{Name: "b", Value: []byte("2")}, {Name: "a", Value: []byte("1")}})
	b := xdns.SortTxtList(xdns.TxtList{{Name: "a", Value: []byte("1")}, {Name: "b", Value: []byte("2")}})
	r := &ServiceRegistration{Name: "n", Type: testType, Txt: a}
	if r.outdated("", "n", testType, nil, 0, b) {
		t.Fatal("same txt in different arrival order must compare equal")
	}
}
