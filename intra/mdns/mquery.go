// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mdns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/celzero/srpl/intra/log"
	"github.com/miekg/dns"
	"golang.org/x/net/ipv6"
)

var mcast6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}

var errNoMulticastIf = errors.New("mdns: no multicast-capable interface")

// queryAAAA sends one mDNS AAAA question for host (a fqdn) out every
// multicast-capable interface and reads answers until the first response
// that carries a matching AAAA record, or until the timeout.
func queryAAAA(ctx context.Context, host string, timeout time.Duration) ([]netip.Addr, uint32, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	pc := ipv6.NewPacketConn(conn)
	_ = pc.SetMulticastHopLimit(255)

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	q.RecursionDesired = false
	wire, err := q.Pack()
	if err != nil {
		return nil, 0, err
	}

	sent := 0
	ifs, _ := net.Interfaces()
	for i := range ifs {
		ifi := &ifs[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			continue
		}
		if _, err := pc.WriteTo(wire, nil, mcast6); err == nil {
			sent++
		}
	}
	if sent <= 0 {
		return nil, 0, errNoMulticastIf
	}

	var addrs []netip.Addr
	var ttl uint32
	end := time.Now().Add(timeout)
	buf := make([]byte, 9000)
	for {
		if ctx.Err() != nil {
			break
		}
		if err := conn.SetReadDeadline(end); err != nil {
			break
		}
		n, _, rerr := conn.ReadFromUDP(buf)
		if rerr != nil {
			break // deadline or socket teardown
		}
		in := new(dns.Msg)
		if uerr := in.Unpack(buf[:n]); uerr != nil || !in.Response {
			continue
		}
		for _, rr := range in.Answer {
			aaaa, ok := rr.(*dns.AAAA)
			if !ok || dns.CanonicalName(aaaa.Hdr.Name) != dns.CanonicalName(host) {
				continue
			}
			if a, aok := netip.AddrFromSlice(aaaa.AAAA); aok && a.Is6() {
				addrs = append(addrs, a)
				ttl = aaaa.Hdr.Ttl
			}
		}
		if len(addrs) > 0 {
			break
		}
	}

	log.V("mdns: query %s: %d addrs", host, len(addrs))
	return addrs, ttl, nil
}
