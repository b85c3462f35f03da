// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package srpl announces this SRP replication server over DNS-SD and
// watches for its peers.
package srpl

import (
	"net/netip"

	"github.com/celzero/srpl/intra/log"
	"github.com/celzero/srpl/intra/mdns"
	"github.com/celzero/srpl/intra/xdns"
)

// ServiceType announces SRP replication peers.
const ServiceType = "_srpl-tls._tcp"

// Port is the SRPL DSO port.
const Port uint16 = 853

// PartnerInfo describes one discovered (or departed) SRPL peer.
type PartnerInfo struct {
	Removed bool
	Addr    netip.AddrPort
	Txt     []byte // RFC 6763 encoded
}

// Engine is the SRP replication state machine consuming peer events.
type Engine interface {
	HandleBrowseResult(info PartnerInfo)
}

// Dnssd drives the mdns publisher on behalf of the replication engine.
// All calls run on the mainloop goroutine.
type Dnssd struct {
	eng Engine
	pub mdns.Publisher

	instance string // backend-chosen instance name once registered
	subID    uint64 // non-zero while browsing
}

func NewDnssd(eng Engine, pub mdns.Publisher) *Dnssd {
	return &Dnssd{eng: eng, pub: pub}
}

// RegisterService publishes the SRPL instance with the given encoded
// TXT data; the backend picks (and may later rename) the instance
// name, which is cached for self-suppression.
func (s *Dnssd) RegisterService(txtData []byte) error {
	txt, err := xdns.DecodeTxtData(txtData)
	if err != nil {
		return err
	}
	log.I("srpl: publishing %s", ServiceType)
	s.pub.PublishService("", "", ServiceType, nil, Port, txt, func(err error) {
		if err != nil {
			log.W("srpl: publish %s: %v", ServiceType, err)
			return
		}
		if reg := s.pub.FindServiceRegistrationByType(ServiceType); reg != nil {
			s.instance = reg.Name
			log.I("srpl: instance name is %q", s.instance)
		}
	})
	return nil
}

// UnregisterService withdraws the published instance.
func (s *Dnssd) UnregisterService() {
	log.I("srpl: unpublishing %q", s.instance)
	s.pub.UnpublishService(s.instance, ServiceType, func(err error) {
		if err == nil {
			s.instance = ""
		}
	})
}

// IsBrowsing reports whether a peer browse is active.
func (s *Dnssd) IsBrowsing() bool { return s.subID != 0 }

// StartBrowse begins watching for SRPL peers; idempotent.
func (s *Dnssd) StartBrowse() {
	if s.IsBrowsing() {
		return
	}
	s.subID = s.pub.AddSubscriptionCallbacks(s.onInstanceResolved, nil)
	s.pub.SubscribeService(ServiceType, "")
	log.I("srpl: browsing for peers")
}

// StopBrowse reverses StartBrowse; a no-op when not browsing.
func (s *Dnssd) StopBrowse() {
	if !s.IsBrowsing() {
		return
	}
	s.pub.UnsubscribeService(ServiceType, "")
	s.pub.RemoveSubscriptionCallbacks(s.subID)
	s.subID = 0
	log.I("srpl: stopped browsing")
}

func (s *Dnssd) onInstanceResolved(stype string, info mdns.DiscoveredInstanceInfo) {
	if !s.IsBrowsing() {
		return
	}
	if !xdns.TypeEqual(stype, ServiceType) {
		return
	}
	if len(s.instance) > 0 && xdns.NameEqual(info.Name, s.instance) {
		return // that's us
	}

	pi := PartnerInfo{Removed: info.Removed}
	if !info.Removed {
		// the first address is taken as is; when a backend reports
		// several (the in-process responder can), none is preferred by scope
		if len(info.Addresses) <= 0 {
			log.D("srpl: peer %q resolved without addrs", info.Name)
			return
		}
		pi.Addr = netip.AddrPortFrom(info.Addresses[0], info.Port)
		pi.Txt = info.Txt
	}
	log.I("srpl: discovered peer %q (removed? %t)", info.Name, info.Removed)
	s.eng.HandleBrowseResult(pi)
}
