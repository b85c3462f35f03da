// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dso

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/celzero/srpl/intra/core"
	"github.com/celzero/srpl/intra/log"
	"github.com/celzero/srpl/intra/mainloop"
	"github.com/celzero/srpl/intra/settings"
	"golang.org/x/sys/unix"
)

// Agent owns the DSO listening socket and every conn, and exposes the
// platform API consumed by the Host. It must only be driven from the
// mainloop goroutine.
type Agent struct {
	host      Host
	lfd       int
	listening bool
	conns     map[Handle]*conn
}

var _ mainloop.Processor = (*Agent)(nil)

func NewAgent(host Host) *Agent {
	return &Agent{
		host:  host,
		lfd:   core.InvalidFd,
		conns: make(map[Handle]*conn),
	}
}

// EnableListening opens or closes the listening socket; idempotent.
// Disabling also drops every conn, forcibly and silently. Setup errors
// leave listening disabled; no retry is attempted here.
func (t *Agent) EnableListening(on bool) error {
	if on == t.listening {
		return nil
	}
	if !on {
		log.I("dso: listening disabled; dropping %d conns", len(t.conns))
		core.CloseFd(&t.lfd)
		t.listening = false
		for id, c := range t.conns {
			c.close(ForciblyAbort)
			delete(t.conns, id)
		}
		return nil
	}

	ifname := settings.InfraNetif()
	port := settings.DsoPort()

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("dso: listen socket: %w", err)
	}
	defer func() {
		if err != nil {
			core.CloseFd(&fd)
		}
	}()

	if err = core.ReusePort(fd); err != nil {
		return fmt.Errorf("dso: reuseport: %w", err)
	}
	if err = core.BindToDevice(fd, ifname); err != nil {
		return fmt.Errorf("dso: bind to %q: %w", ifname, err)
	}
	if err = unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		return fmt.Errorf("dso: bind [::]:%d: %w", port, err)
	}
	if err = unix.Listen(fd, settings.DsoBacklog); err != nil {
		return fmt.Errorf("dso: listen: %w", err)
	}

	t.lfd = fd
	t.listening = true
	log.I("dso: listening on [::]:%d iface %q", port, ifname)
	return nil
}

func (t *Agent) Listening() bool {
	return t.listening
}

// ListenAddr returns the bound listening address, or the zero value.
func (t *Agent) ListenAddr() netip.AddrPort {
	if !t.listening {
		return netip.AddrPort{}
	}
	sa, err := unix.Getsockname(t.lfd)
	if err != nil {
		return netip.AddrPort{}
	}
	if sa6, ok := sa.(*unix.SockaddrInet6); ok {
		return netip.AddrPortFrom(netip.AddrFrom16(sa6.Addr), uint16(sa6.Port))
	}
	return netip.AddrPort{}
}

// Connect finds or creates the conn for id and dials peer. The
// connected upcall is delivered before Connect returns.
func (t *Agent) Connect(id Handle, peer netip.AddrPort) error {
	c := t.conns[id]
	if c == nil {
		c = newConn(id, t.host)
		t.conns[id] = c
	}
	err := c.connect(peer)
	if err != nil && !errors.Is(err, errAlreadyConnected) {
		// stays idle in the map; the Host may retry or disconnect
		log.W("dso: conn %d: connect failed: %v", id, err)
	}
	return err
}

// Send writes m on id's conn, then frees m regardless of outcome.
// A transport fault tears the conn down and notifies the Host.
func (t *Agent) Send(id Handle, m Message) {
	defer m.Free()

	c := t.conns[id]
	if c == nil {
		log.D("dso: send: no conn %d", id)
		return
	}
	if err := c.send(m); err != nil {
		if errors.Is(err, errNotConnected) || errors.Is(err, errMsgTooLong) {
			// nothing reached the socket; the conn is still usable
			log.D("dso: send: conn %d: %v", id, err)
			return
		}
		t.teardown(id, c, ForciblyAbort)
	}
}

// Disconnect releases id's conn; a no-op for unknown handles. Being
// Host-initiated, it never raises the disconnected upcall.
func (t *Agent) Disconnect(id Handle, mode DisconnectMode) {
	c := t.conns[id]
	if c == nil {
		return
	}
	log.I("dso: conn %d: disconnect (%s)", id, mode)
	c.close(mode)
	delete(t.conns, id)
}

// Update contributes the listening fd and every connected fd.
func (t *Agent) Update(c *mainloop.Context) {
	if t.listening {
		c.AddRead(t.lfd)
	}
	for _, cc := range t.conns {
		if cc.state == stateConnected {
			c.AddRead(cc.fd)
		}
	}
}

// Process drains every readable conn, then accepts pending incoming
// connections. Conns are snapshotted first: an upcall is free to
// disconnect any entry, including its own, mid-iteration.
func (t *Agent) Process(c *mainloop.Context) {
	snapshot := make([]*conn, 0, len(t.conns))
	for _, cc := range t.conns {
		snapshot = append(snapshot, cc)
	}
	for _, cc := range snapshot {
		if cc.state != stateConnected || !c.ReadReady(cc.fd) {
			continue
		}
		if err := cc.recv(); err != nil {
			mode := ForciblyAbort
			if errors.Is(err, errEOF) {
				mode = GracefullyClose
			}
			log.I("dso: conn %d: %v; tearing down (%s)", cc.id, err, mode)
			t.teardown(cc.id, cc, mode)
		}
	}

	if t.listening && c.ReadReady(t.lfd) {
		t.acceptAll()
	}
}

// teardown closes a faulted conn and notifies the Host; transport
// detected, so the disconnected upcall is due.
func (t *Agent) teardown(id Handle, c *conn, mode DisconnectMode) {
	c.close(mode)
	delete(t.conns, id)
	t.host.HandleDisconnected(id, mode)
}

// acceptAll accepts until the listening socket would block. IPv6 peers
// only; the Host may veto any acceptance by returning ok=false.
func (t *Agent) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(t.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if core.IsEINTR(err) {
			continue
		}
		if core.IsWouldBlock(err) {
			return
		}
		if err != nil {
			log.W("dso: accept: %v", err)
			return
		}

		sa6, ok := sa.(*unix.SockaddrInet6)
		if !ok {
			log.W("dso: accept: non-ipv6 peer dropped")
			_ = unix.Close(nfd)
			continue
		}
		ip := netip.AddrFrom16(sa6.Addr)
		if ip.Is4In6() {
			log.W("dso: accept: v4-mapped peer %s dropped", ip)
			_ = unix.Close(nfd)
			continue
		}
		peer := netip.AddrPortFrom(ip, uint16(sa6.Port))

		id, ok := t.host.Accept(peer)
		if !ok {
			log.I("dso: accept: host rejected %s", peer)
			_ = unix.Close(nfd)
			continue
		}
		if _, dup := t.conns[id]; dup {
			log.E("dso: accept: handle %d already in use; dropping %s", id, peer)
			_ = unix.Close(nfd)
			continue
		}

		cc := newConn(id, t.host)
		cc.adopt(nfd, peer)
		t.conns[id] = cc
		log.I("dso: conn %d: accepted from %s", id, peer)
		t.host.HandleConnected(id)
	}
}
