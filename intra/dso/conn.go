// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dso

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/celzero/srpl/intra/core"
	"github.com/celzero/srpl/intra/log"
	"golang.org/x/sys/unix"
)

type connState int

const (
	stateIdle connState = iota
	stateConnected
	stateClosed
)

// conn is one non-blocking TCP endpoint owned by the Agent.
//
// While connected, either fewer than two length-prefix bytes have been
// collected and no message is pending, or the prefix is consumed and
// pending is being filled with want bytes outstanding.
type conn struct {
	id   Handle
	host Host
	peer netip.AddrPort

	fd    int
	state connState

	lenbuf  [2]byte
	lenn    int
	pending Message // nil unless a body is being reassembled
	want    int     // bytes remaining to complete pending

	rbuf [2048]byte
}

func newConn(id Handle, host Host) *conn {
	return &conn{id: id, host: host, fd: core.InvalidFd}
}

// adopt takes ownership of an accepted, already non-blocking fd.
func (c *conn) adopt(fd int, peer netip.AddrPort) {
	c.fd = fd
	c.peer = peer
	c.state = stateConnected
}

// connect dials peer, switches the socket to non-blocking mode and
// delivers the connected upcall before returning. On failure the conn
// stays idle.
func (c *conn) connect(peer netip.AddrPort) error {
	if c.state == stateConnected {
		return errAlreadyConnected
	}
	if c.state == stateClosed {
		return errNotConnected
	}
	if !peer.Addr().Is6() || peer.Addr().Is4In6() {
		return errNotIP6
	}

	sa := &unix.SockaddrInet6{Port: int(peer.Port()), Addr: peer.Addr().As16()}
	if z := peer.Addr().Zone(); len(z) > 0 {
		if ifi, err := net.InterfaceByName(z); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: socket: %v", ErrTransportFailed, err)
	}
	for {
		err = unix.Connect(fd, sa)
		if !core.IsEINTR(err) {
			break
		}
	}
	if err != nil {
		core.CloseFd(&fd)
		log.W("dso: conn %d: connect %s: %v", c.id, peer, err)
		return fmt.Errorf("%w: connect %s: %v", ErrTransportFailed, peer, err)
	}
	if err = core.Nonblock(fd); err != nil {
		core.CloseFd(&fd)
		return fmt.Errorf("%w: nonblock: %v", ErrTransportFailed, err)
	}

	c.fd = fd
	c.peer = peer
	c.state = stateConnected
	log.I("dso: conn %d: connected to %s", c.id, peer)
	c.host.HandleConnected(c.id)
	return nil
}

// send writes the 2-byte length prefix and the entire payload of m.
// Best-effort and unqueued: a would-block mid-message is a transport
// fault. m is not freed here; the Agent frees it after handling.
func (c *conn) send(m Message) error {
	if c.state != stateConnected {
		return errNotConnected
	}
	n := m.Len()
	if n <= 0 || n > 0xffff {
		return errMsgTooLong
	}

	buf := make([]byte, 2+n)
	binary.BigEndian.PutUint16(buf, uint16(n))
	if got := m.Read(0, buf[2:]); got != n {
		return fmt.Errorf("%w: short message read: %d != %d", ErrTransportFailed, got, n)
	}

	for off := 0; off < len(buf); {
		w, err := unix.Write(c.fd, buf[off:])
		if core.IsEINTR(err) {
			continue
		}
		if err != nil {
			log.W("dso: conn %d: send %d bytes to %s: %v", c.id, len(buf), c.peer, err)
			return fmt.Errorf("%w: send: %v", ErrTransportFailed, err)
		}
		off += w
	}
	log.V("dso: conn %d: sent %d bytes", c.id, len(buf))
	return nil
}

// recv drains the socket until it would block. Returns nil on a clean
// would-block; any other outcome is fatal to the connection and is
// reported to the Agent for teardown.
func (c *conn) recv() error {
	for c.state == stateConnected {
		n, err := unix.Read(c.fd, c.rbuf[:])
		if core.IsEINTR(err) {
			continue
		}
		if core.IsWouldBlock(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: recv: %v", ErrTransportFailed, err)
		}
		if n == 0 {
			return errEOF
		}
		if err = c.ingest(c.rbuf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// ingest runs b through the framing state machine, delivering every
// completed message. A single call may complete several messages.
func (c *conn) ingest(b []byte) error {
	for len(b) > 0 {
		if c.pending == nil {
			take := min(2-c.lenn, len(b))
			copy(c.lenbuf[c.lenn:], b[:take])
			c.lenn += take
			b = b[take:]
			if c.lenn < 2 {
				return nil // wait for the rest of the prefix
			}
			size := int(binary.BigEndian.Uint16(c.lenbuf[:]))
			c.lenn = 0
			if size == 0 {
				return errZeroLenFrame
			}
			c.pending = c.host.NewMessage()
			c.want = size
			continue
		}

		take := min(c.want, len(b))
		if err := c.pending.Append(b[:take]); err != nil {
			return fmt.Errorf("%w: append: %v", ErrTransportFailed, err)
		}
		c.want -= take
		b = b[take:]
		if c.want == 0 {
			m := c.pending
			c.pending = nil
			log.V("dso: conn %d: rcv message of %d bytes", c.id, m.Len())
			c.host.HandleReceive(c.id, m)
			// the upcall may have disconnected this conn
			if c.state != stateConnected {
				return nil
			}
		}
	}
	return nil
}

// close releases the socket; ForciblyAbort arms zero-linger first so
// the peer sees a RST. Any half-reassembled inbound message is dropped.
func (c *conn) close(mode DisconnectMode) {
	if c.state == stateClosed {
		return
	}
	if c.fd != core.InvalidFd {
		if mode == ForciblyAbort {
			if err := core.LingerZero(c.fd); err != nil {
				log.D("dso: conn %d: linger0: %v", c.id, err)
			}
		}
		core.CloseFd(&c.fd)
	}
	if c.pending != nil {
		c.pending.Free()
		c.pending = nil
	}
	c.lenn = 0
	c.want = 0
	c.state = stateClosed
}
