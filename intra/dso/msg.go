// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dso

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/miekg/dns"
)

// OpcodeDSO is the DNS Stateful Operations opcode (RFC 8490).
const OpcodeDSO = 6

// DSO TLV types.
const (
	TlvKeepAlive         uint16 = 1
	TlvRetryDelay        uint16 = 2
	TlvEncryptionPadding uint16 = 3
)

var (
	errShortDsoMsg = errors.New("dso: message too short")
	errBadTlv      = errors.New("dso: malformed tlv")
)

// BytesMessage is a Message backed by a byte slice; the allocator most
// hosts and all tests use.
type BytesMessage struct {
	b []byte
}

var _ Message = (*BytesMessage)(nil)

func NewBytesMessage(b []byte) *BytesMessage {
	return &BytesMessage{b: b}
}

func (m *BytesMessage) Len() int {
	return len(m.b)
}

func (m *BytesMessage) Read(off int, dst []byte) int {
	if off < 0 || off >= len(m.b) {
		return 0
	}
	return copy(dst, m.b[off:])
}

func (m *BytesMessage) Append(b []byte) error {
	if len(m.b)+len(b) > 0xffff {
		return errMsgTooLong
	}
	m.b = append(m.b, b...)
	return nil
}

func (m *BytesMessage) Free() {
	m.b = nil
}

// Bytes returns the backing payload.
func (m *BytesMessage) Bytes() []byte {
	return m.b
}

// Tlv is one DSO type-length-value item.
type Tlv struct {
	Type uint16
	Data []byte
}

// PackDsoMessage builds a DSO message: a 12-byte DNS header with the
// DSO opcode and zero counts, followed by the given TLVs. id zero asks
// for a random one.
func PackDsoMessage(id uint16, tlvs ...Tlv) ([]byte, error) {
	if id == 0 {
		id = dns.Id()
	}
	h := new(dns.Msg)
	h.Id = id
	h.Opcode = OpcodeDSO
	wire, err := h.Pack()
	if err != nil {
		return nil, err
	}
	for _, t := range tlvs {
		if len(t.Data) > 0xffff {
			return nil, errBadTlv
		}
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:], t.Type)
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(t.Data)))
		wire = append(wire, hdr[:]...)
		wire = append(wire, t.Data...)
	}
	if len(wire) > 0xffff {
		return nil, errMsgTooLong
	}
	return wire, nil
}

// UnpackDsoMessage splits a DSO wire message into its id and TLVs.
func UnpackDsoMessage(wire []byte) (id uint16, tlvs []Tlv, err error) {
	if len(wire) < 12 {
		return 0, nil, errShortDsoMsg
	}
	id = binary.BigEndian.Uint16(wire)
	if op := int(wire[2]>>3) & 0xf; op != OpcodeDSO {
		return 0, nil, errBadTlv
	}
	b := wire[12:]
	for len(b) > 0 {
		if len(b) < 4 {
			return 0, nil, errBadTlv
		}
		t := binary.BigEndian.Uint16(b)
		n := int(binary.BigEndian.Uint16(b[2:]))
		b = b[4:]
		if n > len(b) {
			return 0, nil, errBadTlv
		}
		tlvs = append(tlvs, Tlv{Type: t, Data: b[:n]})
		b = b[n:]
	}
	return id, tlvs, nil
}

// KeepAliveTlv encodes the inactivity and keepalive intervals in
// milliseconds per RFC 8490 sec 7.1.
func KeepAliveTlv(inactivity, keepalive time.Duration) Tlv {
	var d [8]byte
	binary.BigEndian.PutUint32(d[0:], uint32(inactivity.Milliseconds()))
	binary.BigEndian.PutUint32(d[4:], uint32(keepalive.Milliseconds()))
	return Tlv{Type: TlvKeepAlive, Data: d[:]}
}
