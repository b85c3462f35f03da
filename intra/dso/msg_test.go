// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dso

import (
	"bytes"
	"testing"
	"time"
)

func TestDsoKeepAliveRoundtrip(t *testing.T) {
	wire, err := PackDsoMessage(0x1234, KeepAliveTlv(15*time.Second, 7*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	id, tlvs, err := UnpackDsoMessage(wire)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x1234 {
		t.Fatalf("id %x", id)
	}
	if len(tlvs) != 1 || tlvs[0].Type != TlvKeepAlive {
		t.Fatalf("tlvs %+v", tlvs)
	}
	want := []byte{0x00, 0x00, 0x3A, 0x98, 0x00, 0x00, 0x1B, 0x58}
	if !bytes.Equal(tlvs[0].Data, want) {
		t.Fatalf("keepalive data %x, want %x", tlvs[0].Data, want)
	}
}

func TestDsoRejectsNonDso(t *testing.T) {
	// a plain query header has opcode 0
	wire := make([]byte, 12)
	if _, _, err := UnpackDsoMessage(wire); err == nil {
		t.Fatal("opcode 0 accepted as dso")
	}
}

func TestDsoTruncatedTlv(t *testing.T) {
	wire, err := PackDsoMessage(1, Tlv{Type: TlvRetryDelay, Data: []byte{0, 0, 0, 5}})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err = UnpackDsoMessage(wire[:len(wire)-1]); err == nil {
		t.Fatal("truncated tlv accepted")
	}
}

func TestBytesMessage(t *testing.T) {
	m := NewBytesMessage(nil)
	if err := m.Append([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := m.Append([]byte("def")); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 6 {
		t.Fatalf("len %d", m.Len())
	}
	b := make([]byte, 4)
	if n := m.Read(2, b); n != 4 || string(b) != "cdef" {
		t.Fatalf("read %d %q", n, b)
	}
	m.Free()
	if m.Len() != 0 {
		t.Fatal("free did not drop payload")
	}
}
