// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xdns

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTxtRoundtrip(t *testing.T) {
	in := TxtList{
		{Name: "xp", Value: []byte{0x01, 0x02}},
		{Name: "dn", Value: []byte("gw")},
		{Name: "flag", Value: nil},
	}
	enc, err := EncodeTxtData(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeTxtData(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("want %d entries, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].Name != in[i].Name || !bytes.Equal(out[i].Value, in[i].Value) {
			t.Errorf("entry %d: got %q=%q", i, out[i].Name, out[i].Value)
		}
	}
}

func TestTxtEntryTooLong(t *testing.T) {
	in := TxtList{{Name: "k", Value: []byte(strings.Repeat("v", 260))}}
	if _, err := EncodeTxtData(in); !errors.Is(err, ErrTxtTooLong) {
		t.Fatalf("want ErrTxtTooLong, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := DecodeTxtData([]byte{5, 'a', '='}); !errors.Is(err, ErrTxtBad) {
		t.Fatalf("want ErrTxtBad, got %v", err)
	}
}

func TestDecodeNoEquals(t *testing.T) {
	out, err := DecodeTxtData([]byte{3, 'k', 'e', 'y'})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "key" || out[0].Value != nil {
		t.Fatalf("got %+v", out)
	}
}

func TestSortTxtList(t *testing.T) {
	l := TxtList{{Name: "b"}, {Name: "a"}, {Name: "c"}}
	s := SortTxtList(l)
	if s[0].Name != "a" || s[1].Name != "b" || s[2].Name != "c" {
		t.Fatalf("not sorted: %+v", s)
	}
	if l[0].Name != "b" {
		t.Fatal("input mutated")
	}
}

func TestTypeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		eq   bool
	}{
		{"_srpl-tls._tcp", "_srpl-tls._tcp.", true},
		{"_srpl-tls._tcp", "_SRPL-TLS._TCP", true},
		{"_srpl-tls._tcp", "_srpl._tcp", false},
	}
	for _, c := range cases {
		if got := TypeEqual(c.a, c.b); got != c.eq {
			t.Errorf("TypeEqual(%q, %q) = %t", c.a, c.b, got)
		}
	}
}

func TestFullNames(t *testing.T) {
	if got := ServiceFullName("srpl(42)", "_srpl-tls._tcp"); got != "srpl(42)._srpl-tls._tcp.local." {
		t.Errorf("service full name: %q", got)
	}
	if got := HostFullName("gw"); got != "gw.local." {
		t.Errorf("host full name: %q", got)
	}
	if got := TrimLocal("gw.Local."); got != "gw" {
		t.Errorf("trim local: %q", got)
	}
}
