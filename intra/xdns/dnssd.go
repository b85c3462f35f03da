// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xdns has small DNS and DNS-SD helpers shared by the mdns
// publisher and the srpl controller.
package xdns

import (
	"bytes"
	"errors"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

const (
	// Domain is the mDNS domain.
	Domain = "local"
	// maximum length of one encoded TXT entry (RFC 6763 sec 6.1)
	maxTxtEntrySize = 254
)

var (
	ErrTxtTooLong = errors.New("txt entry too long")
	ErrTxtBad     = errors.New("malformed txt data")
)

// TxtEntry is one key[=value] attribute of a TXT record.
type TxtEntry struct {
	Name  string
	Value []byte
}

type TxtList []TxtEntry

type SubTypeList []string

// ServiceFullName returns "<instance>.<type>.local." as a fqdn.
func ServiceFullName(instance, stype string) string {
	return dns.Fqdn(instance + "." + TrimDot(stype) + "." + Domain)
}

// HostFullName returns "<name>.local." as a fqdn.
func HostFullName(name string) string {
	return dns.Fqdn(TrimDot(name) + "." + Domain)
}

// TrimDot removes any trailing dot.
func TrimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

// TypeEqual compares service types ignoring case and trailing dots.
func TypeEqual(a, b string) bool {
	return dns.CanonicalName(dns.Fqdn(TrimDot(a))) == dns.CanonicalName(dns.Fqdn(TrimDot(b)))
}

// NameEqual compares dns labels ignoring case.
func NameEqual(a, b string) bool {
	return strings.EqualFold(TrimDot(a), TrimDot(b))
}

// TrimLocal removes a trailing ".local." from a name, if present.
func TrimLocal(s string) string {
	s = TrimDot(s)
	if n := strings.ToLower(s); strings.HasSuffix(n, "."+Domain) {
		return s[:len(s)-len(Domain)-1]
	}
	return s
}

// SortTxtList returns a copy of l ordered by entry name.
func SortTxtList(l TxtList) TxtList {
	out := make(TxtList, len(l))
	copy(out, l)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SortSubTypeList returns a sorted copy of l.
func SortSubTypeList(l SubTypeList) SubTypeList {
	out := make(SubTypeList, len(l))
	copy(out, l)
	sort.Strings(out)
	return out
}

// TxtEqual reports whether two canonically sorted TXT lists are equal.
func TxtEqual(a, b TxtList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// SubTypesEqual reports whether two sorted subtype lists are equal.
func SubTypesEqual(a, b SubTypeList) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EncodeTxtData encodes l as RFC 6763 length-prefixed entries.
func EncodeTxtData(l TxtList) ([]byte, error) {
	var out []byte
	for _, e := range l {
		n := len(e.Name) + 1 + len(e.Value)
		if n > maxTxtEntrySize {
			return nil, ErrTxtTooLong
		}
		out = append(out, byte(n))
		out = append(out, e.Name...)
		out = append(out, '=')
		out = append(out, e.Value...)
	}
	return out, nil
}

// DecodeTxtData decodes RFC 6763 length-prefixed entries. Entries
// without '=' decode to a name with a nil value.
func DecodeTxtData(b []byte) (TxtList, error) {
	var out TxtList
	for len(b) > 0 {
		n := int(b[0])
		b = b[1:]
		if n > len(b) {
			return nil, ErrTxtBad
		}
		entry := b[:n]
		b = b[n:]
		if n == 0 {
			continue
		}
		if i := bytes.IndexByte(entry, '='); i >= 0 {
			v := make([]byte, n-i-1)
			copy(v, entry[i+1:])
			out = append(out, TxtEntry{Name: string(entry[:i]), Value: v})
		} else {
			out = append(out, TxtEntry{Name: string(entry)})
		}
	}
	return out, nil
}

// TxtToStrings renders l as "k=v" strings, the shape dns-sd libraries
// and the zeroconf wire take.
func TxtToStrings(l TxtList) []string {
	out := make([]string, 0, len(l))
	for _, e := range l {
		out = append(out, e.Name+"="+string(e.Value))
	}
	return out
}

// TxtToMap renders l as a k→v map; later duplicates win.
func TxtToMap(l TxtList) map[string]string {
	out := make(map[string]string, len(l))
	for _, e := range l {
		out[e.Name] = string(e.Value)
	}
	return out
}

// TxtFromMap builds a TxtList from a k→v map.
func TxtFromMap(m map[string]string) TxtList {
	out := make(TxtList, 0, len(m))
	for k, v := range m {
		out = append(out, TxtEntry{Name: k, Value: []byte(v)})
	}
	return SortTxtList(out)
}
