// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fakeip implements the lookup the Redir listener uses to
// recover a client's intended hostname from a connection that only
// carries a destination IP address. It is seeded from the same
// host-resolver-rules MAP directives used to steer an external DNS
// layer toward a configured synthetic subnet; this package only does
// the reverse lookup, not the forward DNS resolution itself.
package fakeip

import (
	"fmt"
	"net/netip"
	"sync"
)

// Rule is one "MAP from to" directive, where To is expected to fall
// inside the table's configured range.
type Rule struct {
	From string
	To   string
}

// Table maps synthetic IPs, scoped to a configured CIDR range, back to
// the hostname they were assigned to.
type Table struct {
	rng netip.Prefix

	mu     sync.RWMutex
	byAddr map[netip.Addr]string
}

// NewTable returns a Table scoped to rangeCIDR (e.g. "198.18.0.0/16").
// Addresses outside this range are never resolved by Lookup and should
// be passed through by the caller verbatim.
func NewTable(rangeCIDR string) (*Table, error) {
	if rangeCIDR == "" {
		return &Table{byAddr: make(map[netip.Addr]string)}, nil
	}
	prefix, err := netip.ParsePrefix(rangeCIDR)
	if err != nil {
		return nil, fmt.Errorf("fakeip: parsing resolver range %q: %w", rangeCIDR, err)
	}
	return &Table{rng: prefix, byAddr: make(map[netip.Addr]string)}, nil
}

// LoadRules seeds the table from a set of MAP directives, ignoring any
// whose target address falls outside the configured range.
func (t *Table) LoadRules(rules []Rule) error {
	for _, r := range rules {
		addr, err := netip.ParseAddr(r.To)
		if err != nil {
			return fmt.Errorf("fakeip: rule %q -> %q: invalid address: %w", r.From, r.To, err)
		}
		if t.rng.IsValid() && !t.rng.Contains(addr) {
			continue
		}
		t.Set(addr, r.From)
	}
	return nil
}

// Set records that addr was assigned to host.
func (t *Table) Set(addr netip.Addr, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAddr[addr] = host
}

// InRange reports whether addr falls within the table's configured
// synthetic subnet.
func (t *Table) InRange(addr netip.Addr) bool {
	if !t.rng.IsValid() {
		return false
	}
	return t.rng.Contains(addr)
}

// Lookup returns the hostname addr was assigned to, if any. Callers in
// Redir mode should use addr verbatim as the target when ok is false.
func (t *Table) Lookup(addr netip.Addr) (host string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host, ok = t.byAddr[addr]
	return host, ok
}
