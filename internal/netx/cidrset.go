// Package netx holds the trusted proxy set used to resolve client addresses.
package netx

import (
	"fmt"
	"net/netip"
	"strings"
)

type CIDRSet struct {
	prefixes []netip.Prefix
}

// ParseCIDRSet accepts CIDRs and bare addresses, which become host prefixes.
func ParseCIDRSet(items []string) (*CIDRSet, error) {
	set := &CIDRSet{}
	for _, raw := range items {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("invalid ip %q: %w", s, err)
			}
			addr = addr.Unmap()
			set.prefixes = append(set.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		set.prefixes = append(set.prefixes, p.Masked())
	}
	return set, nil
}

func (s *CIDRSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

func (s *CIDRSet) Contains(addr netip.Addr) bool {
	if s.Len() == 0 || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
