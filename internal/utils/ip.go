package utils

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPAllowList matches addresses against a fixed set of CIDR blocks.
type IPAllowList struct {
	prefixes []netip.Prefix
}

// NewIPAllowList parses cidrs; a bare address is treated as a single host.
func NewIPAllowList(cidrs []string) (*IPAllowList, error) {
	l := &IPAllowList{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", raw, err)
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", raw, err)
		}
		l.prefixes = append(l.prefixes, p.Masked())
	}
	return l, nil
}

// Contains checks if the IP address enters one of the allowed subnetworks.
func (l *IPAllowList) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *IPAllowList) Len() int {
	return len(l.prefixes)
}
