// Package clientip resolves the address a request really came from when
// the service sits behind reverse proxies.
package clientip

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Proxies is the set of peers allowed to report the client address through
// forwarding headers. The zero value trusts nobody.
type Proxies []netip.Prefix

// ParseProxies accepts single addresses ("10.0.0.1") and CIDR ranges
// ("10.0.0.0/8").
func ParseProxies(entries []string) (Proxies, error) {
	out := make(Proxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Trusts reports whether host is one of the configured proxies.
func (p Proxies) Trusts(host string) bool {
	if len(p) == 0 {
		return false
	}
	a, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, pfx := range p {
		if pfx.Contains(a) {
			return true
		}
	}
	return false
}

// Resolve returns the client address for a connection from peer carrying
// the given X-Forwarded-For and X-Real-IP values. Headers are only read when
// peer is trusted; the forwarded chain is walked right to left and the first
// hop that is not itself a trusted proxy wins.
func (p Proxies) Resolve(peer, forwardedFor, realIP string) string {
	host := Host(peer)
	if !p.Trusts(host) {
		return host
	}

	if forwardedFor != "" {
		hops := strings.Split(forwardedFor, ",")
		leftmost := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !p.Trusts(hop) {
				return hop
			}
			leftmost = hop
		}
		if leftmost != "" {
			return leftmost
		}
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	return host
}

// Host strips the port from a "host:port" address. Addresses without a port
// are returned unchanged.
func Host(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
