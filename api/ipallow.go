package api

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
)

// IPAllowlist gates HTTP access to the metrics endpoint. Entries are exact
// addresses or CIDR ranges, v4 and v6. An empty allowlist denies every
// source: exposing queue metrics is always an explicit decision.
type IPAllowlist struct {
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

// NewIPAllowlist parses the given entries. Each entry is either an address
// ("127.0.0.1", "::1") or a CIDR range ("10.0.0.0/8", "fd00::/8").
func NewIPAllowlist(entries []string) (*IPAllowlist, error) {
	l := &IPAllowlist{}
	for _, e := range entries {
		if prefix, err := netip.ParsePrefix(e); err == nil {
			l.prefixes = append(l.prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("balanced/api: allowlist entry %q: %w", e, err)
		}
		l.addrs = append(l.addrs, addr.Unmap())
	}
	return l, nil
}

// Allowed reports whether the remote address may pass.
func (l *IPAllowlist) Allowed(remote netip.Addr) bool {
	remote = remote.Unmap()
	for _, a := range l.addrs {
		if a == remote {
			return true
		}
	}
	for _, p := range l.prefixes {
		if p.Contains(remote) {
			return true
		}
	}
	return false
}

// Middleware wraps a handler, answering 403 for sources not on the list.
func (l *IPAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// RemoteAddr without a port, e.g. in tests.
			host = r.RemoteAddr
		}
		addr, err := netip.ParseAddr(host)
		if err != nil || !l.Allowed(addr) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
