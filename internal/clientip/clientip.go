// Package clientip decides which network address a request is attributed to.
//
// The address keys both the single-device lock and the per-client rate
// limiter, so the choice of strategy is a security decision: the default
// trusts only the direct peer, and forwarded headers are honoured only when
// explicitly configured.
package clientip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Source names a resolution strategy.
type Source string

const (
	// SourcePeer uses the TCP peer address and ignores forwarding headers.
	SourcePeer Source = "peer"
	// SourceForwarded takes the left-most X-Forwarded-For entry when present.
	// Any client can spoof it; use only behind a proxy that overwrites the header.
	SourceForwarded Source = "forwarded"
	// SourceTrusted walks X-Forwarded-For from the right, skipping configured
	// proxies, and only when the peer itself is a trusted proxy.
	SourceTrusted Source = "trusted"
)

// Resolver maps a request to a normalised client address.
type Resolver interface {
	Resolve(r *http.Request) string
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(r *http.Request) string

func (f ResolverFunc) Resolve(r *http.Request) string { return f(r) }

// Config selects and parameterises a strategy.
type Config struct {
	Source         Source
	TrustedProxies []string
}

// New builds the Resolver described by cfg.
func New(cfg Config) (Resolver, error) {
	switch Source(strings.ToLower(strings.TrimSpace(string(cfg.Source)))) {
	case "", SourcePeer:
		return ResolverFunc(PeerAddress), nil
	case SourceForwarded:
		return ResolverFunc(ForwardedAddress), nil
	case SourceTrusted:
		prefixes, err := ParsePrefixes(cfg.TrustedProxies)
		if err != nil {
			return nil, err
		}
		if len(prefixes) == 0 {
			return nil, fmt.Errorf("trusted client ip source requires at least one trusted proxy")
		}
		return trustedResolver{prefixes: prefixes}, nil
	default:
		return nil, fmt.Errorf("unsupported client ip source %q", cfg.Source)
	}
}

// PeerAddress returns the normalised direct peer address.
func PeerAddress(r *http.Request) string {
	return Normalize(hostOnly(r.RemoteAddr))
}

// ForwardedAddress returns the first X-Forwarded-For entry, falling back to the peer.
func ForwardedAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			first = xff[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return Normalize(first)
		}
	}
	return PeerAddress(r)
}

type trustedResolver struct {
	prefixes []netip.Prefix
}

func (t trustedResolver) Resolve(r *http.Request) string {
	peer := PeerAddress(r)
	if !t.trusted(peer) {
		return peer
	}
	hops := forwardedHops(r.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		hop := Normalize(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			continue
		}
		if !t.trusted(hop) {
			return hop
		}
	}
	if len(hops) > 0 {
		return Normalize(hops[0])
	}
	return peer
}

func (t trustedResolver) trusted(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, prefix := range t.prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// forwardedHops flattens every X-Forwarded-For header line into one hop list.
func forwardedHops(values []string) []string {
	var hops []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	return hops
}

// ParsePrefixes accepts CIDR blocks or bare IPs.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		ip = ip.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, nil
}

// Normalize canonicalises an address so equivalent spellings share one key:
// IPv4-mapped IPv6 is unmapped, zones are dropped, IPv6 is compressed and
// lower-cased. Values that are not IPs are returned trimmed.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	candidate := strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	ip, err := netip.ParseAddr(candidate)
	if err != nil {
		if host := hostOnly(addr); host != addr {
			return Normalize(host)
		}
		return addr
	}
	return ip.Unmap().WithZone("").String()
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
