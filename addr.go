// Package httpcloakproxy implements a local forward proxy: outbound proxy
// chaining (raw/HTTP CONNECT/SOCKS4/SOCKS5, TLS and ClientHello fragment
// layers), a DNS-over-HTTPS resolver with happy-eyeballs dialing, an HTTP
// forwarding engine and transparent TCP redirect bridges.
package httpcloakproxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// HostName is either an IPv4 address, an IPv6 address or a domain name.
type HostName struct {
	ip     net.IP // 4-byte or 16-byte form, nil when Domain is set
	domain string
}

// NewHostNameIP builds a HostName from a net.IP, folding IPv4-mapped IPv6
// addresses down to their 4-byte form the way net.IP.To4 does.
func NewHostNameIP(ip net.IP) HostName {
	if v4 := ip.To4(); v4 != nil {
		return HostName{ip: v4}
	}
	return HostName{ip: ip.To16()}
}

// NewHostNameDomain builds a HostName for a domain, applying IDNA
// normalization (ToASCII) as required of Domain hostnames.
func NewHostNameDomain(domain string) (HostName, error) {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return HostName{}, fmt.Errorf("addr: idna normalize %q: %w", domain, err)
	}
	return HostName{domain: ascii}, nil
}

// ParseHostName parses a bracketed-or-bare IP literal or domain name.
func ParseHostName(s string) (HostName, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	if ip := net.ParseIP(s); ip != nil {
		return NewHostNameIP(ip), nil
	}
	return NewHostNameDomain(s)
}

// IsV4 reports whether this hostname is an IPv4 literal.
func (h HostName) IsV4() bool { return h.ip != nil && len(h.ip) == net.IPv4len }

// IsV6 reports whether this hostname is an IPv6 literal.
func (h HostName) IsV6() bool { return h.ip != nil && len(h.ip) == net.IPv6len }

// IsDomain reports whether this hostname is a domain name.
func (h HostName) IsDomain() bool { return h.ip == nil }

// IsIPAddr reports whether this hostname is either IP variant.
func (h HostName) IsIPAddr() bool { return h.ip != nil }

// IP returns the IP address this hostname holds, or nil for a Domain.
func (h HostName) IP() net.IP { return h.ip }

// Domain returns the domain string this hostname holds, or "" for an IP.
func (h HostName) Domain() string { return h.domain }

// String renders the hostname: dotted-quad, unbracketed IPv6, or the domain.
func (h HostName) String() string {
	if h.ip != nil {
		return h.ip.String()
	}
	return h.domain
}

// StringURLStyle renders the hostname the way it must appear inside a URL
// authority or Host header: IPv6 literals get bracketed.
func (h HostName) StringURLStyle() string {
	if h.IsV6() {
		return "[" + h.ip.String() + "]"
	}
	return h.String()
}

// SocketAddr pairs a HostName with a port; the host may be an unresolved
// domain.
type SocketAddr struct {
	Hostname HostName
	Port     uint16
}

// NewSocketAddr builds a SocketAddr from its parts.
func NewSocketAddr(hostname HostName, port uint16) SocketAddr {
	return SocketAddr{Hostname: hostname, Port: port}
}

// SocketAddrFromNetAddr converts a resolved net.IP/port pair.
func SocketAddrFromNetAddr(ip net.IP, port uint16) SocketAddr {
	return SocketAddr{Hostname: NewHostNameIP(ip), Port: port}
}

// String renders "host:port", bracketing IPv6 hosts.
func (a SocketAddr) String() string {
	return a.Hostname.StringURLStyle() + ":" + strconv.Itoa(int(a.Port))
}

// ParseSocketAddr parses a literal "host:port" (IP or domain, bracketed v6
// supported) into a SocketAddr.
func ParseSocketAddr(s string) (SocketAddr, error) {
	hostname, port, err := ParseHostHeader(s)
	if err != nil {
		return SocketAddr{}, err
	}
	if port == nil {
		return SocketAddr{}, fmt.Errorf("addr: %q has no port", s)
	}
	return SocketAddr{Hostname: hostname, Port: *port}, nil
}

// ParseHostHeader splits an HTTP Host header (or bare authority) into a
// HostName and an optional port: split on the last colon outside of
// brackets.
func ParseHostHeader(host string) (HostName, *uint16, error) {
	hostPart := host
	var portPart string
	hasPort := false

	if strings.HasPrefix(host, "[") {
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return HostName{}, nil, fmt.Errorf("addr: unterminated IPv6 literal in %q", host)
		}
		hostPart = host[:end+1]
		rest := host[end+1:]
		if strings.HasPrefix(rest, ":") {
			portPart = rest[1:]
			hasPort = true
		} else if rest != "" {
			return HostName{}, nil, fmt.Errorf("addr: trailing garbage after %q", hostPart)
		}
	} else if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		hostPart = host[:idx]
		portPart = host[idx+1:]
		hasPort = true
	}

	hostname, err := ParseHostName(hostPart)
	if err != nil {
		return HostName{}, nil, err
	}

	if !hasPort {
		return hostname, nil, nil
	}
	port, err := strconv.ParseUint(portPart, 10, 16)
	if err != nil {
		return HostName{}, nil, fmt.Errorf("addr: invalid port %q: %w", portPart, err)
	}
	p := uint16(port)
	return hostname, &p, nil
}
