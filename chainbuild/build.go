// Package chainbuild turns a loaded Config's proxy descriptor list into
// a ready outbound.ProxyOutBound stack. It is split out from cmd so the
// "[layer+...+]base" descriptor grammar has its own unit-testable home;
// it necessarily imports both outbound and outbound/layer, which neither
// of those packages may import back.
package chainbuild

import (
	"fmt"
	"strings"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
	"github.com/sardanioss/httpcloak-proxy/outbound/layer"
)

// BuildStack turns the configured proxy list into a ChainTail-ready
// stack. Protocol strings are "[layer+...+]base" (base one of http,
// socks4, socks5; layer only tls),
// parsed left-to-right and pushed onto the stack in that order — so the
// last-pushed element of one descriptor wraps everything pushed before
// it, which is exactly the inner-to-outer composition ChainTail.Next
// expects when walked tail-to-head. The synthetic Raw terminator is
// always stack[0].
func BuildStack(proxies []root.ProxyConfig) ([]outbound.ProxyOutBound, error) {
	stack := []outbound.ProxyOutBound{outbound.NewRaw()}
	for _, p := range proxies {
		built, err := buildDescriptor(p)
		if err != nil {
			return nil, err
		}
		stack = append(stack, built...)
	}
	return stack, nil
}

// HasTLSLayer reports whether any configured descriptor reaches its proxy
// over a "tls" layer — the condition under which ClientHello fragmentation
// defaults on when the fragment config value neither forces it on nor off.
func HasTLSLayer(proxies []root.ProxyConfig) bool {
	for _, p := range proxies {
		tokens := strings.Split(p.Protocol, "+")
		for _, l := range tokens[:len(tokens)-1] {
			if l == "tls" {
				return true
			}
		}
	}
	return false
}

// buildDescriptor parses one "[layer+...+]base" protocol string into the
// ordered list of hops it contributes to the stack.
func buildDescriptor(p root.ProxyConfig) ([]outbound.ProxyOutBound, error) {
	tokens := strings.Split(p.Protocol, "+")
	if len(tokens) == 0 || tokens[len(tokens)-1] == "" {
		return nil, fmt.Errorf("chainbuild: empty protocol descriptor %q", p.Protocol)
	}

	base := tokens[len(tokens)-1]
	layers := tokens[:len(tokens)-1]

	// Layers are pushed first (lower stack index, reached only once the
	// base pops them from the tail), base last (highest index, the
	// outermost hop for this descriptor) — so e.g. "tls+socks5" wraps the
	// connection to the SOCKS5 server itself in TLS, not the connection
	// the SOCKS5 server makes onward.
	var hops []outbound.ProxyOutBound
	for _, l := range layers {
		switch l {
		case "tls":
			hops = append(hops, outbound.AsProxyOutBound(layer.NewTLSClient()))
		default:
			return nil, fmt.Errorf("chainbuild: unknown layer %q in descriptor %q", l, p.Protocol)
		}
	}

	switch base {
	case "http":
		h, err := outbound.NewHTTPProxy(p.Server, p.User, p.Password)
		if err != nil {
			return nil, err
		}
		hops = append(hops, h)
	case "socks4":
		h, err := outbound.NewSocks4Proxy(p.Server, p.User, p.Password)
		if err != nil {
			return nil, err
		}
		hops = append(hops, h)
	case "socks5":
		h, err := outbound.NewSocks5Proxy(p.Server, p.User, p.Password)
		if err != nil {
			return nil, err
		}
		hops = append(hops, h)
	default:
		return nil, fmt.Errorf("chainbuild: unknown base protocol %q in descriptor %q", base, p.Protocol)
	}

	return hops, nil
}
