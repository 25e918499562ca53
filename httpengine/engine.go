// Package httpengine implements the HTTP forwarding engine: request
// normalization (URI rewrite, hop-by-hop stripping, authentication
// injection), per-request Fragment-layer selection, and dispatch through
// the outbound chain. The CONNECT method never reaches this package —
// the inbound HTTP listener tunnels it directly.
package httpengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
	"github.com/sardanioss/httpcloak-proxy/outbound/layer"
)

// Engine forwards one HTTP/1.1 request through the outbound chain.
type Engine struct {
	// Stack is the configured outbound chain, Raw conventionally at index 0.
	Stack []outbound.ProxyOutBound
	// Resolver, when non-nil, is the DoH-backed resolver wired into each
	// request's context so happy-eyeballs dialing can race AAAA/A lookups.
	// A nil Resolver means DoH is not configured; requests connect directly.
	Resolver outbound.Resolver
	// FragmentForce mirrors Config.FragmentForce(): non-nil pins the
	// ClientHello fragmenter on (true) or off (false) regardless of any
	// per-request override.
	FragmentForce *bool
	// FragmentDefault applies when FragmentForce is nil and the request
	// carries no override: whether HTTPS requests get the fragmenter by
	// default (on when the configured chain reaches its proxies over TLS).
	FragmentDefault bool
}

// Forward implements run(request): normalizes req in place, selects the
// chain (with or without a synthesized Fragment layer), and dispatches.
// fragmentOverride is the per-request RequestConfig.fragment override;
// pass nil to defer to FragmentDefault.
func (e *Engine) Forward(ctx context.Context, req *http.Request, fragmentOverride *bool) (*http.Response, error) {
	target := req.RequestURI
	if target == "" {
		target = req.URL.String()
	}
	parsed, err := root.ParseURI(target)
	if err != nil {
		return nil, fmt.Errorf("httpengine: parse request target %q: %w", target, err)
	}

	if parsed.Scheme != "" && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("httpengine: unsupported scheme %q", parsed.Scheme)
	}

	if parsed.Scheme == "" {
		// Origin-form request-target from a keep-alive client that never
		// sent CONNECT: derive the authority from the Host header.
		parsed.Scheme = "http"
		hostname, port, err := root.ParseHostHeader(req.Host)
		if err != nil {
			return nil, fmt.Errorf("httpengine: parse Host header %q: %w", req.Host, err)
		}
		parsed.Hostname = &hostname
		parsed.Port = port
	}

	if parsed.Hostname == nil {
		return nil, fmt.Errorf("httpengine: request carries no destination host")
	}

	if parsed.HasUser() && req.Header.Get("Authorization") == "" {
		creds := parsed.User
		if parsed.HasPassword() {
			creds += ":" + parsed.Password
		}
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	sanitizeHopByHop(req.Header)

	hostHeader := parsed.Hostname.StringURLStyle()
	if parsed.Port != nil && !isSchemeDefaultPort(parsed.Scheme, *parsed.Port) {
		hostHeader = fmt.Sprintf("%s:%d", hostHeader, *parsed.Port)
	}
	req.Header.Set("Host", hostHeader)
	req.Host = hostHeader

	// The wire request-line to upstream is origin-form (path?query) —
	// Request.Write always emits URL.RequestURI() — but URL.Host must stay
	// populated for the transport machinery to accept the request.
	scheme := parsed.Scheme
	req.URL.Scheme = scheme
	req.URL.Host = hostHeader
	req.URL.User = nil
	req.URL.Path = parsed.Path
	req.URL.RawPath = ""
	if parsed.Query != nil {
		req.URL.RawQuery = *parsed.Query
	} else {
		req.URL.RawQuery = ""
	}
	req.RequestURI = ""

	reqConf := outbound.NewRequestConfig()
	reqConf.DoH = e.Resolver != nil
	reqConf.Fragment = fragmentOverride
	if e.Resolver != nil {
		ctx = outbound.WithResolver(ctx, e.Resolver)
	}

	stack := e.chainForRequest(scheme, fragmentOverride)
	tail := outbound.NewChainTail(stack)

	return outbound.Forward(ctx, tail, scheme, reqConf, req.WithContext(ctx))
}

// chainForRequest returns Stack, or a copy with a freshly synthesized
// Fragment layer appended. The Fragment layer is never part of the
// static configured stack; it's pushed onto a per-request copy when the
// effective fragment setting (FragmentForce, else the per-request
// override, else FragmentDefault) is on and the request is HTTPS — the
// only scheme whose wire bytes can carry a TLS ClientHello.
func (e *Engine) chainForRequest(scheme string, fragmentOverride *bool) []outbound.ProxyOutBound {
	enabled := e.FragmentDefault
	if fragmentOverride != nil {
		enabled = *fragmentOverride
	}
	if e.FragmentForce != nil {
		enabled = *e.FragmentForce
	}
	if !enabled || scheme != "https" {
		return e.Stack
	}
	stack := make([]outbound.ProxyOutBound, len(e.Stack)+1)
	copy(stack, e.Stack)
	stack[len(e.Stack)] = outbound.AsProxyOutBound(layer.NewFragment())
	return stack
}

// sanitizeHopByHop strips every proxy-* header and reduces TE to either
// the literal "trailers" or nothing.
func sanitizeHopByHop(h http.Header) {
	for key := range h {
		if strings.HasPrefix(strings.ToLower(key), "proxy-") {
			h.Del(key)
		}
	}

	te := h.Get("Te")
	if te == "" {
		return
	}
	for _, part := range strings.Split(te, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "trailers") {
			h.Set("Te", "trailers")
			return
		}
	}
	h.Del("Te")
}

func isSchemeDefaultPort(scheme string, port uint16) bool {
	switch scheme {
	case "http":
		return port == 80
	case "https":
		return port == 443
	default:
		return false
	}
}
