// Package doh implements the DNS-over-HTTPS client: raw DNS message POST
// with transaction-ID cache-key normalization, a TTL/LRU-bounded answer
// cache, and the single-question resolve helper happy-eyeballs dialing
// needs for AAAA/A racing.
package doh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
	"github.com/sardanioss/httpcloak-proxy/outbound/layer"
)

// normalizedID is the transaction ID every cache key is rewritten to
// before lookup/insertion, so queries differing only in ID share an
// entry.
var normalizedID = [2]byte{0xab, 0xcd}

// cacheCapacity bounds the DNS answer cache at roughly 65k entries.
const cacheCapacity = 65535

// Client is the process-wide DoH resolver: one HTTP endpoint, reached
// through the configured outbound chain, backed by a shared answer cache.
type Client struct {
	endpoint string
	scheme   string
	fakeHost *root.HostName
	fragment *bool
	stack    []outbound.ProxyOutBound
	cache    *Cache
}

// NewClient builds a Client posting queries to endpoint through stack
// (the full configured outbound chain, Raw included at index 0).
// fakeHost, if non-nil, pins the TCP destination of the DoH POST itself
// while SNI/Host stay the endpoint's real hostname.
// fragment decides whether the ClientHello fragmenter is applied to the
// DoH POST: only a non-nil true appends it to this client's chain; nil or
// false leaves the given stack unchanged.
func NewClient(endpoint string, fakeHost *root.HostName, fragment *bool, stack []outbound.ProxyOutBound) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("doh: parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("doh: endpoint %q must be http or https", endpoint)
	}
	cache, err := NewCache(cacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("doh: build cache: %w", err)
	}
	if fragment != nil && *fragment {
		// The fragmenter rides this client's own chain so the DoH POST's
		// ClientHello is split too; Fragment carries no per-connection
		// state, so one hop in a shared stack is safe.
		withFrag := make([]outbound.ProxyOutBound, len(stack)+1)
		copy(withFrag, stack)
		withFrag[len(stack)] = outbound.AsProxyOutBound(layer.NewFragment())
		stack = withFrag
	}
	return &Client{
		endpoint: endpoint,
		scheme:   u.Scheme,
		fakeHost: fakeHost,
		fragment: fragment,
		stack:    stack,
		cache:    cache,
	}, nil
}

// Query resolves one raw DNS message: normalize the transaction ID
// for the cache key, serve from cache on hit, otherwise POST the
// normalized query through the outbound chain and cache the raw response,
// patching the caller's original transaction ID back in either path.
func (c *Client) Query(ctx context.Context, rawQuery []byte) ([]byte, error) {
	if len(rawQuery) < 2 {
		return nil, fmt.Errorf("doh: query too short to carry a transaction ID (%d bytes)", len(rawQuery))
	}
	id := [2]byte{rawQuery[0], rawQuery[1]}

	normalized := append([]byte(nil), rawQuery...)
	normalized[0], normalized[1] = normalizedID[0], normalizedID[1]
	key := string(normalized)

	if cached, ok := c.cache.Get(key); ok {
		return patchID(cached, id), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(normalized))
	if err != nil {
		return nil, fmt.Errorf("doh: build request to %s: %w", c.endpoint, err)
	}
	req.Header.Set("accept", "application/dns-message")
	req.Header.Set("content-type", "application/dns-message")
	req.ContentLength = int64(len(normalized))

	reqConf := outbound.NewRequestConfig()
	reqConf.DoH = false // avoid resolving our own resolver's target through itself
	reqConf.FakeHost = c.fakeHost
	reqConf.Fragment = c.fragment

	tail := outbound.NewChainTail(c.stack)
	resp, err := outbound.Forward(ctx, tail, c.scheme, reqConf, req)
	if err != nil {
		return nil, fmt.Errorf("doh: post to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("doh: endpoint %s returned %s", c.endpoint, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("doh: read response from %s: %w", c.endpoint, err)
	}

	c.cache.Set(key, body, time.Hour)
	return patchID(body, id), nil
}

// patchID returns a copy of response with its transaction ID overwritten
// to id, never mutating the cached (or just-fetched) slice in place.
func patchID(response []byte, id [2]byte) []byte {
	out := append([]byte(nil), response...)
	if len(out) >= 2 {
		out[0], out[1] = id[0], id[1]
	}
	return out
}

// Resolve implements outbound.Resolver: build a single-question A/AAAA
// query for domain, dispatch it through Query, and return the first
// matching-type answer, or a not-Present result (never an error) when the
// answer section carries none — callers (happy-eyeballs) treat that as a
// losing race arm, not a hard failure.
func (c *Client) Resolve(ctx context.Context, domain string, wantV6 bool) (outbound.ResolvedAddr, error) {
	qtype := dns.TypeA
	if wantV6 {
		qtype = dns.TypeAAAA
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true
	packed, err := msg.Pack()
	if err != nil {
		return outbound.ResolvedAddr{}, fmt.Errorf("doh: pack query for %s: %w", domain, err)
	}

	raw, err := c.Query(ctx, packed)
	if err != nil {
		return outbound.ResolvedAddr{}, err
	}

	var resp dns.Msg
	if err := resp.Unpack(raw); err != nil {
		return outbound.ResolvedAddr{}, fmt.Errorf("doh: unpack response for %s: %w", domain, err)
	}

	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if wantV6 {
				continue
			}
			var out outbound.ResolvedAddr
			copy(out.IP[12:16], rec.A.To4())
			out.Is4 = true
			out.Present = true
			return out, nil
		case *dns.AAAA:
			if !wantV6 {
				continue
			}
			var out outbound.ResolvedAddr
			copy(out.IP[:], rec.AAAA.To16())
			out.Present = true
			return out, nil
		}
	}
	return outbound.ResolvedAddr{}, nil
}

// BuildQuery encodes a single-question A/AAAA query for domain, for
// callers (and tests) that want the raw wire bytes without going through
// Resolve's answer-parsing.
func BuildQuery(domain string, wantV6 bool) ([]byte, error) {
	qtype := dns.TypeA
	if wantV6 {
		qtype = dns.TypeAAAA
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true
	return msg.Pack()
}
