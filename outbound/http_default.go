package outbound

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"

	root "github.com/sardanioss/httpcloak-proxy"
)

// happyEyeballs races three ways of reaching addr through the chain: an
// AAAA-resolved connect, an A-resolved connect, and a direct connect that
// hands the unresolved domain straight to the next hop (letting a SOCKS5
// hop's domain address type, or the Go resolver inside a plain TCP dial,
// do the resolution itself). The first attempt to succeed wins; the
// others are cancelled. Every arm gets its own clone of tail, since each
// runs the chain concurrently and ChainTail's cursor must not be shared
// across goroutines. The race covers the full connect, any upstream
// proxy handshakes included, not just the bare dial — a losing arm may
// have finished its handshake before being discarded.
func happyEyeballs(ctx context.Context, self ProxyOutBound, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	if addr.Hostname.IsIPAddr() {
		return self.Connect(ctx, tail.Clone(), addr)
	}

	resolver, ok := resolverFromContext(ctx)
	if !ok {
		return self.Connect(ctx, tail.Clone(), addr)
	}
	domain := addr.Hostname.Domain()

	type result struct {
		conn   net.Conn
		err    error
		direct bool
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, 3)
	arm := func(resolve bool, wantV6 bool) {
		if !resolve {
			conn, err := self.Connect(raceCtx, tail.Clone(), addr)
			results <- result{conn, err, true}
			return
		}
		answer, err := resolver.Resolve(raceCtx, domain, wantV6)
		if err != nil {
			results <- result{nil, err, false}
			return
		}
		if !answer.Present {
			results <- result{nil, fmt.Errorf("outbound: no %s record for %s", rrName(wantV6), domain), false}
			return
		}
		var ip net.IP
		if answer.Is4 {
			ip = net.IP(answer.IP[12:16])
		} else {
			ip = net.IP(answer.IP[:])
		}
		resolvedAddr := root.SocketAddrFromNetAddr(ip, addr.Port)
		conn, err := self.Connect(raceCtx, tail.Clone(), resolvedAddr)
		results <- result{conn, err, false}
	}

	go arm(true, true)
	go arm(true, false)
	go arm(false, false)

	var directErr error
	resolvedLost := 0
	for i := 0; i < 3; i++ {
		r := <-results
		if r.err == nil {
			if r.direct && resolvedLost == 2 {
				log.Printf("outbound: doh resolution failed for %s, reached it via the direct domain fallback", domain)
			}
			// cancel only aborts arms still in flight; an arm that
			// already finished its connect has parked an open tunnel in
			// the channel, which must be closed, not leaked.
			go func(remaining int) {
				for j := 0; j < remaining; j++ {
					if loser := <-results; loser.conn != nil {
						_ = loser.conn.Close()
					}
				}
			}(2 - i)
			return r.conn, nil
		}
		if r.direct {
			directErr = r.err
		} else {
			resolvedLost++
		}
	}
	return nil, fmt.Errorf("outbound: happy eyeballs exhausted for %s: %w", domain, directErr)
}

// DialEyeballs is the top-level counterpart of Dial used by the CONNECT
// path: it pops the first hop off tail and races
// happy-eyeballs through it when a Resolver is attached to ctx and addr's
// hostname is a domain, falling back to a plain Dial otherwise.
func DialEyeballs(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	hop, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	if _, hasResolver := resolverFromContext(ctx); !hasResolver {
		return hop.Connect(ctx, rest, addr)
	}
	return happyEyeballs(ctx, hop, rest, addr)
}

func rrName(v6 bool) string {
	if v6 {
		return "AAAA"
	}
	return "A"
}

// defaultHTTPProxy is the shared HTTP-forward behavior every chain hop
// that doesn't need a protocol-specific override (Raw, Socks4Proxy,
// Socks5Proxy, and every Layer) delegates to: resolve the target from the
// request's Host header, dial it (racing happy-eyeballs when reqConf.DoH
// is set), wrap in TLS when scheme is https, then speak HTTP/1.1 over the
// resulting connection. A 101 upgrade response is returned with the raw
// upgraded stream as its body; splicing it is left to the caller.
func defaultHTTPProxy(ctx context.Context, self ProxyOutBound, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	host := req.Header.Get("Host")
	if host == "" {
		host = req.Host
	}
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if host == "" {
		return nil, fmt.Errorf("outbound: request has no Host header")
	}
	hostname, port, err := root.ParseHostHeader(host)
	if err != nil {
		return nil, fmt.Errorf("outbound: parse host header %q: %w", host, err)
	}
	resolvedPort := uint16(0)
	if port != nil {
		resolvedPort = *port
	} else {
		switch scheme {
		case "http":
			resolvedPort = 80
		case "https":
			resolvedPort = 443
		default:
			return nil, fmt.Errorf("outbound: unsupported scheme %q", scheme)
		}
	}
	addr := root.NewSocketAddr(hostname, resolvedPort)

	// FakeHost substitutes the dial target while SNI/Host (addr) stay
	// the canonical endpoint — used by the DoH client to reach its own
	// endpoint through a pinned IP when the endpoint's own DNS may be
	// poisoned.
	dialAddr := addr
	if reqConf.FakeHost != nil {
		dialAddr = root.NewSocketAddr(*reqConf.FakeHost, addr.Port)
	}

	var conn net.Conn
	if reqConf.DoH {
		conn, err = happyEyeballs(ctx, self, tail, dialAddr)
	} else {
		conn, err = self.Connect(ctx, tail.Clone(), dialAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("outbound: dial %s: %w", dialAddr, err)
	}

	if scheme == "https" {
		conn, err = tlsWrap(ctx, conn, addr)
		if err != nil {
			return nil, fmt.Errorf("outbound: tls handshake to %s: %w", addr, err)
		}
	}

	established := conn
	transport := &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return established, nil
		},
		DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
			return established, nil
		},
		DisableCompression: true,
	}

	// On a 101 Switching Protocols response the transport hands the raw
	// upgraded stream back as the response body (an io.ReadWriteCloser);
	// the inbound listener splices it to the client once it has relayed
	// the 101 itself. Any other response gets its body tied to the
	// single-connection transport so closing one tears down the other.
	resp, err := transport.RoundTrip(req)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("outbound: round trip to %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body = &transportBody{ReadCloser: resp.Body, transport: transport}
	}
	return resp, nil
}

// transportBody closes its throwaway single-connection transport along
// with the response body, so the upstream connection is not stranded in
// the transport's idle pool after the response is consumed.
type transportBody struct {
	io.ReadCloser
	transport *http.Transport
}

func (b *transportBody) Close() error {
	err := b.ReadCloser.Close()
	b.transport.CloseIdleConnections()
	return err
}

// tlsWrap is set by outbound/layer's init, avoiding an import cycle
// (outbound/layer imports this package to register itself through
// SetTLSWrap, so this package cannot import outbound/layer back). It performs the implicit TLS wrap applied to the final hop
// whenever the forwarded request's scheme is https, distinct from any
// "tls" layer configured between chain hops.
var tlsWrap func(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error)

// SetTLSWrap installs the TLS-wrap implementation. outbound/layer's init
// calls it once, so importing outbound/layer is enough to install it.
func SetTLSWrap(fn func(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error)) {
	tlsWrap = fn
}
