// Package outbound implements the composable outbound proxy chain: a
// polymorphic pipeline of raw TCP, HTTP CONNECT, SOCKS4 and SOCKS5 hops,
// plus degenerate "layer" stages (TLS client, ClientHello fragmenter) that
// wrap whatever connection the rest of the chain produces.
package outbound

import (
	"context"
	"errors"
	"net"
	"net/http"

	root "github.com/sardanioss/httpcloak-proxy"
)

// ProxyOutBound is one hop of the outbound chain. Connect dials addr
// through the remaining tail of the chain; HTTPProxy additionally speaks
// HTTP/1.1 to addr (resolved from the request's Host header) and returns
// the upstream response; on a protocol upgrade the raw upgraded stream is
// returned as the response body for the caller to splice.
type ProxyOutBound interface {
	Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error)
	HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error)
}

// ChainTail is a cloneable, ordered iterator over the remaining outbound
// hops, walked tail-to-head (the reverse of configured stack order: the
// outermost, closest-to-target hop is consumed first). It is a plain
// slice-plus-cursor value type, so cloning it before racing a
// happy-eyeballs arm is an O(1) struct copy, never a deep clone.
type ChainTail struct {
	stack []ProxyOutBound
	pos   int
}

// NewChainTail builds a ChainTail over stack, starting at its last element
// (stack[0] is conventionally Raw, the innermost hop that performs the
// literal TCP dial once every configured layer above it has unwound).
func NewChainTail(stack []ProxyOutBound) ChainTail {
	return ChainTail{stack: stack, pos: len(stack) - 1}
}

// Next returns the next hop and a ChainTail advanced past it.
func (c ChainTail) Next() (ProxyOutBound, ChainTail, bool) {
	if c.pos < 0 {
		return nil, c, false
	}
	return c.stack[c.pos], ChainTail{stack: c.stack, pos: c.pos - 1}, true
}

// Clone returns an independent cursor over the same stack. Because
// ChainTail is a value type this is just a copy, but it is spelled out
// explicitly at every happy-eyeballs race arm for clarity and parity with
// the cloneable-iterator contract.
func (c ChainTail) Clone() ChainTail { return c }

// ErrChainExhausted is returned when a hop calls Next on an empty tail —
// every configured stack must end in Raw, which never calls Next.
var ErrChainExhausted = errors.New("outbound: chain exhausted without reaching a terminal hop")

// RequestConfig carries per-request overrides for an HTTP forward: whether
// to resolve the target via the happy-eyeballs DoH racer at all, a fake
// host to dial instead of the real target while SNI and the Host header
// keep the real one (used by the DoH client to reach its own endpoint at a
// pinned address), and whether to push a ClientHello fragmenter onto the
// chain for this request specifically.
type RequestConfig struct {
	DoH      bool
	FakeHost *root.HostName
	Fragment *bool
}

// NewRequestConfig returns the default per-request config: DoH resolution
// enabled, no fake host, no fragment override (deferring to the chain's
// configured default).
func NewRequestConfig() *RequestConfig {
	return &RequestConfig{DoH: true}
}

// Dial walks tail from its outermost hop inward to open a connection to
// addr — the entry point a top-level caller (the transparent-redirect
// bridge) uses instead of reaching into ChainTail.Next itself.
func Dial(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	hop, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	return hop.Connect(ctx, rest, addr)
}

// Forward walks tail from its outermost hop inward to forward an HTTP/1.1
// request, the HTTPProxy analogue of Dial.
func Forward(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	hop, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	return hop.HTTPProxy(ctx, rest, scheme, reqConf, req)
}

// AsProxyOutBound adapts a layer.Layer into a full chain hop, so it can be
// pushed onto a ChainTail's backing stack alongside Raw/HTTPProxy/
// Socks4Proxy/Socks5Proxy.
func AsProxyOutBound(l layerWrapper) ProxyOutBound { return layerAdapter{l} }

// layerWrapper is the subset of outbound/layer.Layer this package needs,
// restated here (rather than imported) to keep outbound/layer free of any
// dependency back on this package.
type layerWrapper interface {
	Wrap(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error)
	HTTPPassthrough() bool
}

type layerAdapter struct{ layerWrapper }

func (l layerAdapter) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	next, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	conn, err := next.Connect(ctx, rest, addr)
	if err != nil {
		return nil, err
	}
	return l.Wrap(ctx, conn, addr)
}

// HTTPProxy tunnels the forward through the layer via defaultHTTPProxy,
// except when the layer is HTTP-passthrough and the traffic is plaintext:
// then the request is handed to the next hop unchanged. The Fragment
// layer declares passthrough because a plaintext forward never carries a
// TLS ClientHello for it to split; an https forward still tunnels through
// it so the handshake bytes cross the wrapped stream.
func (l layerAdapter) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	if l.HTTPPassthrough() && scheme != "https" {
		return Forward(ctx, tail, scheme, reqConf, req)
	}
	return defaultHTTPProxy(ctx, l, tail, scheme, reqConf, req)
}
