package outbound

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	root "github.com/sardanioss/httpcloak-proxy"
)

// HTTPProxy is an outbound hop that reaches the target through an
// upstream HTTP proxy: a CONNECT tunnel for Connect, or (for plain "http"
// scheme forwards) a direct absolute-URI request sent straight to the
// upstream proxy, letting it do the forwarding itself without a tunnel.
type HTTPProxy struct {
	addr root.SocketAddr
	auth string // "Basic <base64>", or "" when no credentials configured
}

// NewHTTPProxy builds an HTTPProxy hop from a proxy configuration entry.
func NewHTTPProxy(server, user, password string) (*HTTPProxy, error) {
	addr, err := root.ParseSocketAddr(server)
	if err != nil {
		return nil, fmt.Errorf("outbound: http proxy server %q: %w", server, err)
	}
	var auth string
	if user != "" || password != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))
	}
	return &HTTPProxy{addr: addr, auth: auth}, nil
}

func (p *HTTPProxy) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	next, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	server, err := next.Connect(ctx, rest, p.addr)
	if err != nil {
		return nil, err
	}

	target := addr.String()
	req := "CONNECT " + target + " HTTP/1.1\r\n" +
		"Host: " + target + "\r\n" +
		"Connection: keep-alive\r\n" +
		"Proxy-Connection: keep-alive\r\n"
	if p.auth != "" {
		req += "Proxy-Authorization: " + p.auth + "\r\n"
	}
	req += "\r\n"

	if _, err := server.Write([]byte(req)); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: write CONNECT to %s: %w", p.addr, err)
	}

	br := bufio.NewReader(server)
	resp, err := http.ReadResponse(br, &http.Request{Method: "CONNECT"})
	if err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: read CONNECT response from %s: %w", p.addr, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: CONNECT to %s via %s: %s", target, p.addr, resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: server, r: br}, nil
	}
	return server, nil
}

func (p *HTTPProxy) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	if scheme != "http" {
		return defaultHTTPProxy(ctx, p, tail, scheme, reqConf, req)
	}

	next, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	server, err := next.Connect(ctx, rest, p.addr)
	if err != nil {
		return nil, err
	}

	host := req.Header.Get("Host")
	if host == "" {
		host = req.Host
	}
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	absolute := &url.URL{Scheme: scheme, Host: host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	req.URL = absolute
	if p.auth != "" {
		req.Header.Set("Proxy-Authorization", p.auth)
	}

	// Declaring the upstream as a proxy makes the transport emit the
	// absolute-form request-line an HTTP proxy expects; the dial itself
	// still rides the connection the chain already opened.
	proxyURL := &url.URL{Scheme: "http", Host: p.addr.String()}
	transport := &http.Transport{
		Proxy:       func(*http.Request) (*url.URL, error) { return proxyURL, nil },
		DialContext: func(context.Context, string, string) (net.Conn, error) { return server, nil },
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		transport.CloseIdleConnections()
		return nil, fmt.Errorf("outbound: forward via http proxy %s: %w", p.addr, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body = &transportBody{ReadCloser: resp.Body, transport: transport}
	}
	return resp, nil
}

// bufferedConn preserves bytes buffered by a bufio.Reader used to parse a
// CONNECT response, so tunnel data already read off the wire ahead of the
// caller isn't lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
