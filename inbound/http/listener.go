// Package http implements the HTTP proxy inbound listener: one accept
// loop per configured TCP address, dispatching CONNECT to a tunnel and
// every other method to the HTTP forwarding engine.
package http

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/httpengine"
	"github.com/sardanioss/httpcloak-proxy/outbound"
)

// headerReadTimeout bounds how long a connection may take to deliver its
// request line and headers before being abandoned.
const headerReadTimeout = 15 * time.Second

const errorBody = `<html><head><title>502 Bad Gateway</title></head>` +
	`<body><h1>502 Bad Gateway</h1></body></html>`

// Listener accepts HTTP/1.1 proxy connections on one TCP address.
type Listener struct {
	Engine   *httpengine.Engine
	Resolver outbound.Resolver
}

// Serve accepts connections on addr until ctx is cancelled or the
// listener fails. Every accepted connection runs in its own goroutine;
// Serve never blocks on a connection's own I/O.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("inbound/http: listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("inbound/http: accept on %s: %w", addr, err)
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if l.Resolver != nil {
		ctx = outbound.WithResolver(ctx, l.Resolver)
	}

	reader := bufio.NewReader(conn)
	// client reads must drain the request reader's buffer first: a client
	// may pipeline its first tunnel bytes right behind the request head.
	client := &bufferedClientConn{Conn: conn, r: reader}
	for {
		conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Time{})

		if req.Method == http.MethodConnect {
			l.handleConnect(ctx, client, req)
			return
		}
		if done := l.handleForward(ctx, client, req); done {
			return
		}
	}
}

// bufferedClientConn reads through the bufio.Reader the request head was
// parsed with, so bytes it buffered past the head are not lost to a
// splice reading the bare connection.
type bufferedClientConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedClientConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// handleConnect parses the authority-form target, opens a tunnel through
// the configured chain via happy-eyeballs, answers with an empty 200,
// then splices.
func (l *Listener) handleConnect(ctx context.Context, clientConn net.Conn, req *http.Request) {
	target := req.URL.Host
	if target == "" {
		target = req.Host
	}
	hostname, port, err := root.ParseHostHeader(target)
	if err != nil {
		l.sendError(clientConn, http.StatusBadGateway)
		return
	}
	if port == nil {
		l.sendError(clientConn, http.StatusBadGateway)
		return
	}
	addr := root.NewSocketAddr(hostname, *port)

	tail := outbound.NewChainTail(l.Engine.Stack)
	upstream, err := outbound.DialEyeballs(ctx, tail, addr)
	if err != nil {
		l.sendError(clientConn, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	root.Splice(clientConn, upstream)
}

// handleForward dispatches one non-CONNECT request through the engine and
// relays the response. It reports whether the connection is finished: true
// after an upgrade splice, a dispatch failure, or an explicit close from
// either side; false when the keep-alive loop may read the next request.
func (l *Listener) handleForward(ctx context.Context, clientConn net.Conn, req *http.Request) bool {
	resp, err := l.Engine.Forward(ctx, req, nil)
	if err != nil {
		l.sendError(clientConn, http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusSwitchingProtocols {
		// The upgraded response body is the raw upstream stream; relay
		// the 101 by hand (Response.Write would block copying the body)
		// and splice the two sides until both halves finish.
		upstream, ok := resp.Body.(io.ReadWriteCloser)
		if !ok {
			l.sendError(clientConn, http.StatusBadGateway)
			return true
		}
		if err := writeUpgradeResponse(clientConn, resp); err != nil {
			return true
		}
		root.Splice(clientConn, upstream)
		return true
	}

	if err := resp.Write(clientConn); err != nil {
		return true
	}
	return req.Close || resp.Close
}

// writeUpgradeResponse emits a 101 response's status line and headers,
// leaving the connection ready for the spliced upgrade bytes.
func writeUpgradeResponse(conn net.Conn, resp *http.Response) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	resp.Header.Write(&b)
	b.WriteString("\r\n")
	_, err := conn.Write([]byte(b.String()))
	return err
}

func (l *Listener) sendError(conn net.Conn, status int) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\n"+
		"connection: keep-alive\r\n"+
		"content-type: text/html; charset=utf-8\r\n"+
		"content-length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(errorBody), errorBody)
	conn.Write([]byte(resp))
}
