// Package tproxy implements the transparent TCP redirect bridge: accept
// a kernel-redirected socket, recover the original destination by
// whatever mechanism the platform and configured redir_type require, and
// forward through the outbound chain. The platform-specific
// bind/destination-recovery pair lives in redirect_linux.go,
// redirect_bsd.go and redirect_other.go; this file is the
// platform-independent accept loop.
package tproxy

import (
	"context"
	"fmt"
	"net"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
)

// RedirType selects the original-destination recovery mechanism, mirroring
// TProxyConfig.RedirType: "redirect", "tproxy", "pf", "ipfw".
type RedirType string

const (
	RedirectType RedirType = "redirect"
	TProxyType   RedirType = "tproxy"
	PFType       RedirType = "pf"
	IPFirewall   RedirType = "ipfw"
)

// Bridge accepts redirected TCP connections and forwards each one through
// Stack to its recovered original destination. bindFunc/destFunc default
// to the platform-specific implementations in redirect_linux.go,
// redirect_bsd.go or redirect_other.go; tests override them to exercise
// the accept/forward/splice logic without a real kernel redirect.
type Bridge struct {
	Stack []outbound.ProxyOutBound
	Type  RedirType

	bindFunc func(RedirType, string) (net.Listener, error)
	destFunc func(net.Conn, RedirType) (*net.TCPAddr, error)
}

// Serve binds addr per b.Type and forwards connections until ctx is
// cancelled. See bindRedir (platform files) for the per-OS bind logic.
func (b *Bridge) Serve(ctx context.Context, addr string) error {
	bind := b.bindFunc
	if bind == nil {
		bind = bindRedir
	}
	ln, err := bind(b.Type, addr)
	if err != nil {
		return fmt.Errorf("tproxy: bind %s as %s: %w", addr, b.Type, err)
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
				return fmt.Errorf("tproxy: accept on %s: %w", addr, err)
			}
		}
		go b.handleConn(ctx, conn)
	}
}

func (b *Bridge) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	dest := b.destFunc
	if dest == nil {
		dest = destinationAddr
	}
	dst, err := dest(conn, b.Type)
	if err != nil {
		return
	}
	hostname := root.NewHostNameIP(dst.IP)
	addr := root.NewSocketAddr(hostname, uint16(dst.Port))

	tail := outbound.NewChainTail(b.Stack)
	upstream, err := outbound.Dial(ctx, tail, addr)
	if err != nil {
		return
	}
	defer upstream.Close()

	root.Splice(conn, upstream)
}
