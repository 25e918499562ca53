package outbound

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	root "github.com/sardanioss/httpcloak-proxy"
)

// Socks5Proxy is an outbound hop speaking RFC 1928 SOCKS5 CONNECT, with
// RFC 1929 username/password subnegotiation when credentials are set.
type Socks5Proxy struct {
	addr     root.SocketAddr
	user     string
	password string
}

// NewSocks5Proxy builds a Socks5Proxy hop. RFC 1929 caps both the
// username and password at 255 bytes each.
func NewSocks5Proxy(server, user, password string) (*Socks5Proxy, error) {
	if len(user) > 255 {
		return nil, fmt.Errorf("outbound: socks5 username exceeds 255 bytes")
	}
	if len(password) > 255 {
		return nil, fmt.Errorf("outbound: socks5 password exceeds 255 bytes")
	}
	addr, err := root.ParseSocketAddr(server)
	if err != nil {
		return nil, fmt.Errorf("outbound: socks5 server %q: %w", server, err)
	}
	return &Socks5Proxy{addr: addr, user: user, password: password}, nil
}

func (p *Socks5Proxy) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	next, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	server, err := next.Connect(ctx, rest, p.addr)
	if err != nil {
		return nil, err
	}
	if err := p.handshake(server, addr); err != nil {
		_ = server.Close()
		return nil, err
	}
	return server, nil
}

func (p *Socks5Proxy) handshake(server net.Conn, addr root.SocketAddr) error {
	// greeting: version 5, offering "no auth" (0) and "user/pass" (2).
	if _, err := server.Write([]byte{5, 2, 0, 2}); err != nil {
		return fmt.Errorf("outbound: socks5 greeting to %s: %w", p.addr, err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(server, reply); err != nil {
		return fmt.Errorf("outbound: socks5 greeting reply from %s: %w", p.addr, err)
	}
	if reply[0] != 5 {
		return fmt.Errorf("outbound: socks5 server %s sent unexpected version %d", p.addr, reply[0])
	}

	switch reply[1] {
	case 0:
		// no authentication required
	case 2:
		if err := p.authenticate(server); err != nil {
			return err
		}
	default:
		return fmt.Errorf("outbound: socks5 server %s offered no acceptable auth method", p.addr)
	}

	req := []byte{5, 1, 0}
	switch {
	case addr.Hostname.IsV4():
		req = append(req, 1)
		req = append(req, addr.Hostname.IP().To4()...)
	case addr.Hostname.IsV6():
		req = append(req, 4)
		req = append(req, addr.Hostname.IP().To16()...)
	default:
		domain := addr.Hostname.Domain()
		if len(domain) > 255 {
			return fmt.Errorf("outbound: socks5 domain %q exceeds 255 bytes", domain)
		}
		req = append(req, 3, byte(len(domain)))
		req = append(req, domain...)
	}
	req = append(req, byte(addr.Port>>8), byte(addr.Port))

	if _, err := server.Write(req); err != nil {
		return fmt.Errorf("outbound: socks5 connect request to %s: %w", p.addr, err)
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(server, head); err != nil {
		return fmt.Errorf("outbound: socks5 connect reply from %s: %w", p.addr, err)
	}
	if head[0] != 5 || head[1] != 0 || head[2] != 0 {
		return fmt.Errorf("outbound: socks5 connect to %s via %s rejected, reply code %d", addr, p.addr, head[1])
	}

	switch head[3] {
	case 1:
		if _, err := io.ReadFull(server, make([]byte, 4)); err != nil {
			return fmt.Errorf("outbound: socks5 bound address from %s: %w", p.addr, err)
		}
	case 3:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(server, lenBuf); err != nil {
			return fmt.Errorf("outbound: socks5 bound address length from %s: %w", p.addr, err)
		}
		if _, err := io.ReadFull(server, make([]byte, lenBuf[0])); err != nil {
			return fmt.Errorf("outbound: socks5 bound address from %s: %w", p.addr, err)
		}
	case 4:
		if _, err := io.ReadFull(server, make([]byte, 16)); err != nil {
			return fmt.Errorf("outbound: socks5 bound address from %s: %w", p.addr, err)
		}
	default:
		return fmt.Errorf("outbound: socks5 server %s returned unknown address type %d", p.addr, head[3])
	}
	if _, err := io.ReadFull(server, make([]byte, 2)); err != nil {
		return fmt.Errorf("outbound: socks5 bound port from %s: %w", p.addr, err)
	}

	return nil
}

func (p *Socks5Proxy) authenticate(server net.Conn) error {
	buf := []byte{1, byte(len(p.user))}
	buf = append(buf, p.user...)
	buf = append(buf, byte(len(p.password)))
	buf = append(buf, p.password...)
	if _, err := server.Write(buf); err != nil {
		return fmt.Errorf("outbound: socks5 auth to %s: %w", p.addr, err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(server, reply); err != nil {
		return fmt.Errorf("outbound: socks5 auth reply from %s: %w", p.addr, err)
	}
	if reply[0] != 1 {
		return fmt.Errorf("outbound: socks5 server %s sent unexpected auth version %d", p.addr, reply[0])
	}
	if reply[1] != 0 {
		return fmt.Errorf("outbound: socks5 authentication to %s rejected", p.addr)
	}
	return nil
}

func (p *Socks5Proxy) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	return defaultHTTPProxy(ctx, p, tail, scheme, reqConf, req)
}
