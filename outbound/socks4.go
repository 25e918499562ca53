package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	root "github.com/sardanioss/httpcloak-proxy"
)

// ErrSocks4PlaceholderCollision is returned when a literal IPv4 target
// collides with the 0.0.0.x placeholder range SOCKS4a reserves for
// signalling "the real address follows as a hostname".
var ErrSocks4PlaceholderCollision = errors.New("outbound: socks4 target collides with the 0.0.0.x placeholder range")

// Socks4Proxy is an outbound hop speaking the SOCKS4/4a CONNECT command.
type Socks4Proxy struct {
	addr root.SocketAddr
	auth string // "user" or "user:password", "" when unset
}

// NewSocks4Proxy builds a Socks4Proxy hop. user/password may contain NUL
// bytes from upstream config only by mistake — the protocol can't carry
// them, so construction fails rather than silently truncating.
func NewSocks4Proxy(server, user, password string) (*Socks4Proxy, error) {
	addr, err := root.ParseSocketAddr(server)
	if err != nil {
		return nil, fmt.Errorf("outbound: socks4 server %q: %w", server, err)
	}
	auth := user
	if password != "" {
		auth += ":" + password
	}
	if strings.ContainsRune(auth, 0) {
		return nil, fmt.Errorf("outbound: socks4 userid contains a NUL byte")
	}
	return &Socks4Proxy{addr: addr, auth: auth}, nil
}

func (p *Socks4Proxy) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	var ip [4]byte
	var hostname string

	switch {
	case addr.Hostname.IsV4():
		v4 := addr.Hostname.IP().To4()
		copy(ip[:], v4)
		v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		if v&0xFFFFFF00 == 0 && v&0xFF != 0 {
			return nil, ErrSocks4PlaceholderCollision
		}
	case addr.Hostname.IsV6():
		// SOCKS4/4a has no IPv6 address form; the hostname extension only
		// carries names for the server to resolve.
		return nil, fmt.Errorf("outbound: socks4 cannot carry an IPv6 target")
	default:
		ip = [4]byte{0, 0, 0, 1}
		hostname = addr.Hostname.Domain()
		if strings.ContainsRune(hostname, 0) {
			return nil, fmt.Errorf("outbound: socks4a hostname contains a NUL byte")
		}
	}

	next, rest, ok := tail.Next()
	if !ok {
		return nil, ErrChainExhausted
	}
	server, err := next.Connect(ctx, rest, p.addr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 32)
	buf = append(buf, 4, 1)
	buf = append(buf, byte(addr.Port>>8), byte(addr.Port))
	buf = append(buf, ip[:]...)
	buf = append(buf, p.auth...)
	buf = append(buf, 0)
	if hostname != "" {
		buf = append(buf, hostname...)
		buf = append(buf, 0)
	}

	if _, err := server.Write(buf); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: socks4 request to %s: %w", p.addr, err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(server, reply); err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: socks4 reply from %s: %w", p.addr, err)
	}
	if reply[0] != 0 {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: socks4 malformed reply from %s", p.addr)
	}
	if reply[1] != 90 {
		_ = server.Close()
		return nil, fmt.Errorf("outbound: socks4 request to %s rejected, code %d", p.addr, reply[1])
	}

	return server, nil
}

func (p *Socks4Proxy) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	return defaultHTTPProxy(ctx, p, tail, scheme, reqConf, req)
}
