package layer

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"sync"

	utls "github.com/sardanioss/utls"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
	"github.com/sardanioss/httpcloak-proxy/transport"
)

var (
	systemRootsOnce sync.Once
	systemRootPool  *x509.CertPool
)

// systemRoots lazily loads the system trust store once per process.
func systemRoots() *x509.CertPool {
	systemRootsOnce.Do(func() {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		systemRootPool = pool
	})
	return systemRootPool
}

// TLSClient is the "tls" outbound layer: it drives a uTLS client
// handshake over whatever connection the rest of the chain produces,
// presenting a realistic browser ClientHello fingerprint rather than
// stdlib crypto/tls's readily-fingerprinted default.
type TLSClient struct {
	ClientHelloID utls.ClientHelloID
}

// NewTLSClient returns a TLSClient layer using the Chrome fingerprint
// preset.
func NewTLSClient() *TLSClient {
	return &TLSClient{ClientHelloID: utls.HelloChrome_Auto}
}

// Wrap performs the handshake. Target must be a domain or a literal IP;
// an IPv6 literal goes into SNI without brackets, which
// HostName.String() already guarantees (only StringURLStyle brackets a
// V6 literal).
func (t *TLSClient) Wrap(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error) {
	sni := addr.Hostname.String()
	cfg := &utls.Config{
		ServerName:   sni,
		RootCAs:      systemRoots(),
		KeyLogWriter: transport.GetKeyLogWriter(),
	}
	helloID := t.ClientHelloID
	if helloID == (utls.ClientHelloID{}) {
		helloID = utls.HelloChrome_Auto
	}
	uconn := utls.UClient(conn, cfg, helloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("layer: tls handshake to %s: %w", sni, err)
	}
	return uconn, nil
}

// HTTPPassthrough is false: an explicit "tls" stack entry (e.g. an HTTPS-
// protected CONNECT proxy configured as "tls+http") must be tunnelled
// through like any other hop, not skipped.
func (t *TLSClient) HTTPPassthrough() bool { return false }

func init() {
	outbound.SetTLSWrap(func(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error) {
		return NewTLSClient().Wrap(ctx, conn, addr)
	})
}
