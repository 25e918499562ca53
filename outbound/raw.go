package outbound

import (
	"context"
	"net"
	"net/http"

	root "github.com/sardanioss/httpcloak-proxy"
)

// Raw is the innermost hop of every chain: a plain TCP dial. It never
// calls tail.Next — every configured stack bottoms out here.
type Raw struct {
	Dialer net.Dialer
}

// NewRaw returns a Raw hop with a zero-value net.Dialer.
func NewRaw() *Raw { return &Raw{} }

func (r *Raw) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	conn, err := r.Dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (r *Raw) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	return defaultHTTPProxy(ctx, r, tail, scheme, reqConf, req)
}
