package outbound

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	root "github.com/sardanioss/httpcloak-proxy"
)

// stubResolver answers AAAA/A lookups from two fixed slots; a nil slot
// simulates "no record".
type stubResolver struct {
	v6 *[16]byte
	v4 *[4]byte
}

func (r stubResolver) Resolve(ctx context.Context, domain string, wantV6 bool) (ResolvedAddr, error) {
	if wantV6 {
		if r.v6 == nil {
			return ResolvedAddr{}, nil
		}
		return ResolvedAddr{IP: *r.v6, Present: true}, nil
	}
	if r.v4 == nil {
		return ResolvedAddr{}, nil
	}
	var out ResolvedAddr
	copy(out.IP[12:16], r.v4[:])
	out.Is4 = true
	out.Present = true
	return out, nil
}

// trackingHop records every address it was asked to connect to, delaying
// configurable arms so tests can force a particular race winner.
type trackingHop struct {
	mu        sync.Mutex
	dialed    []root.SocketAddr
	delayWhen func(root.SocketAddr) time.Duration
	failWhen  func(root.SocketAddr) bool
}

func (h *trackingHop) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	if h.delayWhen != nil {
		if d := h.delayWhen(addr); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if h.failWhen != nil && h.failWhen(addr) {
		return nil, errors.New("connect refused")
	}
	h.mu.Lock()
	h.dialed = append(h.dialed, addr)
	h.mu.Unlock()
	client, server := net.Pipe()
	go func() { _ = server.Close() }()
	return &eyeballConn{Conn: client, addr: addr}, nil
}

func (h *trackingHop) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	return nil, errors.New("not used")
}

// eyeballConn tags a pipe with the address it stands for, so tests can
// identify the winning race arm.
type eyeballConn struct {
	net.Conn
	addr root.SocketAddr
}

func domainTarget(t *testing.T) root.SocketAddr {
	t.Helper()
	h, err := root.NewHostNameDomain("example.com")
	if err != nil {
		t.Fatal(err)
	}
	return root.NewSocketAddr(h, 443)
}

func TestEyeballsFasterConnectWins(t *testing.T) {
	v6 := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	v4 := [4]byte{192, 0, 2, 1}
	hop := &trackingHop{
		delayWhen: func(a root.SocketAddr) time.Duration {
			// stall everything except the v6 arm
			if a.Hostname.IsV6() {
				return 0
			}
			return 300 * time.Millisecond
		},
	}
	ctx := WithResolver(context.Background(), stubResolver{v6: &v6, v4: &v4})

	conn, err := DialEyeballs(ctx, NewChainTail([]ProxyOutBound{hop}), domainTarget(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	winner := conn.(*eyeballConn).addr
	if !winner.Hostname.IsV6() {
		t.Fatalf("winner = %s, want the v6 arm", winner)
	}
}

func TestEyeballsFallsToV4WithoutWaitingForAAAA(t *testing.T) {
	v4 := [4]byte{192, 0, 2, 7}
	hop := &trackingHop{
		delayWhen: func(a root.SocketAddr) time.Duration {
			if a.Hostname.IsDomain() {
				return 300 * time.Millisecond
			}
			return 0
		},
	}
	ctx := WithResolver(context.Background(), stubResolver{v4: &v4})

	start := time.Now()
	conn, err := DialEyeballs(ctx, NewChainTail([]ProxyOutBound{hop}), domainTarget(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	winner := conn.(*eyeballConn).addr
	if !winner.Hostname.IsV4() {
		t.Fatalf("winner = %s, want the v4 arm", winner)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("v4 arm should win without waiting out other arms, took %s", elapsed)
	}
}

func TestEyeballsWithoutResolverConnectsDirect(t *testing.T) {
	hop := &trackingHop{}
	conn, err := DialEyeballs(context.Background(), NewChainTail([]ProxyOutBound{hop}), domainTarget(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hop.mu.Lock()
	defer hop.mu.Unlock()
	if len(hop.dialed) != 1 {
		t.Fatalf("expected exactly one direct connect, got %d", len(hop.dialed))
	}
	if !hop.dialed[0].Hostname.IsDomain() {
		t.Fatalf("direct connect must keep the domain, got %s", hop.dialed[0])
	}
}

func TestEyeballsAllArmsFailReportsDirectError(t *testing.T) {
	hop := &trackingHop{
		failWhen: func(root.SocketAddr) bool { return true },
	}
	ctx := WithResolver(context.Background(), stubResolver{})

	_, err := DialEyeballs(ctx, NewChainTail([]ProxyOutBound{hop}), domainTarget(t))
	if err == nil {
		t.Fatal("expected an error when every arm fails")
	}
}
