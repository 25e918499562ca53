package outbound

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	root "github.com/sardanioss/httpcloak-proxy"
)

type recordingHop struct {
	name    string
	visited *[]string
}

func (h recordingHop) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	*h.visited = append(*h.visited, h.name)
	if next, rest, ok := tail.Next(); ok {
		return next.Connect(ctx, rest, addr)
	}
	return nil, ErrChainExhausted
}

func (h recordingHop) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	return nil, errors.New("not implemented")
}

func TestChainTailWalksTailToHead(t *testing.T) {
	var visited []string
	stack := []ProxyOutBound{
		recordingHop{"raw", &visited},
		recordingHop{"middle", &visited},
		recordingHop{"outer", &visited},
	}
	tail := NewChainTail(stack)
	next, rest, ok := tail.Next()
	if !ok {
		t.Fatal("expected a hop")
	}
	_, err := next.Connect(context.Background(), rest, root.SocketAddr{})
	if !errors.Is(err, ErrChainExhausted) {
		t.Fatalf("expected ErrChainExhausted, got %v", err)
	}
	want := []string{"outer", "middle", "raw"}
	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited = %v, want %v", visited, want)
		}
	}
}

func TestChainTailCloneIsIndependent(t *testing.T) {
	stack := []ProxyOutBound{recordingHop{"a", &[]string{}}, recordingHop{"b", &[]string{}}}
	tail := NewChainTail(stack)
	clone := tail.Clone()

	_, advanced, ok := tail.Next()
	if !ok {
		t.Fatal("expected a hop")
	}
	if advanced.pos == clone.pos {
		t.Fatalf("advancing the original should not move the clone's cursor")
	}
}

func TestChainTailExhaustedOnEmptyStack(t *testing.T) {
	tail := NewChainTail(nil)
	_, _, ok := tail.Next()
	if ok {
		t.Fatal("expected Next on an empty stack to report exhausted")
	}
}

type passthroughLayer struct{}

func (passthroughLayer) Wrap(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error) {
	return conn, nil
}
func (passthroughLayer) HTTPPassthrough() bool { return true }

type forwardRecordingHop struct {
	forwarded *int
}

func (h forwardRecordingHop) Connect(ctx context.Context, tail ChainTail, addr root.SocketAddr) (net.Conn, error) {
	return nil, errors.New("not used")
}

func (h forwardRecordingHop) HTTPProxy(ctx context.Context, tail ChainTail, scheme string, reqConf *RequestConfig, req *http.Request) (*http.Response, error) {
	*h.forwarded++
	return &http.Response{StatusCode: 200}, nil
}

func TestPassthroughLayerSkipsPlaintextForwards(t *testing.T) {
	forwarded := 0
	stack := []ProxyOutBound{
		forwardRecordingHop{&forwarded},
		AsProxyOutBound(passthroughLayer{}),
	}
	tail := NewChainTail(stack)
	resp, err := Forward(context.Background(), tail, "http", NewRequestConfig(), &http.Request{Header: make(http.Header)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if forwarded != 1 {
		t.Fatalf("expected the request handed unchanged to the next hop, forwarded = %d", forwarded)
	}
}

func TestNewRequestConfigDefaults(t *testing.T) {
	rc := NewRequestConfig()
	if !rc.DoH {
		t.Error("NewRequestConfig should default DoH to true")
	}
	if rc.FakeHost != nil {
		t.Error("NewRequestConfig should default FakeHost to nil")
	}
	if rc.Fragment != nil {
		t.Error("NewRequestConfig should default Fragment to nil")
	}
}
