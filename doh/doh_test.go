package doh

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"

	root "github.com/sardanioss/httpcloak-proxy"
	"github.com/sardanioss/httpcloak-proxy/outbound"
)

// countingHop is a ProxyOutBound stub that counts HTTPProxy invocations
// and always answers with a canned DNS response body, so these tests
// exercise doh.Client's cache logic without any real network I/O.
type countingHop struct {
	calls    atomic.Int32
	response []byte
}

func (h *countingHop) Connect(context.Context, outbound.ChainTail, root.SocketAddr) (net.Conn, error) {
	panic("not used by these tests")
}

func (h *countingHop) HTTPProxy(ctx context.Context, tail outbound.ChainTail, scheme string, reqConf *outbound.RequestConfig, req *http.Request) (*http.Response, error) {
	h.calls.Add(1)
	_, _ = io.ReadAll(req.Body)
	return &http.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Body:       io.NopCloser(bytes.NewReader(h.response)),
		Header:     make(http.Header),
	}, nil
}

func canonicalAnswer(t *testing.T) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn("example.com"), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   []byte{93, 184, 216, 34},
	})
	packed, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return packed
}

func TestQueryCacheIdempotentAcrossTransactionID(t *testing.T) {
	hop := &countingHop{response: canonicalAnswer(t)}
	client, err := NewClient("https://doh.example/dns-query", nil, nil, []outbound.ProxyOutBound{hop})
	if err != nil {
		t.Fatal(err)
	}

	query, err := BuildQuery("example.com", false)
	if err != nil {
		t.Fatal(err)
	}

	q1 := append([]byte(nil), query...)
	q1[0], q1[1] = 0x11, 0x11
	q2 := append([]byte(nil), query...)
	q2[0], q2[1] = 0x22, 0x22

	r1, err := client.Query(context.Background(), q1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := client.Query(context.Background(), q2)
	if err != nil {
		t.Fatal(err)
	}

	if hop.calls.Load() != 1 {
		t.Fatalf("expected exactly one outbound HTTP request, got %d", hop.calls.Load())
	}
	if r1[0] != 0x11 || r1[1] != 0x11 {
		t.Errorf("first response carries wrong transaction ID: % x", r1[:2])
	}
	if r2[0] != 0x22 || r2[1] != 0x22 {
		t.Errorf("second response carries wrong transaction ID: % x", r2[:2])
	}
}

func TestResolveReturnsFirstMatchingAnswer(t *testing.T) {
	hop := &countingHop{response: canonicalAnswer(t)}
	client, err := NewClient("https://doh.example/dns-query", nil, nil, []outbound.ProxyOutBound{hop})
	if err != nil {
		t.Fatal(err)
	}

	addr, err := client.Resolve(context.Background(), "example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Present || !addr.Is4 {
		t.Fatalf("expected a present IPv4 answer, got %+v", addr)
	}
	if got := addr.IP[12:16]; !bytes.Equal(got, []byte{93, 184, 216, 34}) {
		t.Errorf("resolved IP = %v, want 93.184.216.34", got)
	}
}

func TestNewClientAppendsFragmentHop(t *testing.T) {
	hop := &countingHop{}
	on := true
	client, err := NewClient("https://doh.example/dns-query", nil, &on, []outbound.ProxyOutBound{hop})
	if err != nil {
		t.Fatal(err)
	}
	if len(client.stack) != 2 {
		t.Fatalf("stack length = %d, want the fragmenter appended", len(client.stack))
	}

	plain, err := NewClient("https://doh.example/dns-query", nil, nil, []outbound.ProxyOutBound{hop})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain.stack) != 1 {
		t.Fatalf("stack length = %d, want the configured chain untouched", len(plain.stack))
	}
}

func TestResolveNoAnswerIsNotAnError(t *testing.T) {
	empty := new(dns.Msg)
	empty.SetQuestion(dns.Fqdn("example.com"), dns.TypeAAAA)
	packed, err := empty.Pack()
	if err != nil {
		t.Fatal(err)
	}
	hop := &countingHop{response: packed}
	client, err := NewClient("https://doh.example/dns-query", nil, nil, []outbound.ProxyOutBound{hop})
	if err != nil {
		t.Fatal(err)
	}

	addr, err := client.Resolve(context.Background(), "example.com", true)
	if err != nil {
		t.Fatalf("absent AAAA answer must not be an error: %v", err)
	}
	if addr.Present {
		t.Error("expected Present=false for an empty answer section")
	}
}
