package outbound

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	root "github.com/sardanioss/httpcloak-proxy"
)

func startSocks5Server(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestSocks5ConnectNoAuthIPv4(t *testing.T) {
	server := startSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 4)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{5, 0})

		head := make([]byte, 4)
		io.ReadFull(conn, head)
		if head[3] != 1 {
			t.Errorf("expected ATYP 1 for IPv4, got %d", head[3])
		}
		io.ReadFull(conn, make([]byte, 4+2))
		conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	})

	p, err := NewSocks5Proxy(server, "", "")
	if err != nil {
		t.Fatalf("NewSocks5Proxy: %v", err)
	}
	target := root.NewSocketAddr(root.NewHostNameIP(net.ParseIP("93.184.216.34")), 443)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := p.Connect(ctx, NewChainTail([]ProxyOutBound{NewRaw()}), target)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()
}

func TestSocks5ConnectUserPassAuth(t *testing.T) {
	server := startSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 4)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{5, 2})

		authHead := make([]byte, 2)
		io.ReadFull(conn, authHead)
		user := make([]byte, authHead[1])
		io.ReadFull(conn, user)
		passLen := make([]byte, 1)
		io.ReadFull(conn, passLen)
		pass := make([]byte, passLen[0])
		io.ReadFull(conn, pass)
		if string(user) != "alice" || string(pass) != "secret" {
			t.Errorf("unexpected credentials %q/%q", user, pass)
		}
		conn.Write([]byte{1, 0})

		head := make([]byte, 4)
		io.ReadFull(conn, head)
		domLen := make([]byte, 1)
		io.ReadFull(conn, domLen)
		io.ReadFull(conn, make([]byte, int(domLen[0])+2))
		conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	})

	p, err := NewSocks5Proxy(server, "alice", "secret")
	if err != nil {
		t.Fatalf("NewSocks5Proxy: %v", err)
	}
	target := root.NewSocketAddr(mustDomainHostName(t, "example.com"), 443)

	conn, err := p.Connect(context.Background(), NewChainTail([]ProxyOutBound{NewRaw()}), target)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()
}

func TestSocks5ConnectAuthRejected(t *testing.T) {
	server := startSocks5Server(t, func(conn net.Conn) {
		greeting := make([]byte, 4)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{5, 2})
		buf := make([]byte, 64)
		conn.Read(buf)
		conn.Write([]byte{1, 1})
	})

	p, err := NewSocks5Proxy(server, "alice", "wrong")
	if err != nil {
		t.Fatalf("NewSocks5Proxy: %v", err)
	}
	target := root.NewSocketAddr(root.NewHostNameIP(net.ParseIP("93.184.216.34")), 443)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.Connect(ctx, NewChainTail([]ProxyOutBound{NewRaw()}), target)
	if err == nil {
		t.Fatal("expected an error when the server rejects the credentials")
	}
}

func TestNewSocks5ProxyRejectsOversizedCredentials(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err := NewSocks5Proxy("127.0.0.1:1080", string(long), "")
	if err == nil {
		t.Fatal("expected an error for a username over 255 bytes")
	}
}

func mustDomainHostName(t *testing.T, domain string) root.HostName {
	t.Helper()
	h, err := root.NewHostNameDomain(domain)
	if err != nil {
		t.Fatalf("NewHostNameDomain: %v", err)
	}
	return h
}
