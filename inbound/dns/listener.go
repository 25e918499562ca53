// Package dns implements the DNS-over-UDP inbound listener: every
// datagram is wrapped verbatim as a DoH query, and the response is
// written back to the same peer. A single UDP socket with a bounded
// response channel stands in for a per-connection accept loop.
package dns

import (
	"context"
	"fmt"
	"net"

	"github.com/sardanioss/httpcloak-proxy/doh"
)

// inFlightCapacity bounds the number of pending responses buffered for
// the single writer goroutine; replies arriving once it is full are
// dropped.
const inFlightCapacity = 1024

// maxDatagramSize is large enough for any DNS-over-UDP query this
// listener is expected to receive (EDNS0 payloads included).
const maxDatagramSize = 4096

type reply struct {
	payload []byte
	to      *net.UDPAddr
}

// Listener relays DNS-over-UDP queries through a DoH client.
type Listener struct {
	Client *doh.Client
}

// Serve listens on addr until ctx is cancelled. Each datagram spawns its
// own query goroutine; a single goroutine owns the socket's write side
// and drains the bounded reply channel.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("inbound/dns: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("inbound/dns: listen on %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	replies := make(chan reply, inFlightCapacity)
	go l.writeLoop(conn, replies)

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("inbound/dns: read on %s: %w", addr, err)
			}
		}
		query := append([]byte(nil), buf[:n]...)
		go l.handleQuery(ctx, query, from, replies)
	}
}

func (l *Listener) handleQuery(ctx context.Context, query []byte, from *net.UDPAddr, replies chan<- reply) {
	resp, err := l.Client.Query(ctx, query)
	if err != nil {
		return
	}
	select {
	case replies <- reply{payload: resp, to: from}:
	default:
		// channel full: it's UDP, drop.
	}
}

func (l *Listener) writeLoop(conn *net.UDPConn, replies <-chan reply) {
	for r := range replies {
		conn.WriteToUDP(r.payload, r.to)
	}
}
