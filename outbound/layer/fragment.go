package layer

import (
	"context"
	"net"
	"sync"
	"time"

	root "github.com/sardanioss/httpcloak-proxy"
)

// fragState is the ClientHello fragmenter's state machine.
type fragState int

const (
	waitingHeader fragState = iota
	waitingMessage
	sendingMessage
	sendingRawBuffer
	sendingData
)

// Fragment is the "fragment" outbound layer: a one-shot TLS ClientHello
// splitter that rewrites the first handshake record into one-byte
// sub-records to defeat SNI-pattern middleboxes, then degrades to plain
// passthrough for the rest of the connection's lifetime.
type Fragment struct{}

// NewFragment returns a Fragment layer. The layer itself carries no
// state; every wrapped connection gets its own state machine.
func NewFragment() *Fragment { return &Fragment{} }

func (f *Fragment) Wrap(ctx context.Context, conn net.Conn, addr root.SocketAddr) (net.Conn, error) {
	return &fragmentConn{inner: conn, state: waitingHeader}, nil
}

// HTTPPassthrough is true: plaintext HTTP traffic never carries a TLS
// ClientHello, so forwarding it through this layer would be a no-op at
// best; the adapter in package outbound skips straight to the next hop.
func (f *Fragment) HTTPPassthrough() bool { return true }

// fragmentConn wraps a fresh net.Conn, observing writes until it has seen
// (or ruled out) a complete TLS ClientHello record, then becomes a
// transparent passthrough for the rest of the connection's life. Reads
// are never touched by the write-path buffering; the 1-second timer
// exists purely to bypass fragmentation if the handshake stalls.
type fragmentConn struct {
	inner net.Conn

	mu     sync.Mutex
	state  fragState
	buf    []byte
	msgLen int // record header (5 bytes) + body length, once known
	timer  *time.Timer
}

func (c *fragmentConn) Read(p []byte) (int, error) { return c.inner.Read(p) }

func (c *fragmentConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	if len(p) == 0 {
		return 0, nil
	}

	if c.state == sendingData {
		if _, err := c.inner.Write(p); err != nil {
			return 0, err
		}
		return n, nil
	}

	c.buf = append(c.buf, p...)
	c.armTimerLocked()

	if c.state == waitingHeader {
		if c.buf[0] != 0x16 {
			if err := c.flushRawLocked(); err != nil {
				return 0, err
			}
			return n, nil
		}
		if len(c.buf) >= 6 && c.buf[5] != 0x01 {
			if err := c.flushRawLocked(); err != nil {
				return 0, err
			}
			return n, nil
		}
		// hold in waitingHeader until the handshake-type byte has been
		// seen, so the bypass above can still fire on a slow writer that
		// delivers the 5-byte record header on its own.
		if len(c.buf) < 6 {
			return n, nil
		}
		recordLen := int(c.buf[3])<<8 | int(c.buf[4])
		c.msgLen = recordLen + 5
		c.state = waitingMessage
	}

	if c.state == waitingMessage && len(c.buf) >= c.msgLen {
		c.state = sendingMessage
		if err := c.finishFragmentationLocked(); err != nil {
			return 0, err
		}
	}

	return n, nil
}

// finishFragmentationLocked emits one TLS record per payload byte, reusing
// the original record's 3-byte content-type+legacy-version base and
// rewriting only the 2-byte length field to 1, then flushes any bytes
// buffered past the ClientHello record unchanged and settles into
// SendingData. Called with c.mu held.
func (c *fragmentConn) finishFragmentationLocked() error {
	base := [3]byte{c.buf[0], c.buf[1], c.buf[2]}
	payload := c.buf[5:c.msgLen]
	trailing := append([]byte(nil), c.buf[c.msgLen:]...)

	for _, b := range payload {
		rec := []byte{base[0], base[1], base[2], 0, 1, b}
		if _, err := c.inner.Write(rec); err != nil {
			return err
		}
	}

	c.state = sendingRawBuffer
	c.buf = nil
	if err := c.flushRawLocked(); err != nil {
		return err
	}
	if len(trailing) > 0 {
		if _, err := c.inner.Write(trailing); err != nil {
			return err
		}
	}
	return nil
}

// flushRawLocked writes whatever remains buffered straight through and
// settles into SendingData. Called with c.mu held.
func (c *fragmentConn) flushRawLocked() error {
	if len(c.buf) > 0 {
		if _, err := c.inner.Write(c.buf); err != nil {
			return err
		}
	}
	c.buf = nil
	c.state = sendingData
	c.cancelTimerLocked()
	return nil
}

func (c *fragmentConn) armTimerLocked() {
	if c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(time.Second, c.onTimeout)
}

func (c *fragmentConn) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onTimeout is the 1-second idle bypass: if no complete ClientHello has
// arrived a second after the first byte was buffered, flush whatever is
// held raw and degrade to passthrough.
func (c *fragmentConn) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.state == waitingHeader || c.state == waitingMessage {
		_ = c.flushRawLocked()
	}
}

func (c *fragmentConn) Close() error {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()
	return c.inner.Close()
}

func (c *fragmentConn) CloseWrite() error {
	if hc, ok := c.inner.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.inner.Close()
}

func (c *fragmentConn) LocalAddr() net.Addr  { return c.inner.LocalAddr() }
func (c *fragmentConn) RemoteAddr() net.Addr { return c.inner.RemoteAddr() }

func (c *fragmentConn) SetDeadline(t time.Time) error      { return c.inner.SetDeadline(t) }
func (c *fragmentConn) SetReadDeadline(t time.Time) error  { return c.inner.SetReadDeadline(t) }
func (c *fragmentConn) SetWriteDeadline(t time.Time) error { return c.inner.SetWriteDeadline(t) }
