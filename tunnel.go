package httpcloakproxy

import (
	"io"
	"sync"
)

// halfCloser is implemented by connections that support shutting down their
// write half independently, e.g. *net.TCPConn.
type halfCloser interface {
	CloseWrite() error
}

// Splice copies data bidirectionally between a and b until both directions
// have finished, half-closing each side's write half as its source reaches
// EOF so the peer observes a clean shutdown rather than a reset. Sides
// without CloseWrite (an upgraded HTTP response body, the inbound HTTP
// listener's buffered client connection) are fully closed instead, which is what terminates the opposite copy. This
// is the splice idiom the inbound listeners use for CONNECT tunnels,
// HTTP/1.1 upgrades and the transparent-redirect bridge alike.
func Splice(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyHalf(b, a)
	}()
	go func() {
		defer wg.Done()
		copyHalf(a, b)
	}()

	wg.Wait()
}

func copyHalf(dst, src io.ReadWriteCloser) {
	_, _ = io.Copy(dst, src)
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else {
		_ = dst.Close()
	}
}
