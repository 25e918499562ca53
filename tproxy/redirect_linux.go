//go:build linux

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// soOriginalDst and ip6tSoOriginalDst are the getsockopt names iptables'
// REDIRECT target registers at SOL_IP and SOL_IPV6 respectively; x/sys/unix
// only exposes the IPv4 one as unix.SO_ORIGINAL_DST, so the IPv6 fallback
// is spelled out numerically here (both share value 80 in the netfilter
// headers).
const (
	soOriginalDst     = unix.SO_ORIGINAL_DST
	ip6tSoOriginalDst = 80
)

func bindRedir(ty RedirType, addr string) (net.Listener, error) {
	switch ty {
	case RedirectType, "":
		// REDIRECT needs no special socket option before bind.
		return net.Listen("tcp", addr)
	case TProxyType:
		lc := net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				var ctrlErr error
				err := c.Control(func(fd uintptr) {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
				})
				if err != nil {
					return err
				}
				return ctrlErr
			},
		}
		return lc.Listen(context.Background(), "tcp", addr)
	default:
		return nil, fmt.Errorf("tproxy: redir_type %q not supported on linux", ty)
	}
}

func destinationAddr(conn net.Conn, ty RedirType) (*net.TCPAddr, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("tproxy: not a TCP connection")
	}

	switch ty {
	case TProxyType:
		// TPROXY's destination is simply the local address the kernel
		// delivered the transparently-bound socket to.
		addr, ok := tc.LocalAddr().(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("tproxy: unexpected local addr type")
		}
		return addr, nil
	case RedirectType, "":
		return originalDestinationREDIRECT(tc)
	default:
		return nil, fmt.Errorf("tproxy: redir_type %q not supported on linux", ty)
	}
}

// originalDestinationREDIRECT recovers the pre-DNAT destination set by an
// iptables/nftables REDIRECT rule, trying the IPv6 getsockopt first and
// falling back to IPv4 — a dual-stack listener's accepted socket may
// carry either.
func originalDestinationREDIRECT(tc *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, err
	}

	var addr *net.TCPAddr
	var opErr error
	err = raw.Control(func(fd uintptr) {
		if a, ok := getOriginalDst(fd, unix.SOL_IPV6, ip6tSoOriginalDst, true); ok {
			addr = a
			return
		}
		if a, ok := getOriginalDst(fd, unix.SOL_IP, soOriginalDst, false); ok {
			addr = a
			return
		}
		opErr = fmt.Errorf("tproxy: SO_ORIGINAL_DST unavailable on this socket")
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return addr, nil
}

// getOriginalDst issues the raw getsockopt call; sockaddr_in and
// sockaddr_in6 share the family(2)+port(2, big-endian) prefix, so the
// port and address bytes are pulled out by fixed offset once the family
// confirms which layout is in play.
func getOriginalDst(fd uintptr, level, name int, v6 bool) (*net.TCPAddr, bool) {
	var buf [28]byte
	size := uint32(len(buf))
	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT, fd,
		uintptr(level), uintptr(name),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)), 0,
	)
	if errno != 0 {
		return nil, false
	}

	port := int(buf[2])<<8 | int(buf[3])
	if v6 {
		ip := make(net.IP, 16)
		copy(ip, buf[8:24])
		return &net.TCPAddr{IP: ip, Port: port}, true
	}
	ip := make(net.IP, 4)
	copy(ip, buf[4:8])
	return &net.TCPAddr{IP: ip, Port: port}, true
}
