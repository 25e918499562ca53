//go:build darwin || freebsd || netbsd || openbsd

package tproxy

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pfAddr mirrors struct pf_addr from <net/pfvar.h>: a union big enough
// for either an IPv4 or IPv6 address, always stored as 16 bytes.
type pfAddr [16]byte

// pfiocNatlook mirrors struct pfioc_natlook, the DIOCNATLOOK ioctl
// payload: local/peer addresses and ports, plus the original-destination
// fields the kernel fills in on a successful lookup.
type pfiocNatlook struct {
	Saddr         pfAddr
	Daddr         pfAddr
	Rsaddr        pfAddr
	Rdaddr        pfAddr
	Sxport        [4]byte
	Dxport        [4]byte
	Rsxport       [4]byte
	Rdxport       [4]byte
	AddressFamily uint8
	Proto         uint8
	ProtoVariant  uint8
	Direction     uint8
}

// diocnatlook is the DIOCNATLOOK ioctl request number as defined by the
// _IOWR('D', 23, struct pfioc_natlook) macro in <net/pfvar.h>.
const diocnatlook = 0xc0544417

var (
	pfDeviceOnce sync.Once
	pfDeviceFd   int
	pfDeviceErr  error
)

// openPF lazily opens /dev/pf exactly once; the fd lives for the
// process.
func openPF() (int, error) {
	pfDeviceOnce.Do(func() {
		pfDeviceFd, pfDeviceErr = unix.Open("/dev/pf", unix.O_RDWR, 0)
	})
	return pfDeviceFd, pfDeviceErr
}

func bindRedir(ty RedirType, addr string) (net.Listener, error) {
	switch ty {
	case PFType, IPFirewall, "":
		// Neither pf nor ipfw needs a special socket option before bind;
		// both recover the destination purely from the accepted socket.
		return net.Listen("tcp", addr)
	default:
		return nil, fmt.Errorf("tproxy: redir_type %q not supported on this platform", ty)
	}
}

func destinationAddr(conn net.Conn, ty RedirType) (*net.TCPAddr, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("tproxy: not a TCP connection")
	}

	if (ty == PFType || ty == "") && runtime.GOOS == "openbsd" {
		ty = IPFirewall
	}

	switch ty {
	case IPFirewall:
		// ipfw (and OpenBSD pf) hand back the original destination via
		// getsockname() directly.
		addr, ok := tc.LocalAddr().(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("tproxy: unexpected local addr type")
		}
		return addr, nil
	case PFType, "":
		return natlook(tc)
	default:
		return nil, fmt.Errorf("tproxy: redir_type %q not supported on this platform", ty)
	}
}

// natlook issues DIOCNATLOOK against /dev/pf with (local, peer, TCP) to
// recover the pre-NAT destination.
func natlook(tc *net.TCPConn) (*net.TCPAddr, error) {
	local, ok := tc.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("tproxy: unexpected local addr type")
	}
	peer, ok := tc.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("tproxy: unexpected remote addr type")
	}

	fd, err := openPF()
	if err != nil {
		return nil, fmt.Errorf("tproxy: open /dev/pf: %w", err)
	}

	var req pfiocNatlook
	family := uint8(unix.AF_INET)
	if local.IP.To4() == nil {
		family = unix.AF_INET6
	}
	req.AddressFamily = family
	req.Proto = unix.IPPROTO_TCP
	req.Direction = 0 // PF_IN: look up as seen from the wire side

	fillPFAddr(&req.Saddr, peer.IP)
	fillPFAddr(&req.Daddr, local.IP)
	putPort(req.Sxport[:], peer.Port)
	putPort(req.Dxport[:], local.Port)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), diocnatlook, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return nil, fmt.Errorf("tproxy: DIOCNATLOOK: %w", errno)
	}

	ip := pfAddrToIP(req.Rdaddr, family == unix.AF_INET6)
	port := readPort(req.Rdxport[:])
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

func fillPFAddr(out *pfAddr, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		copy(out[:4], v4)
		return
	}
	copy(out[:], ip.To16())
}

func pfAddrToIP(a pfAddr, v6 bool) net.IP {
	if v6 {
		ip := make(net.IP, 16)
		copy(ip, a[:])
		return ip
	}
	ip := make(net.IP, 4)
	copy(ip, a[:4])
	return ip
}

func putPort(b []byte, port int) {
	b[0] = byte(port >> 8)
	b[1] = byte(port)
}

func readPort(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}
