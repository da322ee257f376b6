//go:build unix

package transport

import (
	"errors"
	"net"
	"syscall"
)

// readNow issues a single recvfrom on the socket, which the runtime keeps in
// non-blocking mode.
func (u *UDP) readNow(buf []byte) (int, *net.UDPAddr, error) {
	var (
		n    int
		from syscall.Sockaddr
		rerr error
	)
	err := u.raw.Read(func(fd uintptr) bool {
		n, from, rerr = syscall.Recvfrom(int(fd), buf, 0)
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	if rerr != nil {
		if errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, syscall.EWOULDBLOCK) || errors.Is(rerr, syscall.EINTR) {
			return 0, nil, errNoDatagram
		}
		return 0, nil, rerr
	}

	sa, ok := from.(*syscall.SockaddrInet4)
	if !ok {
		return n, nil, nil
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, sa.Addr[:])
	return n, &net.UDPAddr{IP: ip, Port: sa.Port}, nil
}
