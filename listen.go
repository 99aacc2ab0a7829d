package server

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking TCP socket bound to addr:port and listening
// with the given backlog. Port 0 picks an ephemeral port, see BoundPort.
func Listen(addr string, port, backlog int) (int, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return -1, errors.Errorf("invalid listen address %q", addr)
	}

	var (
		domain = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		a := &unix.SockaddrInet4{Port: port}
		copy(a.Addr[:], ip4)
		sa = a
	} else {
		domain = unix.AF_INET6
		a := &unix.SockaddrInet6{Port: port}
		copy(a.Addr[:], ip.To16())
		sa = a
	}

	sockfd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(sockfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(sockfd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(sockfd, sa); err != nil {
		unix.Close(sockfd)
		return -1, errors.Wrapf(err, "bind %s", net.JoinHostPort(addr, fmt.Sprint(port)))
	}
	if err := unix.Listen(sockfd, backlog); err != nil {
		unix.Close(sockfd)
		return -1, errors.Wrap(err, "listen")
	}
	return sockfd, nil
}

// BoundPort returns the local port of a bound socket.
func BoundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, errors.Errorf("unexpected socket address %T", sa)
}

func SockaddrString(s unix.Sockaddr) string {
	switch a := s.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprint(a.Port))
	case *unix.SockaddrUnix:
		return "unix:" + a.Name
	default:
		return "unknown socket type"
	}
}
