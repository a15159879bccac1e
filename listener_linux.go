package strand

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listener is one listening socket. Every worker owns its own, bound to
// the same address with SO_REUSEPORT so the kernel spreads accepts
// across the pool. The owning worker closes it first during drain.
type listener struct {
	fd   int
	addr *net.TCPAddr
}

const listenBacklog = 1024

// listenTCP opens a nonblocking listening socket on addr. When addr asks
// for an ephemeral port, the port actually chosen is reported back in
// the returned listener's address so further sockets can bind the same
// one. A wildcard host binds dual-stack.
func listenTCP(addr string) (*listener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	domain := unix.AF_INET6
	wildcard := ta.IP == nil || ta.IP.IsUnspecified()
	if !wildcard && ta.IP.To4() != nil {
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := configureAndBind(fd, domain, ta, wildcard); err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	resolved, ok := saToAddr(sa).(*net.TCPAddr)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %q: unexpected socket family", addr)
	}
	return &listener{fd: fd, addr: resolved}, nil
}

func configureAndBind(fd, domain int, ta *net.TCPAddr, wildcard bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("set SO_REUSEPORT: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		s4 := &unix.SockaddrInet4{Port: ta.Port}
		copy(s4.Addr[:], ta.IP.To4())
		sa = s4
	} else {
		if wildcard {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
				return fmt.Errorf("set IPV6_V6ONLY: %w", err)
			}
		}
		s6 := &unix.SockaddrInet6{Port: ta.Port}
		if !wildcard {
			copy(s6.Addr[:], ta.IP.To16())
			if ta.Zone != "" {
				if ifi, err := net.InterfaceByName(ta.Zone); err == nil {
					s6.ZoneId = uint32(ifi.Index)
				}
			}
		}
		sa = s6
	}

	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", ta, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fmt.Errorf("listen %s: %w", ta, err)
	}
	return nil
}

func (l *listener) close() error {
	if l == nil || l.fd < 0 {
		return unix.EINVAL
	}
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}
