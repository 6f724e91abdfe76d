//go:build darwin || linux

package tunnel

// This file holds the socket plumbing shared by the initiator and responder.
// Both engines multiplex a raw ICMP socket and at most one TCP stream socket
// through a level-triggered readiness loop, so everything is kept at the file
// descriptor layer.

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// icmpBufferSize fits the largest ICMP datagram a raw socket delivers,
	// IP header included.
	icmpBufferSize = 65565
	// streamBufferSize bounds a single stream read, and with it the payload
	// of a single tunnel packet.
	streamBufferSize = 1024
)

// rawConn is the raw ICMP socket surface the engines use. Reads return whole
// IP datagrams, header included; writes take an assembled ICMP region and
// leave the IP header to the kernel.
type rawConn interface {
	ReadFrom(b []byte) (int, netip.Addr, error)
	WriteTo(b []byte, dst netip.Addr) error
	Close() error
	FD() int
}

type rawICMPConn struct {
	fd int
}

// openRawICMP opens a privileged raw ICMP socket. This requires CAP_NET_RAW
// or equivalent; acquiring it is the host's concern.
func openRawICMP() (*rawICMPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open raw ICMP socket")
	}
	return &rawICMPConn{fd: fd}, nil
}

func (c *rawICMPConn) ReadFrom(b []byte) (int, netip.Addr, error) {
	for {
		n, from, err := unix.Recvfrom(c.fd, b, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, netip.Addr{}, errors.Wrap(err, "raw receive failed")
		}
		var src netip.Addr
		if sa, ok := from.(*unix.SockaddrInet4); ok {
			src = netip.AddrFrom4(sa.Addr)
		}
		return n, src, nil
	}
}

func (c *rawICMPConn) WriteTo(b []byte, dst netip.Addr) error {
	// Raw ICMP has no ports; the port field of the sockaddr is ignored by
	// the stack and must not be relied on.
	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	if err := unix.Sendto(c.fd, b, 0, sa); err != nil {
		return errors.Wrapf(err, "raw send to %s failed", dst)
	}
	return nil
}

func (c *rawICMPConn) Close() error {
	return unix.Close(c.fd)
}

func (c *rawICMPConn) FD() int {
	return c.fd
}

func newStreamSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "failed to open stream socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "failed to set SO_REUSEADDR")
	}
	return fd, nil
}

// dialStream opens a TCP connection to dst and returns its descriptor.
func dialStream(dst netip.AddrPort) (int, error) {
	fd, err := newStreamSocket()
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().As4()}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "failed to connect to %s", dst)
	}
	return fd, nil
}

// listenStream binds a listening TCP socket to local with address reuse
// enabled and a backlog of one.
func listenStream(local netip.AddrPort) (int, error) {
	fd, err := newStreamSocket()
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: int(local.Port()), Addr: local.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "failed to bind to %s", local)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen failed")
	}
	return fd, nil
}

func acceptStream(listenFD int) (int, netip.Addr, error) {
	for {
		fd, from, err := unix.Accept(listenFD)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, netip.Addr{}, errors.Wrap(err, "accept failed")
		}
		var peer netip.Addr
		if sa, ok := from.(*unix.SockaddrInet4); ok {
			peer = netip.AddrFrom4(sa.Addr)
		}
		return fd, peer, nil
	}
}

// localAddr reports the address a socket is bound to.
func localAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "getsockname failed")
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, errors.New("socket is not bound to an IPv4 address")
	}
	return netip.AddrPortFrom(netip.AddrFrom4(inet4.Addr), uint16(inet4.Port)), nil
}

// streamRead reads up to len(b) bytes. A zero count with a nil error reports
// the peer's half-close.
func streamRead(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "stream read failed")
		}
		return n, nil
	}
}

// streamWrite writes all of b.
func streamWrite(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "stream write failed")
		}
		b = b[n:]
	}
	return nil
}

func closeStream(fd int) {
	_ = unix.Close(fd)
}
