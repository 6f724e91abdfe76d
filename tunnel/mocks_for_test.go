//go:build darwin || linux

package tunnel

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/cloudflare/icmptun/packet"
)

// fakeRawConn stands in for the raw ICMP socket. The read side is backed by a
// Unix datagram socketpair so the engine's readiness loop has a real file
// descriptor to poll; writes are captured for inspection instead of hitting
// the network.
type fakeRawConn struct {
	t       *testing.T
	readFD  int
	writeFD int
	src     netip.Addr
	closed  atomic.Bool
	sent    chan sentDatagram
}

type sentDatagram struct {
	data []byte
	dst  netip.Addr
}

func newFakeRawConn(t *testing.T, src netip.Addr) *fakeRawConn {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	f := &fakeRawConn{
		t:       t,
		readFD:  fds[0],
		writeFD: fds[1],
		src:     src,
		sent:    make(chan sentDatagram, 16),
	}
	t.Cleanup(func() {
		unix.Close(f.writeFD)
		unix.Close(f.readFD)
	})
	return f
}

// inject makes a datagram readable on the engine's raw socket.
func (f *fakeRawConn) inject(b []byte) {
	_, err := unix.Write(f.writeFD, b)
	require.NoError(f.t, err)
}

// stop makes the next receive fail, which the engines treat as fatal.
func (f *fakeRawConn) stop() {
	f.closed.Store(true)
	f.inject([]byte{0})
}

func (f *fakeRawConn) ReadFrom(b []byte) (int, netip.Addr, error) {
	if f.closed.Load() {
		return 0, netip.Addr{}, errors.New("use of closed raw socket")
	}
	n, err := unix.Read(f.readFD, b)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	return n, f.src, nil
}

func (f *fakeRawConn) WriteTo(b []byte, dst netip.Addr) error {
	f.sent <- sentDatagram{data: append([]byte(nil), b...), dst: dst}
	return nil
}

func (f *fakeRawConn) Close() error { return nil }

func (f *fakeRawConn) FD() int { return f.readFD }

func (f *fakeRawConn) receiveSent() sentDatagram {
	f.t.Helper()
	select {
	case s := <-f.sent:
		return s
	case <-time.After(5 * time.Second):
		f.t.Fatal("timed out waiting for a datagram on the raw socket")
		return sentDatagram{}
	}
}

func (f *fakeRawConn) requireNothingSent() {
	f.t.Helper()
	select {
	case s := <-f.sent:
		f.t.Fatalf("unexpected datagram sent to %s: %x", s.dst, s.data)
	default:
	}
}

// tunnelDatagram encodes pk and wraps it in an IPv4 header from src, the
// shape a raw ICMP socket delivers.
func tunnelDatagram(t *testing.T, src netip.Addr, pk *packet.TunnelPacket) []byte {
	t.Helper()
	raw, err := packet.NewEncoder().Encode(pk)
	require.NoError(t, err)
	buf := gopacket.NewSerializeBuffer()
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src.AsSlice(),
		DstIP:    netip.MustParseAddr("10.0.0.1").AsSlice(),
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err = gopacket.SerializeLayers(buf, opts, ipLayer, gopacket.Payload(raw.Data))
	require.NoError(t, err)
	return buf.Bytes()
}

// parseRegion decodes a sent ICMP region (no IP header) back into its fields.
func parseRegion(t *testing.T, b []byte) *packet.TunnelPacket {
	t.Helper()
	require.GreaterOrEqual(t, len(b), packet.HeaderLen)
	var dstAddr [4]byte
	copy(dstAddr[:], b[8:12])
	return &packet.TunnelPacket{
		Type:     ipv4.ICMPType(b[0]),
		Code:     packet.ControlCode(b[1]),
		Checksum: binary.BigEndian.Uint16(b[2:]),
		ID:       binary.BigEndian.Uint16(b[4:]),
		Seq:      binary.BigEndian.Uint16(b[6:]),
		Dst:      netip.AddrPortFrom(netip.AddrFrom4(dstAddr), binary.BigEndian.Uint16(b[12:])),
		Magic:    binary.BigEndian.Uint32(b[14:]),
		Payload:  b[packet.HeaderLen:],
	}
}

// streamPair returns a connected stream socketpair: one end as a descriptor
// for the engine, the other kept by the test.
func streamPair(t *testing.T) (engineFD, testFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func readStream(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	read := 0
	for read < n {
		c, err := unix.Read(fd, buf[read:])
		require.NoError(t, err)
		require.NotZero(t, c, "stream closed before %d bytes arrived", n)
		read += c
	}
	return buf
}

func writeStream(t *testing.T, fd int, b []byte) {
	t.Helper()
	require.NoError(t, streamWrite(fd, b))
}

// requireEOF waits for the peer to close its end of the stream.
func requireEOF(t *testing.T, fd int) {
	t.Helper()
	buf := make([]byte, 1)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	require.Zero(t, n)
}
