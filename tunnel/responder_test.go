//go:build darwin || linux

package tunnel

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"github.com/cloudflare/icmptun/packet"
)

var (
	peerAddr = netip.MustParseAddr("10.0.0.100")
	dstAddr  = netip.MustParseAddrPort("10.0.0.5:80")
)

type responderHarness struct {
	t      *testing.T
	conn   *fakeRawConn
	dialed chan netip.AddrPort
	// streams delivers the test-side descriptor of each dialed connection.
	streams chan int
	done    chan error
}

func startResponder(t *testing.T) *responderHarness {
	t.Helper()
	log := zerolog.Nop()
	h := &responderHarness{
		t:       t,
		conn:    newFakeRawConn(t, peerAddr),
		dialed:  make(chan netip.AddrPort, 4),
		streams: make(chan int, 4),
		done:    make(chan error, 1),
	}
	r := NewResponder(&log)
	r.conn = h.conn
	r.dial = func(dst netip.AddrPort) (int, error) {
		engineFD, testFD := streamPair(t)
		h.dialed <- dst
		h.streams <- testFD
		return engineFD, nil
	}
	go func() {
		h.done <- r.Run()
	}()
	t.Cleanup(func() {
		h.conn.stop()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("responder did not stop")
		}
	})
	return h
}

func (h *responderHarness) injectRequest(code packet.ControlCode, dst netip.AddrPort, payload []byte) {
	h.conn.inject(tunnelDatagram(h.t, peerAddr, &packet.TunnelPacket{
		Type:    ipv4.ICMPTypeEcho,
		Code:    code,
		Dst:     dst,
		Magic:   packet.Magic,
		Payload: payload,
	}))
}

func (h *responderHarness) awaitDial(want netip.AddrPort) int {
	h.t.Helper()
	select {
	case dst := <-h.dialed:
		require.Equal(h.t, want, dst)
		return <-h.streams
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for the responder to dial")
		return -1
	}
}

func TestResponderRelaySession(t *testing.T) {
	h := startResponder(t)

	// First data-bearing request opens the stream and carries its payload.
	h.injectRequest(packet.CodeData, dstAddr, []byte("GET\n"))
	streamFD := h.awaitDial(dstAddr)
	require.Equal(t, []byte("GET\n"), readStream(t, streamFD, 4))

	// Bytes from the destination come back as echo replies to the peer.
	writeStream(t, streamFD, []byte("HTTP/1.0 200 OK\r\n"))
	sent := h.conn.receiveSent()
	require.Equal(t, peerAddr, sent.dst)
	reply := parseRegion(t, sent.data)
	require.Equal(t, ipv4.ICMPTypeEchoReply, reply.Type)
	require.Equal(t, packet.CodeData, reply.Code)
	require.Equal(t, dstAddr, reply.Dst)
	require.True(t, reply.IsTunnel())
	require.Equal(t, []byte("HTTP/1.0 200 OK\r\n"), reply.Payload)

	// An end request tears the stream down.
	h.injectRequest(packet.CodeEnd, dstAddr, nil)
	requireEOF(t, streamFD)

	// A second end request is a no-op, and the engine is back to idle: the
	// next data request opens a fresh stream.
	h.injectRequest(packet.CodeEnd, dstAddr, nil)
	h.injectRequest(packet.CodeData, dstAddr, []byte("again"))
	streamFD = h.awaitDial(dstAddr)
	require.Equal(t, []byte("again"), readStream(t, streamFD, 5))
}

func TestResponderIgnoresNoise(t *testing.T) {
	h := startResponder(t)

	// Wrong magic, reflected replies and garbage all fall on the floor.
	h.conn.inject(tunnelDatagram(t, peerAddr, &packet.TunnelPacket{
		Type:    ipv4.ICMPTypeEcho,
		Code:    packet.CodeData,
		Dst:     dstAddr,
		Magic:   0xDEADBEEF,
		Payload: []byte("not ours"),
	}))
	h.conn.inject(tunnelDatagram(t, peerAddr, &packet.TunnelPacket{
		Type:    ipv4.ICMPTypeEchoReply,
		Code:    packet.CodeData,
		Dst:     dstAddr,
		Magic:   packet.Magic,
		Payload: []byte("own reply"),
	}))
	h.conn.inject([]byte("not even a datagram"))

	// The engine is still idle and alive: a valid request opens the first
	// and only stream.
	h.injectRequest(packet.CodeData, dstAddr, []byte("hello"))
	streamFD := h.awaitDial(dstAddr)
	require.Equal(t, []byte("hello"), readStream(t, streamFD, 5))
	require.Empty(t, h.dialed)
	h.conn.requireNothingSent()
}

func TestResponderEmptyDataDoesNotOpenStream(t *testing.T) {
	h := startResponder(t)

	h.injectRequest(packet.CodeData, dstAddr, nil)
	h.injectRequest(packet.CodeData, dstAddr, []byte("x"))

	streamFD := h.awaitDial(dstAddr)
	require.Equal(t, []byte("x"), readStream(t, streamFD, 1))
	require.Empty(t, h.dialed)
}

func TestResponderDestinationChangeReconnects(t *testing.T) {
	h := startResponder(t)
	otherDst := netip.MustParseAddrPort("10.0.0.6:443")

	h.injectRequest(packet.CodeData, dstAddr, []byte("one"))
	first := h.awaitDial(dstAddr)
	require.Equal(t, []byte("one"), readStream(t, first, 3))

	h.injectRequest(packet.CodeData, otherDst, []byte("two"))
	second := h.awaitDial(otherDst)
	requireEOF(t, first)
	require.Equal(t, []byte("two"), readStream(t, second, 3))
}

func TestResponderStreamEOF(t *testing.T) {
	h := startResponder(t)

	h.injectRequest(packet.CodeData, dstAddr, []byte("GET\n"))
	streamFD := h.awaitDial(dstAddr)
	require.Equal(t, []byte("GET\n"), readStream(t, streamFD, 4))

	// Destination closes: the peer sees one empty data reply and the engine
	// returns to idle without originating an end request.
	closeStream(streamFD)
	sent := h.conn.receiveSent()
	reply := parseRegion(t, sent.data)
	require.Equal(t, ipv4.ICMPTypeEchoReply, reply.Type)
	require.Equal(t, packet.CodeData, reply.Code)
	require.Empty(t, reply.Payload)

	h.injectRequest(packet.CodeData, dstAddr, []byte("next"))
	next := h.awaitDial(dstAddr)
	require.Equal(t, []byte("next"), readStream(t, next, 4))
	h.conn.requireNothingSent()
}
