//go:build darwin || linux

package tunnel

import (
	"net/netip"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/cloudflare/icmptun/packet"
)

// Responder is the server-side relay. It accepts tunnel echo requests on a
// raw ICMP socket, lazily opens a stream connection to the destination
// embedded in the first data-bearing request, and mirrors the destination's
// responses back to the peer as echo replies. Exactly one tunnelled stream is
// active at a time; teardown is signalled in-band by an echo request carrying
// the end code.
type Responder struct {
	logger  *zerolog.Logger
	conn    rawConn
	decoder *packet.Decoder
	encoder *packet.Encoder

	// dial is swappable so tests can relay into an in-process socket.
	dial func(netip.AddrPort) (int, error)

	peer     netip.Addr
	dst      netip.AddrPort
	streamFD int

	icmpBuf   []byte
	streamBuf []byte
}

func NewResponder(logger *zerolog.Logger) *Responder {
	return &Responder{
		logger:    logger,
		decoder:   packet.NewDecoder(),
		encoder:   packet.NewEncoder(),
		dial:      dialStream,
		streamFD:  -1,
		icmpBuf:   make([]byte, icmpBufferSize),
		streamBuf: make([]byte, streamBufferSize),
	}
}

// Run blocks, accepting and relaying one tunnel session after another until
// the raw socket fails or the process is killed.
func (r *Responder) Run() error {
	if r.conn == nil {
		conn, err := openRawICMP()
		if err != nil {
			return err
		}
		r.conn = conn
	}
	defer r.conn.Close()
	defer r.dropStream()

	r.logger.Info().Msg("Waiting for tunnel requests")
	for {
		watched := []watchedSocket{{tag: socketICMP, fd: r.conn.FD()}}
		if r.streamFD >= 0 {
			watched = append(watched, watchedSocket{tag: socketStream, fd: r.streamFD})
		}
		ready, err := waitReadable(watched)
		if err != nil {
			return err
		}
		for _, w := range ready {
			switch w.tag {
			case socketICMP:
				if err := r.handleICMP(); err != nil {
					return err
				}
			case socketStream:
				// The stream may have been torn down by an end request
				// handled earlier in the same ready batch.
				if r.streamFD == w.fd {
					r.handleStream()
				}
			}
		}
	}
}

func (r *Responder) handleICMP() error {
	n, src, err := r.conn.ReadFrom(r.icmpBuf)
	if err != nil {
		return err
	}
	pk, err := r.decoder.Decode(packet.RawPacket{Data: r.icmpBuf[:n]})
	if err != nil {
		// Unrelated ICMP traffic on the host is expected.
		incrementDecodeFailure()
		r.logger.Debug().Err(err).Msg("Dropping undecodable datagram")
		return nil
	}
	if !pk.IsTunnel() {
		return nil
	}
	if pk.Type != ipv4.ICMPTypeEcho {
		// Either our own replies echoed back or a foreign message.
		return nil
	}
	incrementTunnelRequest()
	r.peer = src

	if pk.Code == packet.CodeEnd {
		if r.streamFD >= 0 {
			r.dropStream()
			r.logger.Info().Str("peer", src.String()).Msg("Tunnel session closed by peer")
		}
		return nil
	}

	if r.streamFD >= 0 && pk.Dst != r.dst {
		r.logger.Info().Str("dst", r.dst.String()).Str("newDst", pk.Dst.String()).Msg("Destination changed, reconnecting")
		r.dropStream()
	}
	r.dst = pk.Dst

	if r.streamFD < 0 {
		if len(pk.Payload) == 0 {
			// Empty data never opens a connection; the end code is the
			// authoritative teardown signal.
			return nil
		}
		fd, err := r.dial(pk.Dst)
		if err != nil {
			r.logger.Error().Err(err).Str("dst", pk.Dst.String()).Msg("Failed to connect to destination")
			return nil
		}
		r.streamFD = fd
		incrementSessionOpened()
		r.logger.Info().Str("peer", src.String()).Str("dst", pk.Dst.String()).Msg("Tunnel session opened")
	}

	if len(pk.Payload) == 0 {
		return nil
	}
	if err := streamWrite(r.streamFD, pk.Payload); err != nil {
		r.logger.Error().Err(err).Str("dst", r.dst.String()).Msg("Stream write failed, dropping session")
		r.dropStream()
	}
	return nil
}

func (r *Responder) handleStream() {
	n, err := streamRead(r.streamFD, r.streamBuf)
	if err != nil {
		r.logger.Error().Err(err).Str("dst", r.dst.String()).Msg("Stream read failed, dropping session")
		r.dropStream()
		return
	}
	r.sendReply(r.streamBuf[:n])
	if n == 0 {
		// The destination half-closed. The empty reply above surfaces that to
		// the peer; dropping the socket keeps the level-triggered wait from
		// spinning on EOF. The responder never originates an end request.
		r.dropStream()
		r.logger.Info().Str("dst", r.dst.String()).Msg("Destination closed stream")
	}
}

func (r *Responder) sendReply(data []byte) {
	pk := packet.TunnelPacket{
		Type:    ipv4.ICMPTypeEchoReply,
		Code:    packet.CodeData,
		Dst:     r.dst,
		Magic:   packet.Magic,
		Payload: data,
	}
	raw, err := r.encoder.Encode(&pk)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode echo reply")
		return
	}
	if err := r.conn.WriteTo(raw.Data, r.peer); err != nil {
		// A single failed send is not fatal; persistent failure surfaces as
		// an error on the next receive.
		r.logger.Error().Err(err).Str("peer", r.peer.String()).Msg("Failed to send echo reply")
		return
	}
	incrementTunnelReply()
}

func (r *Responder) dropStream() {
	if r.streamFD >= 0 {
		closeStream(r.streamFD)
		r.streamFD = -1
		incrementSessionClosed()
	}
}
