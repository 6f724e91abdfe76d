//go:build darwin || linux

package tunnel

import (
	"net/netip"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/cloudflare/icmptun/packet"
)

// ClientProxy is the client-side half of the tunnel. It binds a local
// listening stream socket, accepts exactly one inbound connection and relays
// it to the responder as ICMP echo requests, writing the responder's echo
// replies back to the stream.
type ClientProxy struct {
	logger *zerolog.Logger
	proxy  netip.Addr
	local  netip.AddrPort
	dst    netip.AddrPort

	// conn is swappable for tests; Run opens a real raw socket when nil.
	conn rawConn
}

// NewClientProxy configures the initiator. proxy is the responder's address,
// local the address to accept the inbound stream on, and dst the destination
// the responder will connect to on our behalf.
func NewClientProxy(logger *zerolog.Logger, proxy netip.Addr, local, dst netip.AddrPort) *ClientProxy {
	return &ClientProxy{
		logger: logger,
		proxy:  proxy,
		local:  local,
		dst:    dst,
	}
}

// Run binds the listener, waits for a single inbound stream connection and
// relays it until the stream reaches end of stream. It returns nil after
// emitting the teardown request, also when sending it failed.
func (p *ClientProxy) Run() error {
	listenFD, err := listenStream(p.local)
	if err != nil {
		return err
	}
	defer closeStream(listenFD)
	if bound, err := localAddr(listenFD); err == nil {
		p.logger.Info().Str("addr", bound.String()).Msg("Waiting for stream connection")
	}
	return p.Serve(listenFD)
}

// Serve accepts one inbound connection on an already listening socket and
// relays it. Split from Run so the accept path can be driven against any
// listener.
func (p *ClientProxy) Serve(listenFD int) error {
	streamFD, from, err := acceptStream(listenFD)
	if err != nil {
		return err
	}
	p.logger.Info().Str("from", from.String()).Str("dst", p.dst.String()).Msg("Stream connection accepted")

	c := client{
		logger:    p.logger,
		conn:      p.conn,
		decoder:   packet.NewDecoder(),
		encoder:   packet.NewEncoder(),
		proxy:     p.proxy,
		dst:       p.dst,
		streamFD:  streamFD,
		icmpBuf:   make([]byte, icmpBufferSize),
		streamBuf: make([]byte, streamBufferSize),
	}
	return c.run()
}

// client relays the accepted stream over ICMP. It only ever originates echo
// requests and only ever consumes echo replies; the direction tag is enough
// to filter reflected traffic without sequence matching.
type client struct {
	logger  *zerolog.Logger
	conn    rawConn
	decoder *packet.Decoder
	encoder *packet.Encoder

	proxy    netip.Addr
	dst      netip.AddrPort
	streamFD int

	icmpBuf   []byte
	streamBuf []byte
}

func (c *client) run() error {
	defer closeStream(c.streamFD)
	if c.conn == nil {
		conn, err := openRawICMP()
		if err != nil {
			return err
		}
		c.conn = conn
	}
	defer c.conn.Close()

	for {
		ready, err := waitReadable([]watchedSocket{
			{tag: socketStream, fd: c.streamFD},
			{tag: socketICMP, fd: c.conn.FD()},
		})
		if err != nil {
			return err
		}
		for _, w := range ready {
			switch w.tag {
			case socketStream:
				done, err := c.handleStream()
				if err != nil {
					return err
				}
				if done {
					c.logger.Info().Msg("Stream closed, tunnel torn down")
					return nil
				}
			case socketICMP:
				if err := c.handleICMP(); err != nil {
					return err
				}
			}
		}
	}
}

func (c *client) handleStream() (done bool, err error) {
	n, err := streamRead(c.streamFD, c.streamBuf)
	if err != nil {
		return false, err
	}
	code := packet.CodeData
	if n == 0 {
		code = packet.CodeEnd
	}
	pk := packet.TunnelPacket{
		Type:    ipv4.ICMPTypeEcho,
		Code:    code,
		Dst:     c.dst,
		Magic:   packet.Magic,
		Payload: c.streamBuf[:n],
	}
	raw, err := c.encoder.Encode(&pk)
	if err != nil {
		return false, err
	}
	if err := c.conn.WriteTo(raw.Data, c.proxy); err != nil {
		// Not fatal for a single datagram; persistent failure surfaces as an
		// error on the next receive.
		c.logger.Error().Err(err).Str("proxy", c.proxy.String()).Msg("Failed to send echo request")
	} else {
		incrementTunnelRequest()
	}
	return code == packet.CodeEnd, nil
}

func (c *client) handleICMP() error {
	n, _, err := c.conn.ReadFrom(c.icmpBuf)
	if err != nil {
		return err
	}
	pk, err := c.decoder.Decode(packet.RawPacket{Data: c.icmpBuf[:n]})
	if err != nil {
		incrementDecodeFailure()
		c.logger.Debug().Err(err).Msg("Dropping undecodable datagram")
		return nil
	}
	if !pk.IsTunnel() {
		return nil
	}
	if pk.Type == ipv4.ICMPTypeEcho {
		// Our own requests looped back, or a foreign probe.
		return nil
	}
	incrementTunnelReply()
	if len(pk.Payload) == 0 {
		return nil
	}
	return streamWrite(c.streamFD, pk.Payload)
}
