package packet

import (
	"net/netip"

	"golang.org/x/net/ipv4"
)

const (
	// Magic is the tunnel discriminant embedded in every tunnel packet. A raw
	// ICMP socket sees every ICMP datagram delivered to the host; packets
	// without this value are unrelated traffic and must be ignored.
	Magic uint32 = 0x24426886

	// HeaderLen is the fixed prefix of the tunnel region: type, code,
	// checksum, id, sequence, destination address, destination port, magic.
	// Everything past it is stream payload.
	HeaderLen = 18
)

// ControlCode is the ICMP code field repurposed as the tunnel control
// discriminant.
type ControlCode uint8

const (
	// CodeData marks a packet carrying stream payload.
	CodeData ControlCode = 0
	// CodeEnd tears the tunnelled stream down. Only meaningful on an echo
	// request travelling from the initiator to the responder.
	CodeEnd ControlCode = 1
)

// TunnelPacket is the decoded wire unit exchanged between the two peers. It
// rides in the data region of an ICMP echo message; the IP header is supplied
// by the kernel on send and stripped by the Decoder on receive.
type TunnelPacket struct {
	Type     ipv4.ICMPType
	Code     ControlCode
	Checksum uint16
	// ID and Seq are carried as zero. The protocol does not use them.
	ID  uint16
	Seq uint16
	// Dst is the destination embedded by the initiator; the responder opens
	// its stream connection there.
	Dst   netip.AddrPort
	Magic uint32
	// Payload holds the stream bytes for this direction. May be empty.
	Payload []byte
	// Src is the IPv4 source of the received datagram. Set by the Decoder
	// only; ignored when encoding.
	Src netip.Addr
}

// IsTunnel reports whether the packet carries the tunnel magic.
func (tp *TunnelPacket) IsTunnel() bool {
	return tp.Magic == Magic
}
