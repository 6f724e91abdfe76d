package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RawPacket represents a raw datagram, either read off a raw socket or
// produced by an Encoder.
type RawPacket struct {
	Data []byte
}

// Encoder serializes tunnel packets into the ICMP region sent through a raw
// socket. The kernel prepends the IP header. The buffer is reused across
// calls, so an Encoder cannot be used concurrently and the returned RawPacket
// is only valid until the next Encode.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, HeaderLen),
	}
}

// Encode lays out the fixed tunnel region prefix in network byte order,
// appends the payload and fills in the Internet checksum computed over the
// whole region with the checksum field cleared.
func (e *Encoder) Encode(tp *TunnelPacket) (RawPacket, error) {
	dstAddr := tp.Dst.Addr()
	if !dstAddr.Is4() {
		return RawPacket{}, errors.Errorf("destination %s is not an IPv4 address", tp.Dst)
	}
	if cap(e.buf) < HeaderLen+len(tp.Payload) {
		e.buf = make([]byte, HeaderLen, HeaderLen+len(tp.Payload))
	}
	b := e.buf[:HeaderLen]
	b[0] = byte(tp.Type)
	b[1] = byte(tp.Code)
	// Checksum slot stays zero for the first pass.
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[4:], tp.ID)
	binary.BigEndian.PutUint16(b[6:], tp.Seq)
	addr := dstAddr.As4()
	copy(b[8:12], addr[:])
	binary.BigEndian.PutUint16(b[12:], tp.Dst.Port())
	binary.BigEndian.PutUint32(b[14:], tp.Magic)
	b = append(b, tp.Payload...)
	binary.BigEndian.PutUint16(b[2:], Checksum(b))
	e.buf = b
	return RawPacket{Data: b}, nil
}
