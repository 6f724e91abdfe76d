package packet

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// ErrTruncated reports a datagram whose ICMP region is too short to hold the
// fixed tunnel prefix.
var ErrTruncated = errors.New("datagram too short for tunnel region")

// Decoder decodes raw IPv4 datagrams received from the ICMP socket into
// tunnel packets. It reuses the layer structs between calls, so it cannot be
// used concurrently, and the returned packet aliases the input buffer.
type Decoder struct {
	ipv4   *layers.IPv4
	parser *gopacket.DecodingLayerParser
}

func NewDecoder() *Decoder {
	var ip4 layers.IPv4
	dlp := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4)
	dlp.SetDecodingLayerContainer(gopacket.DecodingLayerSparse(nil))
	dlp.AddDecodingLayer(&ip4)
	// Stop parsing once the IP header is consumed; the tunnel region is not a
	// layer gopacket knows about.
	dlp.IgnoreUnsupported = true
	return &Decoder{
		ipv4:   &ip4,
		parser: dlp,
	}
}

// Decode splits the datagram into its IP header and ICMP region, extracts the
// IPv4 source and decodes the fixed tunnel prefix. The caller validates the
// magic; anything on a raw socket can fail here and failures are expected.
func (d *Decoder) Decode(raw RawPacket) (*TunnelPacket, error) {
	decoded := make([]gopacket.LayerType, 0, 1)
	if err := d.parser.DecodeLayers(raw.Data, &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode IP header")
	}
	if len(decoded) == 0 || decoded[0] != layers.LayerTypeIPv4 {
		return nil, errors.New("no IPv4 layer decoded")
	}
	src, ok := netip.AddrFromSlice(d.ipv4.SrcIP.To4())
	if !ok {
		return nil, errors.Errorf("cannot convert source IP %s to netip.Addr", d.ipv4.SrcIP)
	}
	region := d.ipv4.Payload
	if len(region) < HeaderLen {
		return nil, ErrTruncated
	}
	var dstAddr [4]byte
	copy(dstAddr[:], region[8:12])
	return &TunnelPacket{
		Type:     ipv4.ICMPType(region[0]),
		Code:     ControlCode(region[1]),
		Checksum: binary.BigEndian.Uint16(region[2:]),
		ID:       binary.BigEndian.Uint16(region[4:]),
		Seq:      binary.BigEndian.Uint16(region[6:]),
		Dst:      netip.AddrPortFrom(netip.AddrFrom4(dstAddr), binary.BigEndian.Uint16(region[12:])),
		Magic:    binary.BigEndian.Uint32(region[14:]),
		Payload:  region[HeaderLen:],
		Src:      src,
	}, nil
}
