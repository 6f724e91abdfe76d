package packet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestChecksumKnownVectors(t *testing.T) {
	// Worked example from RFC 1071 section 3.
	require.Equal(t, uint16(0x220d), Checksum([]byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}))
	// A lone byte is the high byte of the final word.
	require.Equal(t, uint16(0x54ff), Checksum([]byte{0xab}))
	require.Equal(t, uint16(0xffff), Checksum(nil))
}

func TestChecksumLaw(t *testing.T) {
	encoder := NewEncoder()
	payloads := [][]byte{nil, []byte("GET\n"), []byte("odd"), make([]byte, 1024)}
	for _, payload := range payloads {
		raw, err := encoder.Encode(&TunnelPacket{
			Type:    ipv4.ICMPTypeEcho,
			Code:    CodeData,
			Dst:     netip.MustParseAddrPort("10.0.0.5:80"),
			Magic:   Magic,
			Payload: payload,
		})
		require.NoError(t, err)

		written := binary.BigEndian.Uint16(raw.Data[2:])
		zeroed := append([]byte(nil), raw.Data...)
		zeroed[2], zeroed[3] = 0, 0
		require.Equal(t, Checksum(zeroed), written)

		// Summing a region that includes its own checksum folds to all ones,
		// so the inverted sum is zero.
		require.Zero(t, Checksum(raw.Data))
	}
}
