package capture

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildEthernetIPv4(payload []byte) []byte {
	eth := make([]byte, 14)
	eth[12], eth[13] = 0x08, 0x00 // EtherType IPv4

	ip := make([]byte, 20+len(payload))
	ip[0] = 0x45
	ip[9] = 6 // TCP
	totalLen := uint16(len(ip))
	ip[2], ip[3] = byte(totalLen>>8), byte(totalLen)
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	copy(ip[20:], payload)

	return append(eth, ip...)
}

func TestToIPv4DatagramStripsLinkLayer(t *testing.T) {
	raw := buildEthernetIPv4([]byte("hello"))
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	dgram, ok := toIPv4Datagram(pkt)
	require.True(t, ok)
	assert.Equal(t, byte(0x45), dgram.Bytes[0])
	assert.Equal(t, []byte("hello"), dgram.Bytes[20:])
}

func TestToIPv4DatagramRejectsNonIPv4(t *testing.T) {
	eth := make([]byte, 14)
	eth[12], eth[13] = 0x08, 0x06 // ARP, no network layer gopacket decodes as IPv4
	pkt := gopacket.NewPacket(eth, layers.LayerTypeEthernet, gopacket.Default)

	_, ok := toIPv4Datagram(pkt)
	assert.False(t, ok)
}
