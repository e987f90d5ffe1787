package dispatch

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildIPv4WithTCPPorts(srcIP, dstIP string, srcPort, dstPort uint16) []byte {
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:4], 24)
	hdr[9] = 6
	copy(hdr[12:16], net.ParseIP(srcIP).To4())
	copy(hdr[16:20], net.ParseIP(dstIP).To4())
	tcp := make([]byte, 4)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	return append(hdr, tcp...)
}

func TestWorkerIndexStableAcrossDirection(t *testing.T) {
	fwd := buildIPv4WithTCPPorts("10.0.0.1", "10.0.0.2", 5000, 80)
	rev := buildIPv4WithTCPPorts("10.0.0.2", "10.0.0.1", 80, 5000)

	assert.Equal(t, WorkerIndex(fwd, 8), WorkerIndex(rev, 8))
}

func TestWorkerIndexSingleWorker(t *testing.T) {
	pkt := buildIPv4WithTCPPorts("10.0.0.1", "10.0.0.2", 5000, 80)
	assert.Equal(t, 0, WorkerIndex(pkt, 1))
}

func TestWorkerIndexDistributesAcrossFlows(t *testing.T) {
	seen := map[int]bool{}
	for port := uint16(1000); port < 1100; port++ {
		pkt := buildIPv4WithTCPPorts("10.0.0.1", "10.0.0.2", port, 80)
		seen[WorkerIndex(pkt, 8)] = true
	}
	assert.Greater(t, len(seen), 1)
}
