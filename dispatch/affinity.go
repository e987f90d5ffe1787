// Package dispatch fans captured, defragmented datagrams out to a fixed
// pool of worker tasks, each owning a disjoint slice of TCP connections
// (spec.md §5). Connection affinity is a hash of the packet's 4-tuple: the
// same flow always lands on the same worker, so tcpreasm.Reassembler needs
// no locking.
package dispatch

import (
	"net"

	"github.com/OneOfOne/xxhash"

	"github.com/postmanlabs/flowbreak/ipdecode"
)

// WorkerIndex hashes an IP datagram's 4-tuple to a worker slot in
// [0, workerCount). Non-TCP or malformed datagrams hash to 0 so they still
// land somewhere deterministic; the caller's decode of the datagram proper
// will reject them.
func WorkerIndex(raw []byte, workerCount int) int {
	if workerCount <= 1 {
		return 0
	}
	ipH, tcpBytes, err := ipdecode.DecodeIPv4(raw)
	if err != nil || ipH.Protocol != ipdecode.ProtocolTCP || len(tcpBytes) < 4 {
		return 0
	}
	srcPort := uint16(tcpBytes[0])<<8 | uint16(tcpBytes[1])
	dstPort := uint16(tcpBytes[2])<<8 | uint16(tcpBytes[3])
	key := canonicalKey(ipH.SrcIP, srcPort, ipH.DstIP, dstPort)

	h := xxhash.New64()
	h.WriteString(key)
	return int(h.Sum64() % uint64(workerCount))
}

// canonicalKey is direction-agnostic so both packets of a flow hash to the
// same worker regardless of which endpoint sent them.
func canonicalKey(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) string {
	a := srcIP.String()
	b := dstIP.String()
	if a < b || (a == b && srcPort < dstPort) {
		return ipPortKey(a, srcPort) + "-" + ipPortKey(b, dstPort)
	}
	return ipPortKey(b, dstPort) + "-" + ipPortKey(a, srcPort)
}

func ipPortKey(ip string, port uint16) string {
	buf := make([]byte, 0, len(ip)+6)
	buf = append(buf, ip...)
	buf = append(buf, ':')
	buf = appendUint(buf, port)
	return string(buf)
}

func appendUint(buf []byte, v uint16) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [5]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}
