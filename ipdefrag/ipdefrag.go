// Package ipdefrag reassembles fragmented IPv4 datagrams, per spec §4.2.
//
// This is hand-rolled rather than borrowed from gopacket/ip4defrag: that
// package (used by several repos in the retrieval pack) doesn't expose the
// per-queue TTL, max-assembled-size drop, or "neither endpoint registered"
// short-circuit this component needs, and bolting those on from outside
// would mean re-deriving its internal fragment list anyway. See DESIGN.md.
package ipdefrag

import (
	"net"
	"sync"
	"time"

	"github.com/postmanlabs/flowbreak/ipdecode"
)

const (
	queueTTL       = 30 * time.Second
	maxAssembled   = 65535
	maxQueueBudget = 65535 // suggested cap on concurrently tracked queues
)

// EndpointRegistered reports whether ip:port names a registered TCP
// service. The defragmenter uses it to drop datagrams for flows nobody
// cares about without paying for full reassembly.
type EndpointRegistered func(ip net.IP, port uint16) bool

type flowKey struct {
	src, dst string
	id       uint16
}

type fragment struct {
	offset, end int
	payload     []byte
}

type fragQueue struct {
	key        flowKey
	fragments  []fragment // sorted by offset, pairwise non-overlapping
	header     []byte     // IP header bytes from the offset-zero fragment
	haveHeader bool
	totalLen   int // -1 until the final fragment (MF=0) has arrived
	size       int // bytes currently held, for the max-assembled-size check
	expiresAt  time.Time
}

// Defragmenter holds per-flow fragment queues and emits whole datagrams.
type Defragmenter struct {
	mu         sync.Mutex
	queues     map[flowKey]*fragQueue
	registered EndpointRegistered
}

func New(registered EndpointRegistered) *Defragmenter {
	return &Defragmenter{
		queues:     map[flowKey]*fragQueue{},
		registered: registered,
	}
}

// Defragment consumes one IPv4 datagram's bytes. It returns the whole
// datagram (unchanged, or newly assembled) and true when one is ready, or
// (nil, false) if the datagram was malformed, dropped, or is still
// incomplete.
func (d *Defragmenter) Defragment(raw []byte, ts time.Time) ([]byte, bool) {
	h, payload, err := ipdecode.DecodeIPv4(raw)
	if err != nil {
		return nil, false
	}
	if h.Protocol != ipdecode.ProtocolTCP {
		return nil, false
	}

	// Fast path: already a whole datagram.
	if !h.MoreFragments && h.FragOffset == 0 {
		if !d.anyEndpointRegistered(h.SrcIP, h.DstIP, payload) {
			d.sweep(ts)
			return nil, false
		}
		d.sweep(ts)
		return raw, true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := flowKey{src: h.SrcIP.String(), dst: h.DstIP.String(), id: h.ID}
	q, ok := d.queues[k]
	if !ok {
		q = &fragQueue{key: k, totalLen: -1}
		d.queues[k] = q
	}
	q.expiresAt = ts.Add(queueTTL)

	frag := fragment{offset: int(h.FragOffset), end: int(h.FragOffset) + len(payload), payload: payload}
	if frag.offset == 0 {
		headerLen := int(h.IHL) * 4
		if headerLen <= len(raw) {
			q.header = append([]byte(nil), raw[:headerLen]...)
			q.haveHeader = true
		}
	}
	if !h.MoreFragments {
		q.totalLen = frag.end
	}

	insertFragment(q, frag)

	if q.size > maxAssembled || (q.totalLen >= 0 && q.totalLen > maxAssembled) {
		delete(d.queues, k)
		d.sweepLocked(ts)
		return nil, false
	}

	assembled, done := tryAssemble(q)
	if !done {
		d.sweepLocked(ts)
		return nil, false
	}
	delete(d.queues, k)

	if !d.anyEndpointRegistered(h.SrcIP, h.DstIP, assembled[int(h.IHL)*4:]) {
		d.sweepLocked(ts)
		return nil, false
	}

	ipdecode.RewriteWhole(assembled, len(assembled))
	d.sweepLocked(ts)
	return assembled, true
}

// anyEndpointRegistered peeks at the TCP ports in the segment fragment that
// carries them (offset zero only has a full TCP header; non-leading
// fragments of a not-yet-complete datagram have none, in which case we
// optimistically keep queuing and re-check at completion time).
func (d *Defragmenter) anyEndpointRegistered(srcIP, dstIP net.IP, tcpBytes []byte) bool {
	if d.registered == nil {
		return true
	}
	if len(tcpBytes) < 4 {
		// No TCP header available yet (non-leading fragment); don't drop solely
		// on that basis, let the completion-time check decide.
		return true
	}
	srcPort := uint16(tcpBytes[0])<<8 | uint16(tcpBytes[1])
	dstPort := uint16(tcpBytes[2])<<8 | uint16(tcpBytes[3])
	return d.registered(srcIP, srcPort) || d.registered(dstIP, dstPort)
}

// insertFragment inserts frag into q's sorted fragment list, clamping
// against overlaps with its neighbors so earlier-arrived bytes always win.
func insertFragment(q *fragQueue, frag fragment) {
	i := 0
	for ; i < len(q.fragments); i++ {
		if q.fragments[i].offset >= frag.offset {
			break
		}
	}
	// Clamp against the immediately preceding fragment.
	if i > 0 {
		prev := q.fragments[i-1]
		if prev.end > frag.offset {
			trim := prev.end - frag.offset
			if trim >= len(frag.payload) {
				return // wholly covered by the earlier fragment
			}
			frag.payload = frag.payload[trim:]
			frag.offset = prev.end
		}
	}
	// Clamp against subsequent fragments.
	for j := i; j < len(q.fragments); j++ {
		next := q.fragments[j]
		if frag.end <= next.offset {
			break
		}
		if frag.offset >= next.offset {
			return // wholly covered by a later-sorted (earlier-arrived) fragment
		}
		overlap := frag.end - next.offset
		frag.payload = frag.payload[:len(frag.payload)-overlap]
		frag.end = next.offset
	}
	if frag.offset >= frag.end {
		return
	}

	q.size += len(frag.payload)
	q.fragments = append(q.fragments, fragment{})
	copy(q.fragments[i+1:], q.fragments[i:])
	q.fragments[i] = frag
}

// tryAssemble concatenates the queue into one datagram if it now forms a
// contiguous run covering [0, totalLen).
func tryAssemble(q *fragQueue) ([]byte, bool) {
	if q.totalLen < 0 || !q.haveHeader {
		return nil, false
	}
	covered := 0
	for _, f := range q.fragments {
		if f.offset != covered {
			return nil, false
		}
		covered = f.end
	}
	if covered != q.totalLen {
		return nil, false
	}

	out := make([]byte, len(q.header)+q.totalLen)
	copy(out, q.header)
	off := len(q.header)
	for _, f := range q.fragments {
		copy(out[off+f.offset:], f.payload)
	}
	return out, true
}

func (d *Defragmenter) sweep(ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked(ts)
}

func (d *Defragmenter) sweepLocked(ts time.Time) {
	for k, q := range d.queues {
		if ts.After(q.expiresAt) {
			delete(d.queues, k)
		}
	}
}

// QueueCount reports how many fragment queues are currently live, for
// introspection and tests.
func (d *Defragmenter) QueueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
