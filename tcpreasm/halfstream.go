package tcpreasm

import "github.com/postmanlabs/flowbreak/ipdecode"

// tcpSubState is one direction's half of the per-connection TCP state
// machine (spec.md §3, "Half-Stream").
type tcpSubState int

const (
	subClose tcpSubState = iota
	subSynSent
	subSynRecv
	subEstablished
	subFinSent
	subFinConfirmed
	subClosing
)

// skbuff is an out-of-order segment queued until the gap ahead of it
// closes.
type skbuff struct {
	seq  uint32
	data []byte
	fin  bool
	urg  bool
	urgPtr uint16
}

// halfStream holds everything spec.md §3 assigns to one direction of a TCP
// connection: the reassembled byte stream that direction has sent, plus the
// TCP-level bookkeeping needed to reassemble it.
type halfStream struct {
	state tcpSubState

	seq          uint32 // next sequence number this side is expected to send
	ackSeq       uint32 // highest Ack this side has sent, acknowledging its peer
	haveAckSeq   bool
	firstDataSeq uint32

	// buf holds in-order bytes not yet consumed by the parser. Appending via
	// Go's append already grows it geometrically; there is no separate
	// capacity-doubling step to hand-roll here.
	buf      []byte
	count    int // cumulative bytes ever appended to buf (monotonic)
	urgCount int // urgent bytes counted toward EXP_SEQ

	oooList []skbuff // sorted by seq

	haveUrgentPtr bool
	lastUrgentPtr uint16

	tsOn       bool
	haveLastTS bool
	lastTS     uint32

	wsOn   bool
	wscale uint8
	mss    uint16
	window uint16
}

func newHalfStream() *halfStream {
	return &halfStream{wscale: 1}
}

// expSeq is EXP_SEQ from spec.md §4.3: the next sequence number this half
// expects to receive from its owning side.
func (h *halfStream) expSeq() uint32 {
	return h.firstDataSeq + uint32(h.count) + uint32(h.urgCount)
}

func negotiateOptions(client, server *halfStream, clientOpts, serverOpts ipdecode.TCPOptions) {
	if clientOpts.TimestampPresent && serverOpts.TimestampPresent {
		client.tsOn = true
		server.tsOn = true
	}
	if clientOpts.WindowScalePresent && serverOpts.WindowScalePresent {
		client.wsOn = true
		server.wsOn = true
		client.wscale = serverOpts.WindowScale
		server.wscale = clientOpts.WindowScale
	} else {
		client.wscale = 1
		server.wscale = 1
	}
}
