// Package tcpreasm reconstructs bidirectional TCP byte streams from
// individual (already IP-defragmented) datagrams and drives the protocol
// parser contract in package parser (spec.md §4.3).
//
// There is no background goroutine sweeping idle or half-closed
// connections: the FIN close timeout is piggybacked on ordinary packet
// arrival, exactly like ipdefrag's queue sweep, so a Reassembler's only
// mutable state is the map of connections it owns and touches from a single
// dispatch task (spec.md §5 -- connection-affinity dispatch, no locking).
package tcpreasm

import (
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/ipdecode"
	"github.com/postmanlabs/flowbreak/parser"
	"github.com/postmanlabs/flowbreak/registry"
)

const (
	// maxConnections bounds one Reassembler's table. At evictHighWater of
	// that, the oldest connection by insertion order is dropped to make
	// room, per spec.md §3's literal eviction rule.
	maxConnections  = 65536
	evictHighWater  = 0.8
	closeTimeout    = 30 * time.Second
	tinyPacketBytes = 1
)

// Resolver resolves a destination ip:port to the protocol it should be
// parsed as, and the Factory to build a Session for it. ok is false when the
// destination isn't a registered service.
type Resolver func(ip net.IP, port uint16) (registry.Protocol, parser.Factory, bool)

// Emit publishes one completed session-breakdown record (spec.md §4.7 wires
// this to the JSON sink).
type Emit func(*breakdown.Record)

// Reassembler owns every connection dispatched to it and is not safe for
// concurrent use -- callers (dispatch) guarantee every packet for a given
// 4-tuple always reaches the same Reassembler instance.
type Reassembler struct {
	resolve Resolver
	emit    Emit

	conns map[fourTuple]*connection
	order []fourTuple // insertion order, for eviction

	nextInsertionSeq uint64
}

func New(resolve Resolver, emit Emit) *Reassembler {
	return &Reassembler{
		resolve: resolve,
		emit:    emit,
		conns:   make(map[fourTuple]*connection),
	}
}

// OnIPDatagram processes one already-defragmented IPv4 datagram carrying a
// TCP segment. raw is the full IP datagram (header included).
func (r *Reassembler) OnIPDatagram(raw []byte, ts time.Time) error {
	ipH, tcpBytes, err := ipdecode.DecodeIPv4(raw)
	if err != nil {
		return errors.Wrap(err, "tcpreasm: decoding IP header")
	}
	if ipH.Protocol != ipdecode.ProtocolTCP {
		return nil
	}
	tcpH, payload, err := ipdecode.DecodeTCP(tcpBytes)
	if err != nil {
		return errors.Wrap(err, "tcpreasm: decoding TCP header")
	}

	key := newFourTuple(ipH.SrcIP, tcpH.SrcPort, ipH.DstIP, tcpH.DstPort)
	conn, ok := r.conns[key]
	if !ok {
		conn, ok = r.admit(key, ipH, tcpH, ts)
		if !ok {
			return nil
		}
		// The admitting SYN is counted but not replayed as a SYN retransmit.
		conn.stats.TotalPkts++
		r.sweepCloseTimeouts(ts)
		return nil
	}
	conn.lastActivity = ts
	r.sweepCloseTimeouts(ts)

	dir := conn.directionOf(ipH.SrcIP, tcpH.SrcPort)
	r.handleSegment(conn, dir, tcpH, payload, ts)
	return nil
}

// admit decides whether a brand-new 4-tuple should start being tracked: only
// a lone SYN addressed to a registered service starts a connection: a
// handshake observed mid-stream (capture started late) is not reconstructed,
// matching spec.md §3's "deferred/dropped" edge case.
func (r *Reassembler) admit(key fourTuple, ipH *ipdecode.IPv4Header, tcpH *ipdecode.TCPHeader, ts time.Time) (*connection, bool) {
	if !tcpH.SYN || tcpH.ACK {
		return nil, false
	}
	proto, factory, ok := r.resolve(ipH.DstIP, tcpH.DstPort)
	if !ok {
		return nil, false
	}
	r.evictIfNeeded()

	id := breakdown.NextConnectionID()
	r.nextInsertionSeq++
	conn := newConnection(id, r.nextInsertionSeq, key, ipH.SrcIP, tcpH.SrcPort, ipH.DstIP, tcpH.DstPort, proto, factory, ts)
	conn.state = connSynSent
	conn.client.state = subSynSent
	conn.client.seq = tcpH.Seq + 1
	conn.client.firstDataSeq = tcpH.Seq + 1
	if tcpH.Options.MSSPresent {
		conn.client.mss = tcpH.Options.MSS
	}
	// Offered options, kept until the SYN-ACK settles what both sides use.
	conn.client.tsOn = tcpH.Options.TimestampPresent
	conn.client.wsOn = tcpH.Options.WindowScalePresent
	if tcpH.Options.WindowScalePresent {
		conn.client.wscale = tcpH.Options.WindowScale
	}
	r.conns[key] = conn
	r.order = append(r.order, key)
	return conn, true
}

func (r *Reassembler) evictIfNeeded() {
	if float64(len(r.conns)) < float64(maxConnections)*evictHighWater {
		return
	}
	for len(r.order) > 0 {
		oldest := r.order[0]
		r.order = r.order[1:]
		if _, ok := r.conns[oldest]; ok {
			delete(r.conns, oldest)
			return
		}
	}
}

func (r *Reassembler) removeConnection(conn *connection) {
	delete(r.conns, conn.key)
}

func (r *Reassembler) sweepCloseTimeouts(ts time.Time) {
	for key, conn := range r.conns {
		if conn.inCloseTimeout && !ts.Before(conn.closeTimeoutAt) {
			conn.state = connTimeout
			r.publish(conn, ts)
			delete(r.conns, key)
		}
	}
}

func (r *Reassembler) publish(conn *connection, ts time.Time) {
	if r.emit == nil {
		return
	}
	r.emit(conn.toRecord(ts))
}

func (r *Reassembler) handleSegment(conn *connection, dir parser.Direction, tcpH *ipdecode.TCPHeader, payload []byte, ts time.Time) {
	sender, receiver := conn.halves(dir)
	conn.stats.TotalPkts++
	if len(payload) > 0 && len(payload) <= tinyPacketBytes {
		conn.stats.TinyPkts++
	}

	if tcpH.RST {
		r.handleReset(conn, dir, ts)
		return
	}

	switch conn.state {
	case connSynSent:
		r.handleSynSentPhase(conn, dir, tcpH, ts)
		return
	case connSynRecv:
		r.handleSynRecvPhase(conn, dir, tcpH, ts)
		return
	}

	if tcpH.ACK && sender.haveAckSeq && tcpH.Ack == sender.ackSeq && len(payload) == 0 && !tcpH.SYN && !tcpH.FIN {
		conn.stats.DupAcks++
	}
	if tcpH.Window == 0 {
		conn.stats.ZeroWindows++
	}
	receiver.window = tcpH.Window
	sender.ackSeq = tcpH.Ack
	sender.haveAckSeq = true

	if sender.tsOn && tcpH.Options.TimestampPresent {
		if sender.haveLastTS && tsLess(tcpH.Options.TSVal, sender.lastTS) {
			conn.stats.PawsPkts++
			return
		}
		sender.lastTS = tcpH.Options.TSVal
		sender.haveLastTS = true
	}

	if len(payload) > 0 || tcpH.FIN {
		r.deliverOrQueue(conn, dir, sender, tcpH, payload, ts)
	}

	if tcpH.FIN {
		r.handleFin(conn, dir, ts)
	}
}

func (r *Reassembler) handleSynSentPhase(conn *connection, dir parser.Direction, tcpH *ipdecode.TCPHeader, ts time.Time) {
	if dir == parser.FromClient && tcpH.SYN && !tcpH.ACK {
		// Retransmitted SYN before any SYN-ACK: counts as a connect retry.
		conn.stats.RetransmittedPkts++
		if !conn.haveRetry {
			conn.haveRetry = true
			conn.firstRetryAt = ts
		}
		conn.retries++
		return
	}
	if dir == parser.FromServer && tcpH.SYN && tcpH.ACK {
		if conn.state == connSynRecv {
			conn.dupSynacks++
			return
		}
		conn.state = connSynRecv
		conn.server.state = subSynRecv
		conn.server.seq = tcpH.Seq + 1
		conn.server.firstDataSeq = tcpH.Seq + 1
		conn.server.ackSeq = tcpH.Ack
		conn.server.haveAckSeq = true
		if tcpH.Options.MSSPresent {
			conn.server.mss = tcpH.Options.MSS
		}
		clientOpts := ipdecode.TCPOptions{TimestampPresent: conn.client.tsOn, WindowScalePresent: conn.client.wsOn, WindowScale: conn.client.wscale}
		conn.client.tsOn, conn.client.wsOn = false, false
		negotiateOptions(conn.client, conn.server, clientOpts, tcpH.Options)
		return
	}
}

func (r *Reassembler) handleSynRecvPhase(conn *connection, dir parser.Direction, tcpH *ipdecode.TCPHeader, ts time.Time) {
	if dir == parser.FromServer && tcpH.SYN && tcpH.ACK {
		conn.dupSynacks++
		return
	}
	if dir == parser.FromClient && tcpH.ACK {
		conn.state = connEstablished
		conn.client.state = subEstablished
		conn.server.state = subEstablished
		conn.establishedAt = ts
		if conn.haveParser {
			conn.session.OnEstablished(ts)
		}
		r.publish(conn, ts)
	}
}

// deliverOrQueue appends in-order bytes to sender's buffer, draining any
// out-of-order segments the new data connects to, then offers whatever
// contiguous bytes are now available to the protocol session. Segments that
// arrive ahead of the expected sequence are queued rather than delivered.
func (r *Reassembler) deliverOrQueue(conn *connection, dir parser.Direction, sender *halfStream, tcpH *ipdecode.TCPHeader, payload []byte, ts time.Time) {
	exp := sender.expSeq()

	if tcpH.URG && tcpH.UrgentPointer > 0 {
		r.deliverWithUrgent(conn, dir, sender, tcpH, payload, ts, exp)
		return
	}

	if seqLess(tcpH.Seq, exp) {
		overlap := exp - tcpH.Seq
		if overlap >= uint32(len(payload)) {
			conn.stats.RetransmittedPkts++
			return
		}
		conn.stats.RetransmittedPkts++
		payload = payload[overlap:]
	} else if seqGreaterEq(tcpH.Seq, exp) && tcpH.Seq != exp {
		conn.stats.OutOfOrderPkts++
		sender.oooList = append(sender.oooList, skbuff{seq: tcpH.Seq, data: append([]byte(nil), payload...)})
		sort.Slice(sender.oooList, func(i, j int) bool { return seqLess(sender.oooList[i].seq, sender.oooList[j].seq) })
		return
	}

	r.appendAndDrain(conn, dir, sender, payload, ts)
}

func (r *Reassembler) appendAndDrain(conn *connection, dir parser.Direction, sender *halfStream, payload []byte, ts time.Time) {
	sender.buf = append(sender.buf, payload...)
	sender.count += len(payload)

	for len(sender.oooList) > 0 {
		next := sender.oooList[0]
		exp := sender.expSeq()
		if seqLess(next.seq, exp) {
			sender.oooList = sender.oooList[1:]
			continue
		}
		if next.seq != exp {
			break
		}
		sender.buf = append(sender.buf, next.data...)
		sender.count += len(next.data)
		sender.oooList = sender.oooList[1:]
	}

	r.offerToParser(conn, dir, sender, ts)
}

func (r *Reassembler) deliverWithUrgent(conn *connection, dir parser.Direction, sender *halfStream, tcpH *ipdecode.TCPHeader, payload []byte, ts time.Time, exp uint32) {
	urgentSeq := tcpH.Seq + uint32(tcpH.UrgentPointer) - 1
	if seqLess(urgentSeq, exp) || uint32(len(payload)) == 0 {
		r.appendAndDrain(conn, dir, sender, payload, ts)
		return
	}
	offset := urgentSeq - tcpH.Seq
	if offset > uint32(len(payload)-1) {
		r.appendAndDrain(conn, dir, sender, payload, ts)
		return
	}
	before := payload[:offset]
	urgentByte := payload[offset]
	after := payload[offset+1:]

	r.appendAndDrain(conn, dir, sender, before, ts)
	sender.urgCount++
	if conn.haveParser {
		conn.session.OnUrgent(dir, urgentByte, ts)
	}
	r.appendAndDrain(conn, dir, sender, after, ts)
}

func (r *Reassembler) offerToParser(conn *connection, dir parser.Direction, sender *halfStream, ts time.Time) {
	if !conn.haveParser || len(sender.buf) == 0 {
		return
	}
	conn.state = connDataExchanging
	for len(sender.buf) > 0 {
		consumed, state := conn.session.OnData(dir, sender.buf, ts)
		if consumed <= 0 {
			break
		}
		sender.buf = sender.buf[consumed:]
		if state == parser.Done {
			r.publish(conn, ts)
		}
	}
}

func (r *Reassembler) handleFin(conn *connection, dir parser.Direction, ts time.Time) {
	sender, _ := conn.halves(dir)
	sender.state = subFinSent

	if conn.haveParser {
		if state := conn.session.OnFin(dir, ts); state == parser.Done {
			r.publish(conn, ts)
		}
	}

	if conn.client.state == subFinSent && conn.server.state == subFinSent {
		conn.state = connFinConfirmed
		conn.publishAndClose(r, ts)
		return
	}
	conn.state = connClosing
	conn.inCloseTimeout = true
	conn.closeTimeoutAt = ts.Add(closeTimeout)
}

func (conn *connection) publishAndClose(r *Reassembler, ts time.Time) {
	r.publish(conn, ts)
	r.removeConnection(conn)
}

func (r *Reassembler) handleReset(conn *connection, dir parser.Direction, ts time.Time) {
	postConnected := conn.state == connEstablished || conn.state == connDataExchanging || conn.state == connClosing
	if dir == parser.FromClient {
		if postConnected {
			conn.state = connResetType3
		} else {
			conn.state = connResetType1
		}
	} else {
		if postConnected {
			conn.state = connResetType4
		} else {
			conn.state = connResetType2
		}
	}
	if postConnected && conn.haveParser {
		conn.session.OnReset(dir, ts)
	}
	r.publish(conn, ts)
	r.removeConnection(conn)
}

// ConnectionCount reports the number of connections currently tracked, for
// tests and operator introspection.
func (r *Reassembler) ConnectionCount() int {
	return len(r.conns)
}
