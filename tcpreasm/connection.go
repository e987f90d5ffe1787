package tcpreasm

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/parser"
	"github.com/postmanlabs/flowbreak/registry"
)

// connState is the connection-wide state machine from spec.md §3/§6.
type connState int

const (
	connInit connState = iota
	connSynSent
	connSynRecv
	connEstablished
	connDataExchanging
	connFinSent
	connFinConfirmed
	connClosing
	connClosed
	connTimeout
	connResetType1 // RST from client, pre-connected
	connResetType2 // RST from server, pre-connected
	connResetType3 // RST from client, post-connected
	connResetType4 // RST from server, post-connected
)

func (s connState) toBreakdownState() breakdown.TCPState {
	switch s {
	case connResetType1:
		return breakdown.StateResetType1
	case connResetType2:
		return breakdown.StateResetType2
	case connResetType3:
		return breakdown.StateResetType3
	case connResetType4:
		return breakdown.StateResetType4
	case connDataExchanging:
		return breakdown.StateDataExchanging
	case connFinConfirmed, connClosing, connClosed, connTimeout:
		return breakdown.StateClosed
	default:
		return breakdown.StateConnected
	}
}

// fourTuple canonically identifies a connection regardless of which
// direction a given packet travels. key is direction-agnostic; directionOf
// resolves which side of the stored tuple a given packet's src matches.
type fourTuple struct {
	ipA   string
	portA uint16
	ipB   string
	portB uint16
}

func newFourTuple(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) fourTuple {
	a := srcIP.String()
	b := dstIP.String()
	if a < b || (a == b && srcPort < dstPort) {
		return fourTuple{a, srcPort, b, dstPort}
	}
	return fourTuple{b, dstPort, a, srcPort}
}

// connection is one tracked TCP connection: both half-streams, the resolved
// protocol session, and the bookkeeping needed to emit its breakdown.
type connection struct {
	id   uint64
	uuid uuid.UUID

	key fourTuple

	clientIP   net.IP
	clientPort uint16
	serverIP   net.IP
	serverPort uint16

	client *halfStream
	server *halfStream

	state connState

	protocol   registry.Protocol
	session    parser.Session
	haveParser bool

	synAt        time.Time
	establishedAt time.Time
	lastActivity time.Time

	dupSynacks int
	retries    int
	firstRetryAt time.Time
	haveRetry    bool

	inCloseTimeout bool
	closeTimeoutAt time.Time

	stats breakdown.Stats

	insertionSeq uint64
}

func newConnection(id uint64, seq uint64, key fourTuple, clientIP net.IP, clientPort uint16, serverIP net.IP, serverPort uint16, proto registry.Protocol, factory parser.Factory, ts time.Time) *connection {
	c := &connection{
		id:           id,
		uuid:         uuid.New(),
		key:          key,
		clientIP:     clientIP,
		clientPort:   clientPort,
		serverIP:     serverIP,
		serverPort:   serverPort,
		client:       newHalfStream(),
		server:       newHalfStream(),
		state:        connInit,
		protocol:     proto,
		synAt:        ts,
		lastActivity: ts,
		insertionSeq: seq,
	}
	if factory != nil {
		c.session = factory.NewSession()
		c.haveParser = true
	}
	return c
}

// halves returns (sender, receiver) for a packet arriving from dir.
func (c *connection) halves(dir parser.Direction) (sender, receiver *halfStream) {
	if dir == parser.FromClient {
		return c.client, c.server
	}
	return c.server, c.client
}

func (c *connection) directionOf(srcIP net.IP, srcPort uint16) parser.Direction {
	if srcIP.Equal(c.clientIP) && srcPort == c.clientPort {
		return parser.FromClient
	}
	return parser.FromServer
}

func (c *connection) toRecord(ts time.Time) *breakdown.Record {
	r := &breakdown.Record{
		BreakdownID:      breakdown.NextBreakdownID(),
		Timestamp:        ts,
		Protocol:         string(c.protocol),
		SrcIP:            c.clientIP.String(),
		SrcPort:          int(c.clientPort),
		SvcIP:            c.serverIP.String(),
		SvcPort:          int(c.serverPort),
		ConnID:           c.id,
		State:            c.state.toBreakdownState(),
		Retries:          c.retries,
		DupSynacks:       c.dupSynacks,
		MSS:              c.server.mss,
		Stats:            c.stats,
	}
	if c.haveRetry {
		r.RetriesLatencyMs = c.firstRetryAt.Sub(c.synAt).Milliseconds()
	}
	if !c.establishedAt.IsZero() {
		r.ConnLatencyMs = c.establishedAt.Sub(c.synAt).Milliseconds()
	}
	if c.haveParser {
		r.ProtocolFields = c.session.Breakdown()
	}
	c.stats = breakdown.Stats{}
	return r
}
