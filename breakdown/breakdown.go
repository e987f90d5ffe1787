// Package breakdown defines the session-breakdown record spec.md §3/§6
// describes, and the monotonic ID counters shared by every connection.
package breakdown

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// TCPState is the tcp_state enum from spec.md §6.
type TCPState int

const (
	StateConnected TCPState = iota
	StateDataExchanging
	StateClosed
	StateResetType1
	StateResetType2
	StateResetType3
	StateResetType4
)

var breakdownIDCounter uint64
var connectionIDCounter uint64

// NextBreakdownID returns the next process-global, monotonically increasing
// breakdown_id. Safe for concurrent use from any dispatch task.
func NextBreakdownID() uint64 {
	return atomic.AddUint64(&breakdownIDCounter, 1)
}

// NextConnectionID returns the next process-global, monotonically
// increasing connection_id.
func NextConnectionID() uint64 {
	return atomic.AddUint64(&connectionIDCounter, 1)
}

// Stats holds the per-transaction counters that spec.md §3 says are reset to
// zero after each breakdown is published.
type Stats struct {
	TotalPkts           int
	TinyPkts            int
	PawsPkts            int
	RetransmittedPkts   int
	OutOfOrderPkts      int
	ZeroWindows         int
	DupAcks             int
}

// Record is one session-breakdown: the common TCP fields plus whatever
// protocol-specific fields the owning parser.Session.Breakdown() produced.
type Record struct {
	BreakdownID uint64
	Timestamp   time.Time
	Protocol    string

	SrcIP   string
	SrcPort int
	SvcIP   string
	SvcPort int

	ConnID              uint64
	State               TCPState
	Retries             int
	RetriesLatencyMs    int64
	DupSynacks          int
	MSS                 uint16
	ConnLatencyMs       int64

	Stats

	// ProtocolFields holds the keys a parser.Session.Breakdown() produced
	// (e.g. http_method, mysql_state). It is set on every record of a
	// connection that has a parser, CONNECTED/CLOSED records included, and
	// then holds whatever Breakdown() returns (empty when no transaction has
	// completed); it is nil only for connections without a parser.
	ProtocolFields map[string]interface{}
}

// ToJSON renders the record using the exact field names spec.md §6 requires.
func (r *Record) ToJSON() ([]byte, error) {
	m := map[string]interface{}{
		"breakdown_id": r.BreakdownID,
		"timestamp":    r.Timestamp.UnixMilli(),
		"protocol":     r.Protocol,

		"source_ip":   r.SrcIP,
		"source_port": r.SrcPort,
		"service_ip":  r.SvcIP,
		"service_port": r.SvcPort,

		"tcp_connection_id":          r.ConnID,
		"tcp_state":                  int(r.State),
		"tcp_retries":                r.Retries,
		"tcp_retries_latency":        r.RetriesLatencyMs,
		"tcp_duplicate_synacks":      r.DupSynacks,
		"tcp_mss":                    r.MSS,
		"tcp_connection_latency":     r.ConnLatencyMs,
		"tcp_total_packets":          r.TotalPkts,
		"tcp_tiny_packets":           r.TinyPkts,
		"tcp_paws_packets":           r.PawsPkts,
		"tcp_retransmitted_packets":  r.RetransmittedPkts,
		"tcp_out_of_order_packets":   r.OutOfOrderPkts,
		"tcp_zero_windows":           r.ZeroWindows,
		"tcp_duplicate_acks":         r.DupAcks,
	}
	for k, v := range r.ProtocolFields {
		m[k] = v
	}
	return json.Marshal(m)
}
