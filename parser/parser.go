// Package parser defines the protocol-parser contract tcpreasm dispatches
// reassembled bytes to (spec.md §4.4).
//
// The source repository expresses this contract as a function-pointer table
// operating on an opaque, manually allocated/freed per-connection state
// blob. In Go, "opaque state with an explicit allocator/free pair" is just
// an interface value backed by a struct the garbage collector reclaims when
// the connection drops its reference -- so Session plays the role of
// new_state/free_state together, and Breakdown() plays the role of
// new_breakdown/build_breakdown/free_breakdown: it returns a plain value
// instead of asking the caller to manage a second opaque object's lifetime.
package parser

import "time"

// Direction identifies which half of a TCP connection a byte range or
// control event came from.
type Direction int

const (
	FromClient Direction = iota
	FromServer
)

func (d Direction) String() string {
	if d == FromServer {
		return "server"
	}
	return "client"
}

// SessionState is returned by the callbacks that can complete a
// request/response transaction.
type SessionState int

const (
	// Active means the current transaction is still being assembled.
	Active SessionState = iota
	// Done means the transaction is complete; the caller should fetch
	// Breakdown() and reset state for the next transaction on the same
	// connection.
	Done
)

// Factory constructs a new, empty Session for one connection. Factories are
// stateless and safe to share across connections; Session is not.
type Factory interface {
	NewSession() Session
	// Name identifies the protocol tag this factory is registered under
	// (registry.ProtocolHTTP, registry.ProtocolMySQL, ...).
	Name() string
}

// Session is the per-connection, per-protocol state machine. Exactly one
// Session exists per Connection for the Connection's lifetime; tcpreasm
// frees it simply by dropping its reference when the connection is
// destroyed.
type Session interface {
	// OnEstablished fires once, when the TCP three-way handshake completes.
	OnEstablished(ts time.Time)

	// OnUrgent delivers a single TCP urgent-pointer byte out of band from the
	// ordinary byte stream.
	OnUrgent(dir Direction, b byte, ts time.Time)

	// OnData delivers every in-order byte of one direction not yet consumed,
	// including bytes offered on earlier calls. It returns how many of those
	// bytes it consumed (the remainder stays buffered and is reoffered on the
	// next call) and whether doing so completed a transaction.
	OnData(dir Direction, data []byte, ts time.Time) (consumed int, state SessionState)

	// OnReset notifies the session that dir sent RST. Only called for
	// resets observed after the connection reached ESTABLISHED.
	OnReset(dir Direction, ts time.Time)

	// OnFin notifies the session that dir sent FIN. May itself complete a
	// transaction (e.g. an HTTP response with no Content-Length, terminated by
	// the server closing the connection).
	OnFin(dir Direction, ts time.Time) SessionState

	// Breakdown returns the protocol-specific fields for the transaction that
	// just completed, and resets the session's per-transaction state so it is
	// ready for the next request/response pair on the same connection.
	Breakdown() map[string]interface{}
}
