// Package registry holds the set of application services (ip:port pairs)
// the agent reconstructs traffic for, and maps each to the protocol parser
// that should handle it.
//
// Lookups must never block behind a writer: the capture/dispatch loop calls
// Lookup on every accepted packet. Per the redesign notes in spec.md §9, we
// use an atomic pointer to an immutable map rather than the source's
// reader-writer-locked double buffer -- same contract (readers never block a
// writer, writer swaps the whole set atomically), one atomic load per read.
package registry

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Protocol is the tag a Service Entry is registered under. Parsers are
// resolved from this tag by the caller (cmd/flowbreak-agent's factory map,
// handed to tcpreasm as a Resolver), not by this package.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolMySQL   Protocol = "mysql"
	ProtocolDefault Protocol = "default"
)

// Entry is one `{ ip, port, protocol_tag }` registration. Immutable once
// installed.
type Entry struct {
	IP       net.IP
	Port     uint16
	Protocol Protocol
}

func key(ip net.IP, port uint16) string {
	return ip.String() + ":" + strconv.Itoa(int(port))
}

func (e Entry) key() string {
	return key(e.IP, e.Port)
}

// Registry is the concurrent-read, single-writer service map.
type Registry struct {
	current atomic.Pointer[map[string]Entry]
}

// New returns an empty registry. Lookups against it always miss until
// Replace is called at least once.
func New() *Registry {
	r := &Registry{}
	empty := map[string]Entry{}
	r.current.Store(&empty)
	return r
}

// Lookup resolves ip:port to its registered entry. It is lock-free and safe
// to call concurrently with Replace.
func (r *Registry) Lookup(ip net.IP, port uint16) (Entry, bool) {
	m := *r.current.Load()
	e, ok := m[key(ip, port)]
	return e, ok
}

// Replace atomically swaps in a new set of entries. In-flight connections
// bound to a service that's no longer present keep using the parser they
// already hold -- this package has no notion of "in-flight connections", so
// that guarantee is the caller's (tcpreasm's) responsibility: it resolves
// the parser once, at connection-creation time, and never re-consults the
// registry for the lifetime of the connection.
func (r *Registry) Replace(entries []Entry) error {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.IP == nil {
			return errors.New("service entry missing IP")
		}
		if e.Port == 0 {
			return errors.Errorf("service entry for %s missing port", e.IP)
		}
		m[e.key()] = e
	}
	r.current.Store(&m)
	return nil
}

// Snapshot returns the currently installed entries, for introspection
// (operator tooling, the admin endpoint in sink/adminhttp.go).
func (r *Registry) Snapshot() []Entry {
	m := *r.current.Load()
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// fragExpr is the documented IPv4-fragment BPF predicate from spec.md §6.
const fragExpr = "ip[6]&0x20!=0 or (ip[6]&0x20=0 and ip[6:2]&0x1fff!=0)"

// FilterExpression derives the BPF-style predicate advertised to the
// (out-of-scope) capture subsystem: a disjunction over every registered
// service, plus a clause admitting IPv4 fragments and ICMP, grounded on
// apidump/net.go's getInboundBPFFilter.
func (r *Registry) FilterExpression() string {
	entries := r.Snapshot()
	if len(entries) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(entries))
	for _, e := range entries {
		clauses = append(clauses, fmt.Sprintf(
			"(ip host %s and (tcp port %d or (tcp and (%s))))",
			e.IP.String(), e.Port, fragExpr,
		))
	}
	return strings.Join(clauses, " or ") + " or icmp"
}
