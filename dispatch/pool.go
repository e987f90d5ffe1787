package dispatch

import (
	"time"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/logging"
	"github.com/postmanlabs/flowbreak/tcpreasm"
)

// Datagram is one fully IP-reassembled datagram handed from the IP-assembly
// task to a dispatch worker.
type Datagram struct {
	Bytes []byte
	TS    time.Time
}

const inboundBufferSize = 256

// Pool is the fixed pool of dispatch workers from spec.md §5: each owns a
// disjoint tcpreasm.Reassembler and only ever receives datagrams whose
// 4-tuple hashes to its slot, so no connection's state is ever touched by
// more than one goroutine -- no per-connection locking anywhere in the
// pipeline.
type Pool struct {
	inbound []chan Datagram
	done    chan struct{}
}

// NewPool starts workerCount dispatch goroutines, each running its own
// tcpreasm.Reassembler that resolves parsers via resolve and publishes
// completed breakdowns by calling emit. emit is invoked concurrently from
// different workers; the sink owns serializing writes.
func NewPool(workerCount int, resolve tcpreasm.Resolver, emit func(*breakdown.Record)) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		inbound: make([]chan Datagram, workerCount),
		done:    make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		ch := make(chan Datagram, inboundBufferSize)
		p.inbound[i] = ch
		go p.runWorker(i, ch, resolve, emit)
	}
	return p
}

func (p *Pool) runWorker(index int, inbound <-chan Datagram, resolve tcpreasm.Resolver, emit func(*breakdown.Record)) {
	r := tcpreasm.New(resolve, emit)
	for {
		select {
		case <-p.done:
			p.drain(index, inbound, r)
			return
		case dgram, ok := <-inbound:
			if !ok {
				return
			}
			if err := r.OnIPDatagram(dgram.Bytes, dgram.TS); err != nil {
				logging.V(2).Debugf("dispatch worker %d: %v", index, err)
			}
		}
	}
}

// drain processes whatever is already queued before a worker exits, so a
// shutdown signal doesn't silently drop datagrams already accepted.
func (p *Pool) drain(index int, inbound <-chan Datagram, r *tcpreasm.Reassembler) {
	for {
		select {
		case dgram, ok := <-inbound:
			if !ok {
				return
			}
			if err := r.OnIPDatagram(dgram.Bytes, dgram.TS); err != nil {
				logging.V(2).Debugf("dispatch worker %d: %v", index, err)
			}
		default:
			return
		}
	}
}

// Submit routes one datagram to the worker its 4-tuple hashes to. Submit
// must not be called after Stop.
func (p *Pool) Submit(raw []byte, ts time.Time) {
	idx := WorkerIndex(raw, len(p.inbound))
	select {
	case p.inbound[idx] <- Datagram{Bytes: raw, TS: ts}:
	case <-p.done:
	}
}

// Stop signals every worker to drain its queue and exit. It does not block
// until workers finish; callers that need that guarantee should track
// completion separately (e.g. via a sync.WaitGroup wrapped around Submit's
// caller).
func (p *Pool) Stop() {
	close(p.done)
}
