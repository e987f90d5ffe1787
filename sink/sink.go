// Package sink publishes completed breakdown.Record values. The primary
// sink is the line-oriented JSON writer spec.md §6 requires; sink.HAR and
// sink.AdminServer are additive operator-debugging surfaces (SPEC_FULL.md §2).
package sink

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/postmanlabs/flowbreak/breakdown"
	"github.com/postmanlabs/flowbreak/logging"
)

// JSONSink writes one JSON object per line per completed record, the way
// spec.md §6 describes the output. Safe for concurrent Emit from every
// dispatch worker; writes are serialized behind a mutex since the
// underlying writer (a file or stdout) isn't otherwise safe for that.
type JSONSink struct {
	mu  sync.Mutex
	w   *bufio.Writer
	out io.WriteCloser
}

// Open returns a JSONSink writing to path, or to stdout if path is "" or
// "-". The caller owns calling Close on shutdown.
func Open(path string) (*JSONSink, error) {
	if path == "" || path == "-" {
		return &JSONSink{w: bufio.NewWriter(os.Stdout)}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sink file %s", path)
	}
	return &JSONSink{w: bufio.NewWriter(f), out: f}, nil
}

// Emit serializes and writes one record, flushing immediately so a crashed
// process doesn't lose buffered-but-unflushed breakdowns. Matches
// breakdown.Record.ToJSON's field set exactly.
func (s *JSONSink) Emit(r *breakdown.Record) {
	b, err := r.ToJSON()
	if err != nil {
		logging.Stderr.Errorf("failed to marshal breakdown record: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		logging.Stderr.Errorf("failed to write breakdown record: %v", err)
		return
	}
	if err := s.w.WriteByte('\n'); err != nil {
		logging.Stderr.Errorf("failed to write breakdown record: %v", err)
		return
	}
	if err := s.w.Flush(); err != nil {
		logging.Stderr.Errorf("failed to flush breakdown sink: %v", err)
	}
}

// Close flushes and, for file-backed sinks, closes the underlying file.
func (s *JSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush breakdown sink on close")
	}
	if s.out != nil {
		return s.out.Close()
	}
	return nil
}

// Fanout broadcasts each record to every configured Emit func, so the agent
// can wire the mandatory JSON sink alongside the optional HAR sink without
// either one knowing about the other.
type Fanout struct {
	emits []func(*breakdown.Record)
}

func NewFanout(emits ...func(*breakdown.Record)) *Fanout {
	return &Fanout{emits: emits}
}

func (f *Fanout) Emit(r *breakdown.Record) {
	for _, e := range f.emits {
		e(r)
	}
}
