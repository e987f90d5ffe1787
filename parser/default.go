package parser

import (
	"time"

	"github.com/postmanlabs/flowbreak/registry"
)

// DefaultFactory builds Sessions for services registered under
// registry.ProtocolDefault: connections with no application-layer parser,
// which still get a breakdown record carrying byte counts and timing.
type DefaultFactory struct{}

func NewDefaultFactory() *DefaultFactory { return &DefaultFactory{} }

func (f *DefaultFactory) Name() string { return string(registry.ProtocolDefault) }

func (f *DefaultFactory) NewSession() Session { return &defaultSession{} }

type defaultSession struct {
	establishedAt time.Time
	clientBytes   int
	serverBytes   int
	lastActivity  time.Time
}

func (s *defaultSession) OnEstablished(ts time.Time) { s.establishedAt = ts }

func (s *defaultSession) OnUrgent(dir Direction, b byte, ts time.Time) {}

func (s *defaultSession) OnData(dir Direction, data []byte, ts time.Time) (int, SessionState) {
	if dir == FromClient {
		s.clientBytes += len(data)
	} else {
		s.serverBytes += len(data)
	}
	s.lastActivity = ts
	return len(data), Active
}

func (s *defaultSession) OnReset(dir Direction, ts time.Time) { s.lastActivity = ts }

func (s *defaultSession) OnFin(dir Direction, ts time.Time) SessionState {
	return Active
}

func (s *defaultSession) Breakdown() map[string]interface{} {
	return map[string]interface{}{
		"default_client_bytes": s.clientBytes,
		"default_server_bytes": s.serverBytes,
	}
}
