package modemdriver

import (
	"sync"

	"i4.energy/across/modemfleet/internal/transport"
)

// SessionRegistry hands out one Session per port name, creating it lazily
// on first use. This is the shared object the Scanner, Receiver, and
// Sender all go through so the arbitration invariant ("at most one of
// scan/listen/send/hangup touches a port at a time") holds across them.
type SessionRegistry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	dialerFor func(portName string) transport.Dialer
}

// NewSessionRegistry builds a registry whose Sessions dial through
// dialerFor, called once per port name the first time it's referenced.
func NewSessionRegistry(dialerFor func(portName string) transport.Dialer) *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[string]*Session),
		dialerFor: dialerFor,
	}
}

// Get returns the Session for portName, creating it on first use.
func (r *SessionRegistry) Get(portName string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[portName]; ok {
		return s
	}
	s := NewSession(portName, r.dialerFor(portName))
	r.sessions[portName] = s
	return s
}

// All returns every Session created so far, for shutdown sweeps.
func (r *SessionRegistry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes every known session's transport. The agent entrypoint
// calls it last during graceful shutdown, after the hub client has
// stopped and the receiver has been stopped.
func (r *SessionRegistry) CloseAll() {
	for _, s := range r.All() {
		_ = s.Close()
	}
}
