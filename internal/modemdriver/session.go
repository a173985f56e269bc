// Package modemdriver implements the per-port arbitration, scanning,
// SMS receive/URC handling, and SMS send logic that together drive one
// physical GSM modem over a serial transport.
package modemdriver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"i4.energy/across/modemfleet/internal/transport"
)

// State is a Session's lifecycle position. Transitions mirror the
// arbitration contract: at most one of {scan probe, receive listener, send
// transaction, auto-hangup write} may interact with the underlying port at
// any instant.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateIdle
	StateListening
	StatePaused
	StateSending
	StateHangingUp
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StatePaused:
		return "Paused"
	case StateSending:
		return "Sending"
	case StateHangingUp:
		return "HangingUp"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

var (
	ErrNotListening  = errors.New("modemdriver: port is not listening")
	ErrTokenMismatch = errors.New("modemdriver: resume token does not match the active pause")
	ErrPortClosed    = errors.New("modemdriver: port session is closed")
)

// Token is the handle returned by Pause and required by Resume, preventing
// a stray or duplicate Resume call from reviving a session paused by
// someone else.
type Token struct {
	id uint64
}

// ResumeFunc re-initializes a modem after its handle has been reopened
// (ATE0, AT+CMGF=1, AT+CNMI, AT+CSCS per spec §4.C) and resumes whatever read loop
// the listener runs. It is supplied by the SMS Receiver via AttachListener.
type ResumeFunc func(ctx context.Context, tr transport.Transport) error

// Session owns exclusive access to one serial port and arbitrates between
// the Scanner, the SMS Receiver's listen loop, the SMS Sender, and the
// auto-hangup policy. It is the invert-of-control seam described in the
// design notes: the scanner borrows the handle via WithExclusiveAccess and
// the sender calls Pause/Resume directly, while the listener registers a
// resume callback via
// AttachListener and is pumped back up transparently afterward.
type Session struct {
	portName string
	dialer   transport.Dialer

	mu       sync.Mutex
	state    State
	tr       transport.Transport
	token    Token
	tokenGen uint64
	resumeFn ResumeFunc
	baud     int

	// cmdMu serializes writes issued to an already-open, listening port
	// (auto-hangup's ATH/+CHUP vs the receiver's CMGR/CMGD fallback chain)
	// without requiring a full pause/reopen cycle.
	cmdMu sync.Mutex

	listenerGen uint64 // bumped on every Pause so a stale listen loop notices it's retired

	trace *Trace
}

// NewSession creates a Session for one named serial port.
func NewSession(portName string, dialer transport.Dialer) *Session {
	return &Session{
		portName: portName,
		dialer:   dialer,
		state:    StateClosed,
		trace:    NewTrace(64),
	}
}

// PortName returns the serial device name this Session arbitrates.
func (s *Session) PortName() string { return s.portName }

// Trace returns the session's bounded command/response audit ring,
// consulted by the auto-hangup policy for its best-effort rawLine capture.
func (s *Session) Trace() *Trace { return s.trace }

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening
}

// currentToken returns the token from the most recent Pause, for a
// caller (Receiver.ResumeListeningAsync) that only ever pauses and
// resumes a port from one place and so never needs to hold the token
// across the call itself.
func (s *Session) currentToken() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// AttachListener installs the listener's re-init callback and marks the
// session Listening over the given already-open transport. Called once by
// the SMS Receiver after it performs its own first open+init sequence.
func (s *Session) AttachListener(tr transport.Transport, baud int, resumeFn ResumeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tr = tr
	s.baud = baud
	s.resumeFn = resumeFn
	s.state = StateListening
}

// DetachListener tears down the listening state without closing the
// handle (the caller is responsible for Close), used when the Receiver is
// stopped deliberately rather than paused for another operation.
func (s *Session) DetachListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeFn = nil
	s.tr = nil
	s.state = StateClosed
	s.listenerGen++
}

// CurrentTransport returns the handle currently open on this session, if
// any, for callers (auto-hangup) that need write-only access without
// pausing the listener.
func (s *Session) CurrentTransport() (transport.Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil, false
	}
	return s.tr, true
}

// WriteCommand writes directly to the currently-open transport while the
// session remains Listening, serialized against other concurrent writers
// (auto-hangup vs the receiver's CMGR/CMGD fallback chain) via cmdMu. It
// does not pause or reopen the port.
func (s *Session) WriteCommand(data []byte) (int, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	tr, ok := s.CurrentTransport()
	if !ok {
		return 0, ErrPortClosed
	}
	s.trace.Record(TraceDirWrite, data)
	n, err := tr.Write(data)
	return n, err
}

// listenerGeneration reports the generation counter bumped on every Pause,
// so a listen loop goroutine can detect that it has been retired and must
// stop reading without racing a freshly Resumed loop for the same port.
func (s *Session) listenerGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerGen
}

// Pause suspends the listening state, closing the session's transport
// handle and returning a Token that must be passed to Resume. It is the
// visible half of the Pause/Resume contract used directly by callers that
// manage their own exclusive-access window (WithExclusiveAccess uses it
// internally).
func (s *Session) Pause(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateListening {
		return Token{}, ErrNotListening
	}

	if s.tr != nil {
		_ = s.tr.Close()
		s.tr = nil
	}
	s.listenerGen++
	s.tokenGen++
	tok := Token{id: s.tokenGen}
	s.token = tok
	s.state = StatePaused
	return tok, nil
}

// Resume reopens the port at its configured baud rate, runs the
// registered ResumeFunc to re-initialize the modem, and marks the session
// Listening again. Resume is safe to call even if the original listen
// loop already exited on its own (e.g. it observed the paused state) —
// it always starts a fresh transport and hands it back to the caller's
// resume callback, which is expected to restart whatever read loop it
// needs. A token that does not match the most recent Pause is rejected so
// a delayed, duplicate Resume from a previous operation cannot revive a
// session paused by someone else in the interim.
func (s *Session) Resume(ctx context.Context, tok Token) error {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return fmt.Errorf("modemdriver: resume on port %s: %w", s.portName, ErrNotListening)
	}
	if tok != s.token {
		s.mu.Unlock()
		return ErrTokenMismatch
	}
	resumeFn := s.resumeFn
	baud := s.baud
	s.state = StateOpening
	s.mu.Unlock()

	tr, err := s.dial(ctx, baud)
	if err != nil {
		s.mu.Lock()
		s.state = StatePaused
		s.mu.Unlock()
		return fmt.Errorf("modemdriver: resume dial on port %s: %w", s.portName, err)
	}

	s.mu.Lock()
	s.tr = tr
	s.baud = baud
	s.state = StateListening
	s.mu.Unlock()

	if resumeFn != nil {
		return resumeFn(ctx, tr)
	}
	return nil
}

// WithExclusiveAccess borrows the port for the duration of fn, pausing an
// active listener first (and guaranteeing its resume on every exit path,
// including a panic in fn) or simply opening the port fresh if nothing was
// listening. dialBaud overrides the baud rate used for this one borrowed
// open; pass 0 to reuse the session's last configured baud.
func (s *Session) WithExclusiveAccess(ctx context.Context, dialBaud int, action State, fn func(tr transport.Transport) error) error {
	s.mu.Lock()
	wasListening := s.state == StateListening
	s.mu.Unlock()

	var tok Token
	var err error
	if wasListening {
		tok, err = s.Pause(ctx)
		if err != nil {
			return err
		}
	}
	defer func() {
		if wasListening {
			if rerr := s.Resume(ctx, tok); rerr != nil {
				s.trace.Record(TraceDirNote, []byte("resume after exclusive access failed: "+rerr.Error()))
			}
		}
	}()

	s.mu.Lock()
	s.state = action
	s.mu.Unlock()

	tr, err := s.dial(ctx, dialBaud)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		return fmt.Errorf("modemdriver: exclusive open on port %s: %w", s.portName, err)
	}
	defer func() {
		_ = tr.Close()
		s.mu.Lock()
		if !wasListening {
			s.state = StateIdle
		}
		s.mu.Unlock()
	}()

	return fn(tr)
}

// dial opens a transport at baud if the session's dialer supports
// per-call baud selection (transport.BaudDialer), falling back to the
// dialer's own fixed-baud Dial otherwise. baud == 0 means "use whatever
// the dialer is already configured for".
func (s *Session) dial(ctx context.Context, baud int) (transport.Transport, error) {
	if baud == 0 {
		return s.dialer.Dial(ctx)
	}
	if bd, ok := s.dialer.(transport.BaudDialer); ok {
		return bd.DialAtBaud(ctx, baud)
	}
	return s.dialer.Dial(ctx)
}

// Close tears down any open transport and marks the session Closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.tr != nil {
		err = s.tr.Close()
		s.tr = nil
	}
	s.state = StateClosed
	return err
}

// TraceDir labels one entry in a Session's command/response audit ring.
type TraceDir int

const (
	TraceDirWrite TraceDir = iota
	TraceDirRead
	TraceDirNote
)

// traceEntry is one bounded record in a Trace ring buffer.
type traceEntry struct {
	dir TraceDir
	b   []byte
}

// Trace is a small bounded ring of recent port traffic, kept so the
// auto-hangup policy can attach a best-effort rawLine to the
// CallHangupRecord it produces without re-reading the port (spec §4.C).
type Trace struct {
	mu      sync.Mutex
	entries []traceEntry
	cap     int
	next    int
	full    bool
	seq     atomic.Uint64
}

// NewTrace creates a Trace ring holding up to capacity entries.
func NewTrace(capacity int) *Trace {
	if capacity <= 0 {
		capacity = 1
	}
	return &Trace{entries: make([]traceEntry, capacity), cap: capacity}
}

// Record appends one entry, evicting the oldest once the ring is full.
func (t *Trace) Record(dir TraceDir, b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), b...)
	t.entries[t.next] = traceEntry{dir: dir, b: cp}
	t.next = (t.next + 1) % t.cap
	if t.next == 0 {
		t.full = true
	}
	t.seq.Add(1)
}

// Tail returns up to maxBytes of the most recently recorded bytes,
// concatenated in chronological order, regardless of direction. It backs
// the auto-hangup policy's write-only-best-effort rawLine capture.
func (t *Trace) Tail(maxBytes int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	count := n
	if t.full {
		count = t.cap
	}
	ordered := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		idx := (n - count + i + t.cap) % t.cap
		ordered = append(ordered, t.entries[idx].b)
	}

	total := 0
	for _, e := range ordered {
		total += len(e)
	}
	start := 0
	if total > maxBytes {
		start = total - maxBytes
	}
	out := make([]byte, 0, total-start)
	skip := start
	for _, e := range ordered {
		if skip >= len(e) {
			skip -= len(e)
			continue
		}
		out = append(out, e[skip:]...)
		skip = 0
	}
	return string(out)
}
