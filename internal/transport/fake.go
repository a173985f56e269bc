package transport

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Fake is an in-memory Transport used by tests throughout this module. It
// records everything written to it and lets the test feed canned responses
// on demand, mirroring the teacher's hand-rolled TestTransport/mockTransport
// helpers rather than a generated mock.
type Fake struct {
	mu       sync.Mutex
	writes   [][]byte
	pending  bytes.Buffer
	closed   bool
	onWrite  func(p []byte)
	readTick time.Duration
}

// NewFake creates a ready-to-use Fake transport.
func NewFake() *Fake {
	return &Fake{}
}

// OnWrite installs a hook invoked synchronously for every Write, useful for
// queuing the next canned response once a command is observed.
func (f *Fake) OnWrite(fn func(p []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = fn
}

// Feed appends bytes that the next Read calls will return.
func (f *Fake) Feed(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending.WriteString(s)
}

// Writes returns a copy of everything written so far, for assertions.
func (f *Fake) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
	return len(p), nil
}

func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending.Len() == 0 {
		if f.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return f.pending.Read(p)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readTick = d
	return nil
}

var _ Transport = (*Fake)(nil)
