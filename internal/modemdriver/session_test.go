package modemdriver

import (
	"context"
	"testing"

	"i4.energy/across/modemfleet/internal/transport"
)

type fakeDialer struct {
	fakes []*transport.Fake
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Transport, error) {
	f := transport.NewFake()
	d.fakes = append(d.fakes, f)
	d.calls++
	return f, nil
}

func TestSession_PauseResume(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession("/dev/ttyUSB0", dialer)

	initial := transport.NewFake()
	resumeCalls := 0
	s.AttachListener(initial, 115200, func(ctx context.Context, tr transport.Transport) error {
		resumeCalls++
		return nil
	})

	if !s.IsListening() {
		t.Fatal("expected session to be listening after AttachListener")
	}

	tok, err := s.Pause(context.Background())
	if err != nil {
		t.Fatalf("unexpected pause error: %v", err)
	}
	if s.IsListening() {
		t.Fatal("expected session to not be listening after Pause")
	}

	if err := s.Resume(context.Background(), tok); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	if !s.IsListening() {
		t.Fatal("expected session to be listening after Resume")
	}
	if resumeCalls != 1 {
		t.Errorf("expected resume callback to run once, ran %d times", resumeCalls)
	}
}

func TestSession_PauseWhenNotListening(t *testing.T) {
	s := NewSession("/dev/ttyUSB0", &fakeDialer{})
	if _, err := s.Pause(context.Background()); err != ErrNotListening {
		t.Errorf("expected ErrNotListening, got %v", err)
	}
}

func TestSession_ResumeWithStaleToken(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession("/dev/ttyUSB0", dialer)
	s.AttachListener(transport.NewFake(), 115200, func(context.Context, transport.Transport) error { return nil })

	tok1, err := s.Pause(context.Background())
	if err != nil {
		t.Fatalf("unexpected pause error: %v", err)
	}
	if err := s.Resume(context.Background(), tok1); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}

	tok2, err := s.Pause(context.Background())
	if err != nil {
		t.Fatalf("unexpected second pause error: %v", err)
	}
	if tok1 == tok2 {
		t.Fatal("expected distinct tokens across pause cycles")
	}
	if err := s.Resume(context.Background(), tok1); err != ErrTokenMismatch {
		t.Errorf("expected ErrTokenMismatch for stale token, got %v", err)
	}
}

func TestSession_WithExclusiveAccess_PausesAndResumesListener(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession("/dev/ttyUSB0", dialer)

	resumed := 0
	s.AttachListener(transport.NewFake(), 115200, func(context.Context, transport.Transport) error {
		resumed++
		return nil
	})

	var sawSending State
	err := s.WithExclusiveAccess(context.Background(), 115200, StateSending, func(tr transport.Transport) error {
		sawSending = s.State()
		_, werr := tr.Write([]byte("AT+CMGS=...\r"))
		return werr
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawSending != StateSending {
		t.Errorf("expected state Sending during action, got %v", sawSending)
	}
	if !s.IsListening() {
		t.Error("expected listener resumed after exclusive access")
	}
	if resumed != 1 {
		t.Errorf("expected resume callback once, got %d", resumed)
	}
}

func TestSession_WithExclusiveAccess_NoListenerYet(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSession("/dev/ttyUSB0", dialer)

	ran := false
	err := s.WithExclusiveAccess(context.Background(), 115200, StateSending, func(tr transport.Transport) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("expected action to run")
	}
	if s.IsListening() {
		t.Error("expected session to remain non-listening when nothing was listening before")
	}
}

func TestSession_WriteCommand_RequiresOpenPort(t *testing.T) {
	s := NewSession("/dev/ttyUSB0", &fakeDialer{})
	if _, err := s.WriteCommand([]byte("ATH\r")); err != ErrPortClosed {
		t.Errorf("expected ErrPortClosed, got %v", err)
	}
}

func TestSession_WriteCommand_WhileListening(t *testing.T) {
	fake := transport.NewFake()
	s := NewSession("/dev/ttyUSB0", &fakeDialer{})
	s.AttachListener(fake, 115200, func(context.Context, transport.Transport) error { return nil })

	if _, err := s.WriteCommand([]byte("ATH\r")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := fake.Writes(); len(got) != 1 || got[0] != "ATH\r" {
		t.Errorf("unexpected writes: %v", got)
	}
}

func TestTrace_TailRespectsMaxBytes(t *testing.T) {
	tr := NewTrace(8)
	tr.Record(TraceDirWrite, []byte("AT\r"))
	tr.Record(TraceDirRead, []byte("OK\r\n"))
	tr.Record(TraceDirRead, []byte("RING\r\n"))

	tail := tr.Tail(6)
	if len(tail) > 6 {
		t.Errorf("expected at most 6 bytes, got %d: %q", len(tail), tail)
	}
	if tail != "RING\r\n"[:6] {
		t.Errorf("unexpected tail contents: %q", tail)
	}
}

func TestTrace_TailWithinCapacity(t *testing.T) {
	tr := NewTrace(4)
	tr.Record(TraceDirWrite, []byte("A"))
	tr.Record(TraceDirWrite, []byte("B"))
	tr.Record(TraceDirWrite, []byte("C"))

	if got := tr.Tail(100); got != "ABC" {
		t.Errorf("expected ABC, got %q", got)
	}
}
