package modemdriver

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/modemfleet/internal/transport"
	"i4.energy/across/modemfleet/internal/ucs2"
)

// recyclingDialer hands out a fresh Fake per Dial call (as a real serial
// dialer would after a close/reopen), auto-wiring onNew on each one so a
// pause/resume cycle doesn't try to write to an already-closed handle.
type recyclingDialer struct {
	mu    sync.Mutex
	last  *transport.Fake
	onNew func(f *transport.Fake)
}

func (d *recyclingDialer) Dial(ctx context.Context) (transport.Transport, error) {
	f := transport.NewFake()
	if d.onNew != nil {
		d.onNew(f)
	}
	d.mu.Lock()
	d.last = f
	d.mu.Unlock()
	return f, nil
}

func (d *recyclingDialer) lastFake(t *testing.T) *transport.Fake {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		f := d.last
		d.mu.Unlock()
		if f != nil {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a dialed fake")
	return nil
}

// ackSenderInit answers the sender's plain init commands with OK and the
// AT+CMGS dialog with the "> " prompt, signalling cmgsSeen (if non-nil)
// once the prompt has been fed so a caller knows it's now safe to write the
// send confirmation without racing the init responses already queued ahead
// of it in the fake's read buffer.
func ackSenderInit(f *transport.Fake, cmgsSeen chan<- struct{}) {
	f.OnWrite(func(p []byte) {
		cmd := string(p)
		switch {
		case strings.HasPrefix(cmd, "AT\r"), strings.HasPrefix(cmd, "ATE0"),
			strings.HasPrefix(cmd, "AT+CMGF=1"), strings.HasPrefix(cmd, `AT+CSCS="UCS2"`):
			f.Feed("OK\r\n")
		case strings.HasPrefix(cmd, `AT+CMGS="`):
			f.Feed("\r\n> ")
			if cmgsSeen != nil {
				cmgsSeen <- struct{}{}
			}
		}
	})
}

func TestSender_SendSms_Success(t *testing.T) {
	fake := transport.NewFake()
	cmgsSeen := make(chan struct{}, 1)
	ackSenderInit(fake, cmgsSeen)

	dialer := &singleFakeDialer{fake: fake}
	registry := NewSessionRegistry(func(string) transport.Dialer { return dialer })
	sender := NewSender(registry, nil)

	done := make(chan SendResult, 1)
	go func() {
		done <- sender.SendSms(context.Background(), "COM6", "+15559990000", "hi")
	}()

	select {
	case <-cmgsSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AT+CMGS dialog")
	}
	fake.Feed("\r\n+CMGS: 12\r\n\r\nOK\r\n")

	select {
	case result := <-done:
		if !result.OK {
			t.Fatalf("expected success, got error: %s", result.ErrorMessage)
		}
		if result.Reference != "12" {
			t.Errorf("unexpected reference: %q", result.Reference)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SendSms")
	}

	writes := fake.Writes()
	var sawBody bool
	encoded := ucs2.Encode("hi")
	for _, w := range writes {
		if strings.Contains(w, encoded) {
			sawBody = true
		}
	}
	if !sawBody {
		t.Errorf("expected UCS2-encoded body among writes, got %v", writes)
	}
}

func TestSender_SendSms_ValidatesArguments(t *testing.T) {
	registry := NewSessionRegistry(func(string) transport.Dialer { return &singleFakeDialer{fake: transport.NewFake()} })
	sender := NewSender(registry, nil)

	result := sender.SendSms(context.Background(), "", "+1", "hi")
	if result.OK || result.ErrorMessage == "" {
		t.Error("expected a validation error for empty comPort")
	}
}

func TestSender_SendSms_PausesActiveListenerAndResumes(t *testing.T) {
	cmgsSeen := make(chan struct{}, 1)
	dialer := &recyclingDialer{onNew: func(f *transport.Fake) { ackSenderInit(f, cmgsSeen) }}
	registry := NewSessionRegistry(func(string) transport.Dialer { return dialer })
	session := registry.Get("COM5")

	originalHandle := transport.NewFake()
	var resumed int
	resumeFn := func(ctx context.Context, tr transport.Transport) error {
		resumed++
		return nil
	}
	session.AttachListener(originalHandle, 115200, resumeFn)

	sender := NewSender(registry, nil)
	done := make(chan SendResult, 1)
	go func() {
		done <- sender.SendSms(context.Background(), "COM5", "+15559990000", "hi")
	}()

	select {
	case <-cmgsSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for AT+CMGS dialog")
	}
	dialed := dialer.lastFake(t)
	dialed.Feed("\r\n+CMGS: 7\r\n\r\nOK\r\n")

	select {
	case result := <-done:
		if !result.OK {
			t.Fatalf("expected success, got error: %s", result.ErrorMessage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SendSms")
	}

	if resumed != 1 {
		t.Errorf("expected listener resume callback to run exactly once, got %d", resumed)
	}
	if session.State() != StateListening {
		t.Errorf("expected session to be Listening again after send, got %s", session.State())
	}
}
