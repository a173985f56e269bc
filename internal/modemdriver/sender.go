package modemdriver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/modemfleet/at"
	"i4.energy/across/modemfleet/internal/transport"
	"i4.energy/across/modemfleet/internal/ucs2"
)

const (
	senderSettleDelay   = 500 * time.Millisecond
	senderPauseSettle   = 1 * time.Second
	senderInitGap       = 300 * time.Millisecond
	senderPromptTimeout = 10 * time.Second
	senderSendTimeout   = 30 * time.Second
)

// SendResult reports the outcome of one SendSms call (spec §4.D).
type SendResult struct {
	OK           bool
	ErrorMessage string
	Reference    string // the <mr> message reference captured off "+CMGS: <mr>"
}

// Sender implements the SMS Sender (spec §4.D): per-port cached serial
// handles, used after pausing whatever Receiver listener is currently
// holding the port via Session.Pause, running the AT+CMGS text-mode
// dialog and returning regardless of outcome with the listener resumed.
type Sender struct {
	Sessions *SessionRegistry
	Logger   *slog.Logger

	mu     sync.Mutex
	cached map[string]cachedHandle
}

type cachedHandle struct {
	tr   transport.Transport
	baud int
}

// NewSender builds a Sender over the given port registry.
func NewSender(sessions *SessionRegistry, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{Sessions: sessions, Logger: logger, cached: make(map[string]cachedHandle)}
}

// Close releases every cached handle (spec §4.D: "released on shutdown").
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, h := range s.cached {
		_ = h.tr.Close()
		delete(s.cached, name)
	}
}

// SendSms validates its arguments, then runs the borrow/init/dialog/resume
// sequence of spec §4.D. It always attempts to resume the port's listener
// before returning, regardless of how the send itself went.
func (s *Sender) SendSms(ctx context.Context, comPort, targetNumber, messageContent string) SendResult {
	if strings.TrimSpace(comPort) == "" {
		return SendResult{ErrorMessage: "comPort is required"}
	}
	if strings.TrimSpace(targetNumber) == "" {
		return SendResult{ErrorMessage: "targetNumber is required"}
	}
	if messageContent == "" {
		return SendResult{ErrorMessage: "messageContent is required"}
	}

	logger := s.Logger.With("component", "sender", "port", comPort)
	session := s.Sessions.Get(comPort)

	paused, tok := s.tryPause(ctx, session)
	if paused {
		time.Sleep(senderPauseSettle)
	}
	defer func() {
		if paused {
			if err := session.Resume(ctx, tok); err != nil {
				logger.Warn("resume listener after send failed", "error", err)
			}
		}
	}()

	tr, opened, err := s.handleFor(ctx, comPort, 115200)
	if err != nil {
		return SendResult{ErrorMessage: fmt.Sprintf("open port: %v", err)}
	}
	if opened {
		time.Sleep(senderSettleDelay)
	}

	ex := NewExchange(tr)
	s.initSequence(ctx, ex, logger)

	discardBuffered(tr)

	if err := s.sendDialog(ctx, ex, targetNumber); err != nil {
		return SendResult{ErrorMessage: err.Error()}
	}

	ref, err := s.writeBodyAndAwaitResult(ctx, tr, messageContent)
	if err != nil {
		return SendResult{ErrorMessage: err.Error()}
	}
	return SendResult{OK: true, Reference: ref}
}

// handleFor returns the cached handle for comPort, dialing and caching a
// fresh one at baud if none exists yet.
func (s *Sender) handleFor(ctx context.Context, comPort string, baud int) (transport.Transport, bool, error) {
	s.mu.Lock()
	if h, ok := s.cached[comPort]; ok {
		s.mu.Unlock()
		return h.tr, false, nil
	}
	s.mu.Unlock()

	session := s.Sessions.Get(comPort)
	tr, err := session.dial(ctx, baud)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	s.cached[comPort] = cachedHandle{tr: tr, baud: baud}
	s.mu.Unlock()
	return tr, true, nil
}

// tryPause pauses comPort's listener if one is active, reporting whether a
// pause actually took place so the caller knows whether to resume.
func (s *Sender) tryPause(ctx context.Context, session *Session) (bool, Token) {
	if !session.IsListening() {
		return false, Token{}
	}
	tok, err := session.Pause(ctx)
	if err != nil {
		return false, Token{}
	}
	return true, tok
}

// initSequence runs the sender's own init dialog (spec §4.D step 3): AT is
// warn-only, the rest proceed regardless, 300ms apart.
func (s *Sender) initSequence(ctx context.Context, ex *Exchange, logger *slog.Logger) {
	if err := ex.ExpectOK(ctx, at.CmdAt); err != nil {
		logger.Warn("sender AT probe failed (non-fatal)", "error", err)
	}
	time.Sleep(senderInitGap)

	for _, cmd := range []string{at.CmdEchoOff, at.CmdSetTextMode, `AT+CSCS="UCS2"`} {
		if err := ex.ExpectOK(ctx, cmd); err != nil {
			logger.Debug("sender init command failed (non-fatal)", "cmd", cmd, "error", err)
		}
		time.Sleep(senderInitGap)
	}
}

// sendDialog writes AT+CMGS and polls for the "> " prompt within
// senderPromptTimeout, aborting immediately on ERROR/+CMS ERROR.
func (s *Sender) sendDialog(ctx context.Context, ex *Exchange, targetNumber string) error {
	dctx, cancel := context.WithTimeout(ctx, senderPromptTimeout)
	defer cancel()

	cmd := fmt.Sprintf(`AT+CMGS="%s"`, targetNumber)
	lines, err := ex.Exec(dctx, cmd, nil)
	if err != nil {
		return fmt.Errorf("AT+CMGS failed: %w", err)
	}
	for _, line := range lines {
		if line == at.Prompt {
			return nil
		}
	}
	return fmt.Errorf("did not receive SMS prompt")
}

// writeBodyAndAwaitResult writes the UCS2-encoded message content followed
// by Ctrl-Z, then polls up to senderSendTimeout for +CMGS:/OK (success),
// ERROR/+CMS ERROR (failure), or neither (timeout).
func (s *Sender) writeBodyAndAwaitResult(ctx context.Context, tr transport.Transport, messageContent string) (string, error) {
	payload := ucs2.Encode(messageContent) + at.CtrlZ
	if _, err := tr.Write([]byte(payload)); err != nil {
		return "", fmt.Errorf("write message body: %w", err)
	}

	deadline := time.Now().Add(senderSendTimeout)
	var collected strings.Builder
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		_ = tr.SetReadTimeout(200 * time.Millisecond)
		n, err := tr.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
			text := collected.String()
			if strings.Contains(text, at.CmeError) || strings.Contains(text, at.CmsError) || strings.Contains(text, at.ERROR) {
				return "", fmt.Errorf("send failed: %s", strings.TrimSpace(text))
			}
			if strings.Contains(text, "+CMGS:") && strings.Contains(text, at.OK) {
				return cmgsReference(text), nil
			}
		}
		if err != nil {
			continue
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", fmt.Errorf("timed out waiting for send confirmation")
}

func cmgsReference(text string) string {
	idx := strings.Index(text, "+CMGS:")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(text[idx+len("+CMGS:"):])
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

// discardBuffered drains whatever is currently buffered on tr without
// blocking, mirroring the "discard buffers" step before a fresh command
// dialog (spec §4.D step 4).
func discardBuffered(tr transport.Transport) {
	_ = tr.SetReadTimeout(10 * time.Millisecond)
	buf := make([]byte, 512)
	for {
		n, err := tr.Read(buf)
		if n == 0 || err != nil {
			return
		}
	}
}
