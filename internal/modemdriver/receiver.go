package modemdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"i4.energy/across/modemfleet/internal/transport"
	"i4.energy/across/modemfleet/internal/ucs2"
)

// PortSpec names one port and the baud rate to listen on, as passed to
// StartListening (spec §4.C).
type PortSpec struct {
	PortName string
	BaudRate int
}

// AutoHangupConfig is the agent's incoming-call policy (spec §4.C,
// §6.4 Margin:IncomingCallAutoHangup).
type AutoHangupConfig struct {
	Enabled     bool
	HangupDelay time.Duration
	Cooldown    time.Duration
	Whitelist   []string
}

// DefaultAutoHangupConfig returns the spec's stated defaults.
func DefaultAutoHangupConfig() AutoHangupConfig {
	return AutoHangupConfig{
		Enabled:     true,
		HangupDelay: 200 * time.Millisecond,
		Cooldown:    5 * time.Second,
	}
}

func (c AutoHangupConfig) isWhitelisted(caller string) bool {
	caller = strings.ToLower(caller)
	for _, w := range c.Whitelist {
		if w == "" {
			continue
		}
		if strings.Contains(caller, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

const (
	callCacheTTL       = 2 * time.Minute
	clipBufferWatermark = 4096
	cmtBufferWatermark  = 10000
	cmgrExecTimeout     = 5 * time.Second
)

// portState is the per-port mutable state, held in the Receiver's ports
// map rather than in a package-level global: the URC parse buffer, the
// cached call fragment, and the last-hangup time for the cooldown check.
type portState struct {
	mu sync.Mutex

	deviceID string
	session  *Session
	baud     int

	buf bytes.Buffer

	lastCaller   string
	lastCallerAt time.Time
	lastHangup   time.Time

	execActive bool
	execResp   chan []byte
}

func newPortState(deviceID string, session *Session, baud int) *portState {
	return &portState{deviceID: deviceID, session: session, baud: baud}
}

// Receiver implements the SMS Receiver (spec §4.C): per-port listen
// loops that parse URCs out of a rolling buffer, dispatch stored-SMS and
// direct-push payloads to OnSmsReceived, and run the auto-hangup policy
// on incoming calls.
type Receiver struct {
	Sessions   *SessionRegistry
	Logger     *slog.Logger
	AutoHangup AutoHangupConfig

	OnSmsReceived func(SmsReceivedDto)
	OnCallHangup  func(CallHangupDto)

	mu      sync.Mutex
	ports   map[string]*portState
	stopped chan struct{}
}

// NewReceiver builds a Receiver. logger may be nil (defaults to
// slog.Default()); the auto-hangup policy defaults per
// DefaultAutoHangupConfig until overridden on the returned Receiver.
func NewReceiver(sessions *SessionRegistry, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		Sessions:   sessions,
		Logger:     logger,
		AutoHangup: DefaultAutoHangupConfig(),
		ports:      make(map[string]*portState),
	}
}

// StartListening attaches a listen loop to every named port, idempotent
// per port (already-running ports are logged and skipped).
func (r *Receiver) StartListening(ctx context.Context, deviceID string, specs []PortSpec) error {
	if r.OnSmsReceived == nil || r.OnCallHangup == nil {
		return fmt.Errorf("modemdriver: receiver event handlers must be set before StartListening")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if _, already := r.ports[spec.PortName]; already {
			r.Logger.Info("listener already running", "port", spec.PortName)
			continue
		}

		session := r.Sessions.Get(spec.PortName)
		tr, err := session.dial(ctx, spec.BaudRate)
		if err != nil {
			r.Logger.Warn("open port for listening failed", "port", spec.PortName, "error", err)
			continue
		}

		state := newPortState(deviceID, session, spec.BaudRate)
		r.ports[spec.PortName] = state

		portName := spec.PortName
		// resumeFn re-initializes the modem and restarts the listen loop
		// every time the session reopens the port: once now, and again
		// after every future Pause/Resume cycle (scanner probe, sender
		// transaction) borrows the port out from under this listener.
		resumeFn := func(ctx context.Context, tr transport.Transport) error {
			err := r.initSequence(ctx, tr)
			go r.listenLoop(portName, state, tr, session.listenerGeneration())
			return err
		}
		if err := r.initSequence(ctx, tr); err != nil {
			r.Logger.Warn("modem init sequence failed (non-fatal)", "port", spec.PortName, "error", err)
		}

		session.AttachListener(tr, spec.BaudRate, resumeFn)
		go r.listenLoop(spec.PortName, state, tr, session.listenerGeneration())
	}
	return nil
}

// Stop tears down every listener synchronously: each port's listener is
// detached from its Session and its handle closed before Stop returns,
// so StopListeningAsync's channel closes only after every port has been
// released.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, state := range r.ports {
		tr, open := state.session.CurrentTransport()
		state.session.DetachListener()
		if open {
			_ = tr.Close()
		}
		delete(r.ports, name)
	}
}

// StopListeningAsync stops every listener and returns a channel closed
// once all ports have released their handles.
func (r *Receiver) StopListeningAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	return done
}

// PauseListening exposes Session.Pause for the Sender (spec §4.C/§4.D).
func (r *Receiver) PauseListening(ctx context.Context, portName string) bool {
	r.mu.Lock()
	state, ok := r.ports[portName]
	r.mu.Unlock()
	if !ok {
		return false
	}
	_, err := state.session.Pause(ctx)
	return err == nil
}

// ResumeListeningAsync exposes Session.Resume for the Sender.
func (r *Receiver) ResumeListeningAsync(ctx context.Context, portName string) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		r.mu.Lock()
		state, ok := r.ports[portName]
		r.mu.Unlock()
		if !ok {
			out <- false
			return
		}
		tok := state.session.currentToken()
		out <- state.session.Resume(ctx, tok) == nil
	}()
	return out
}

// initSequence runs the listener's (re-)init commands (spec §4.C): each
// failure is logged and non-fatal, 200ms apart.
func (r *Receiver) initSequence(ctx context.Context, tr transport.Transport) error {
	ex := NewExchange(tr)
	cmds := []string{"ATE0", `AT+CMGF=1`, `AT+CNMI=2,2,0,0,0`, `AT+CSCS="GSM"`}
	var firstErr error
	for _, cmd := range cmds {
		if err := ex.ExpectOK(ctx, cmd); err != nil {
			r.Logger.Debug("init command failed (non-fatal)", "cmd", cmd, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return firstErr
}

// listenLoop reads bytes from tr until the session retires this
// generation (Pause bumps the generation counter), routing each chunk
// either into the URC parse buffer or, while a CMTI-triggered exec is in
// flight, into that exec's response channel.
func (r *Receiver) listenLoop(portName string, state *portState, tr transport.Transport, generation uint64) {
	buf := make([]byte, 1024)
	_ = tr.SetReadTimeout(1500 * time.Millisecond)

	for {
		if state.session.listenerGeneration() != generation {
			return
		}

		n, err := tr.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			state.session.Trace().Record(TraceDirRead, chunk)

			state.mu.Lock()
			active := state.execActive
			state.mu.Unlock()

			if active {
				select {
				case state.execResp <- chunk:
				default:
				}
				continue
			}

			state.mu.Lock()
			state.buf.Write(chunk)
			state.mu.Unlock()
			r.parseBuffer(portName, state)
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			// Transient read error/timeout: keep polling until retired.
			continue
		}
	}
}

var clipRE = regexp.MustCompile(`\+CLIP:\s*"([^"]*)"`)

// parseBuffer examines the accumulated buffer for, in order: an
// incoming-call fragment, a stored-SMS notification, and a direct SMS
// push (spec §4.C).
func (r *Receiver) parseBuffer(portName string, state *portState) {
	state.mu.Lock()
	raw := state.buf.String()
	state.mu.Unlock()

	if strings.Contains(raw, "RING") || strings.Contains(raw, "+CLIP:") {
		r.handleCallFragment(portName, state, raw)
	}

	state.mu.Lock()
	raw = state.buf.String()
	state.mu.Unlock()

	if idx := cmtiRE.FindStringSubmatchIndex([]byte(raw)); idx != nil {
		m := cmtiRE.FindStringSubmatch(raw)
		mem, index := m[1], m[2]
		consumedEnd := idx[1]
		state.mu.Lock()
		state.buf.Next(consumedEnd)
		state.mu.Unlock()
		go r.handleCMTI(portName, state, mem, index)
	}

	state.mu.Lock()
	raw = state.buf.String()
	state.mu.Unlock()
	r.handleDirectPush(portName, state, raw)
}

var cmtiRE = regexp.MustCompile(`\+CMTI:\s*"([^"]*)"\s*,\s*(\d+)`)

// handleCallFragment implements spec §4.C step 1.
func (r *Receiver) handleCallFragment(portName string, state *portState, raw string) {
	caller := ""
	if matches := clipRE.FindAllStringSubmatch(raw, -1); len(matches) > 0 {
		caller = matches[len(matches)-1][1]
	}

	state.mu.Lock()
	if caller != "" {
		state.lastCaller = caller
		state.lastCallerAt = time.Now()
	}
	complete := caller != ""
	if complete {
		state.buf.Reset()
	} else if state.buf.Len() > clipBufferWatermark {
		state.buf.Reset()
	}
	state.mu.Unlock()

	go r.runAutoHangup(portName, state)
}

// runAutoHangup implements spec §4.C's auto-hangup policy.
func (r *Receiver) runAutoHangup(portName string, state *portState) {
	if !r.AutoHangup.Enabled {
		return
	}

	state.mu.Lock()
	if time.Since(state.lastHangup) < r.AutoHangup.Cooldown {
		state.mu.Unlock()
		return
	}
	state.mu.Unlock()

	time.Sleep(r.AutoHangup.HangupDelay)

	state.mu.Lock()
	caller := state.lastCaller
	callerAt := state.lastCallerAt
	state.mu.Unlock()
	if time.Since(callerAt) > callCacheTTL {
		caller = ""
	}

	if caller != "" && r.AutoHangup.isWhitelisted(caller) {
		r.Logger.Info("incoming call whitelisted, not hanging up", "port", portName, "caller", caller)
		return
	}

	state.mu.Lock()
	if time.Since(state.lastHangup) < r.AutoHangup.Cooldown {
		state.mu.Unlock()
		return
	}
	state.lastHangup = time.Now()
	state.mu.Unlock()

	rawLine := state.session.Trace().Tail(512)

	if _, err := state.session.WriteCommand([]byte("ATH\r")); err != nil {
		r.Logger.Warn("auto-hangup ATH write failed", "port", portName, "error", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := state.session.WriteCommand([]byte("AT+CHUP\r")); err != nil {
		r.Logger.Warn("auto-hangup AT+CHUP write failed", "port", portName, "error", err)
	}

	r.OnCallHangup(CallHangupDto{
		DeviceID:     state.deviceID,
		ComPort:      portName,
		CallerNumber: caller,
		HangupTime:   time.Now().UTC(),
		Reason:       ReasonAutoHangup,
		RawLine:      rawLine,
	})
}

// handleCMTI implements spec §4.C step 2: read the stored message via
// AT+CMGR, falling back to AT+CMGL variants, then delete it.
func (r *Receiver) handleCMTI(portName string, state *portState, mem, index string) {
	_ = mem
	ctx, cancel := context.WithTimeout(context.Background(), cmgrExecTimeout)
	defer cancel()

	resp, err := r.execViaListener(ctx, state, "AT+CMGR="+index)
	if err != nil || isEmptyOrOKOnly(resp) {
		resp, err = r.execViaListener(ctx, state, `AT+CMGL="ALL"`)
	}
	if err != nil || isEmptyOrOKOnly(resp) {
		resp, err = r.execViaListener(ctx, state, `AT+CMGL="REC UNREAD"`)
	}
	if err != nil {
		r.Logger.Warn("stored SMS read failed", "port", portName, "index", index, "error", err)
		return
	}

	sender, timestamp, content, ok := parseStoredSms(resp)
	if !ok {
		r.Logger.Warn("stored SMS unparseable", "port", portName, "index", index)
		return
	}

	r.emit(portName, state, sender, timestamp, ucs2.DecodeIfNeeded(content))

	if _, err := r.execViaListener(ctx, state, "AT+CMGD="+index); err != nil {
		r.Logger.Debug("delete stored SMS failed", "port", portName, "index", index, "error", err)
	}
}

// execViaListener runs one AT command against the port currently owned
// by the listen loop, without pausing it: writes go through
// Session.WriteCommand (shared cmdMu with auto-hangup); the listen loop
// detects execActive and forwards read chunks into execResp instead of
// the URC buffer, so the response can be parsed with the same Exchange
// machinery the Scanner and Sender use.
func (r *Receiver) execViaListener(ctx context.Context, state *portState, cmd string) (string, error) {
	state.mu.Lock()
	if state.execActive {
		state.mu.Unlock()
		return "", fmt.Errorf("modemdriver: exec already in flight on this port")
	}
	state.execActive = true
	state.execResp = make(chan []byte, 32)
	state.mu.Unlock()

	defer func() {
		state.mu.Lock()
		state.execActive = false
		close(state.execResp)
		state.execResp = nil
		state.mu.Unlock()
	}()

	tap := &tapTransport{session: state.session, data: state.execResp}
	ex := NewExchange(tap)
	return ex.Query(ctx, cmd)
}

// tapTransport adapts an Exchange onto a live listen loop: writes go
// through the owning Session's command mutex, reads are fed from a
// channel the listen loop populates while an exec is active.
type tapTransport struct {
	session  *Session
	data     chan []byte
	leftover []byte
}

func (t *tapTransport) Write(p []byte) (int, error) { return t.session.WriteCommand(p) }

func (t *tapTransport) Read(p []byte) (int, error) {
	if len(t.leftover) == 0 {
		chunk, ok := <-t.data
		if !ok {
			return 0, io.EOF
		}
		t.leftover = chunk
	}
	n := copy(p, t.leftover)
	t.leftover = t.leftover[n:]
	return n, nil
}

func (t *tapTransport) Close() error                          { return nil }
func (t *tapTransport) SetReadTimeout(d time.Duration) error   { return nil }

func isEmptyOrOKOnly(resp string) bool {
	resp = strings.TrimSpace(resp)
	return resp == "" || resp == "OK"
}

var storedSmsHeaderRE = regexp.MustCompile(`\+CM(?:GR|GL):\s*"[^"]*"\s*,\s*"([^"]*)"\s*,[^,]*,\s*"([^"]*)"`)

// parseStoredSms splits a CMGR/CMGL response into sender, raw timestamp,
// and content: the header line yields sender/timestamp, and the
// remaining non-empty, non-"OK" lines concatenated by "\n" form the
// content (spec §4.C step 2).
func parseStoredSms(resp string) (sender, timestamp, content string, ok bool) {
	lines := strings.Split(resp, "\n")
	var contentLines []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == "OK" {
			continue
		}
		if m := storedSmsHeaderRE.FindStringSubmatch(line); m != nil {
			sender, timestamp = m[1], m[2]
			continue
		}
		contentLines = append(contentLines, line)
	}
	if sender == "" {
		return "", "", "", false
	}
	return sender, timestamp, strings.Join(contentLines, "\n"), true
}

var cmtHeaderRE = regexp.MustCompile(`\+CMT:\s*"([^"]*)",,"([^"]*)"`)

// handleDirectPush implements spec §4.C step 3.
func (r *Receiver) handleDirectPush(portName string, state *portState, raw string) {
	idx := strings.Index(raw, "+CMT:")
	if idx < 0 {
		state.mu.Lock()
		if state.buf.Len() > cmtBufferWatermark {
			state.buf.Reset()
		}
		state.mu.Unlock()
		return
	}

	rest := raw[idx:]
	headerEnd := strings.Index(rest, "\r\n")
	if headerEnd < 0 {
		r.guardOverflow(state)
		return
	}
	headerLine := rest[:headerEnd]
	m := cmtHeaderRE.FindStringSubmatch(headerLine)
	if m == nil {
		r.guardOverflow(state)
		return
	}
	sender, timestamp := m[1], m[2]

	afterHeader := rest[headerEnd+2:]
	if !strings.HasPrefix(afterHeader, "\r\n") {
		// Header matched but the blank line hasn't arrived yet: wait.
		r.guardOverflow(state)
		return
	}
	afterBlank := afterHeader[2:]

	contentEnd := strings.Index(afterBlank, "\r\n")
	if contentEnd < 0 {
		r.guardOverflow(state)
		return
	}
	content := afterBlank[:contentEnd]

	consumedLen := idx + headerEnd + 2 + 2 + contentEnd + 2
	state.mu.Lock()
	state.buf.Next(consumedLen)
	state.mu.Unlock()

	r.emit(portName, state, sender, timestamp, ucs2.DecodeIfNeeded(content))
}

// guardOverflow clears the buffer only once it has grown past the
// leak-prevention watermark without making progress (spec §9: never drop
// mid-+CMT header when content is merely incomplete).
func (r *Receiver) guardOverflow(state *portState) {
	state.mu.Lock()
	if state.buf.Len() > cmtBufferWatermark {
		state.buf.Reset()
	}
	state.mu.Unlock()
}

func (r *Receiver) emit(portName string, state *portState, sender, rawTimestamp, content string) {
	receivedTime := parseSmsTimestamp(rawTimestamp)
	r.OnSmsReceived(SmsReceivedDto{
		DeviceID:       state.deviceID,
		ComPort:        portName,
		SenderNumber:   sender,
		MessageContent: content,
		ReceivedTime:   receivedTime,
		SmsTimestamp:   rawTimestamp,
	})
}

var smsTimestampRE = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{2}),(\d{2}):(\d{2}):(\d{2})([+-]\d+)?$`)

// parseSmsTimestamp parses the modem's "YY/MM/DD,HH:MM:SS±TZ" format,
// reading the date/time fields as already being in UTC (the trailing
// quarter-hour zone field is validated as part of the shape but not
// applied as an offset — matching the literal ingest scenario, where a
// timestamp carrying "+32" still yields the same wall-clock in UTC). YY
// is interpreted as 2000+YY. On parse failure, the current UTC time is
// used so a malformed timestamp never blocks the emission (semantic
// errors are logged and the record proceeds, per spec §7).
func parseSmsTimestamp(raw string) time.Time {
	m := smsTimestampRE.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Now().UTC()
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	min, _ := strconv.Atoi(m[5])
	sec, _ := strconv.Atoi(m[6])

	return time.Date(2000+year, time.Month(month), day, hour, min, sec, 0, time.UTC)
}
