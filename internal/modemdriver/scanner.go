package modemdriver

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/modemfleet/at"
	"i4.energy/across/modemfleet/internal/transport"
)

// DefaultBaudRates is the order the Scanner probes a port at when the
// caller supplies none (spec §4.B step 1).
var DefaultBaudRates = []int{115200, 9600, 19200, 38400, 57600}

const (
	defaultProbeAttempts = 3
	defaultProbeBudget   = 1500 * time.Millisecond
	defaultSettleDelay   = 300 * time.Millisecond
	defaultDetailBudget  = 25 * time.Second
	iccidMinLen          = 18
	iccidMaxLen          = 22
)

// PortEnumerator lists the serial device names currently present on the
// host (e.g. go.bug.st/serial.GetPortsList). It's a narrow seam so tests
// can supply a fixed port list without touching real hardware.
type PortEnumerator func() ([]string, error)

// Scanner implements the Modem Scanner (spec §4.B): for each enumerated
// port, cycle candidate baud rates until one gets a recognizable AT
// response, then gather modem detail under a bounded budget. The timing
// fields default to the spec's own budgets; tests shrink them to keep a
// non-responding port fast to rule out.
type Scanner struct {
	Enumerate PortEnumerator
	Sessions  *SessionRegistry
	BaudRates []int
	Logger    *slog.Logger

	ProbeAttempts int
	ProbeBudget   time.Duration
	SettleDelay   time.Duration
	DetailBudget  time.Duration
}

// NewScanner builds a Scanner over the given port registry and enumerator.
func NewScanner(enumerate PortEnumerator, sessions *SessionRegistry, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		Enumerate:     enumerate,
		Sessions:      sessions,
		BaudRates:     DefaultBaudRates,
		Logger:        logger,
		ProbeAttempts: defaultProbeAttempts,
		ProbeBudget:   defaultProbeBudget,
		SettleDelay:   defaultSettleDelay,
		DetailBudget:  defaultDetailBudget,
	}
}

// Scan enumerates ports and probes each one, invoking onPortFound twice per
// port: once immediately on identification (modemInfo nil) and again after
// detail gathering completes (spec §4.B).
func (s *Scanner) Scan(ctx context.Context, onPortFound func(PortInfo)) ScanResult {
	result := ScanResult{ScanTime: time.Now().UTC()}

	names, err := s.Enumerate()
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	baudRates := s.BaudRates
	if len(baudRates) == 0 {
		baudRates = DefaultBaudRates
	}

	for _, name := range names {
		info := s.scanPort(ctx, name, baudRates, onPortFound)
		result.Ports = append(result.Ports, info)
	}
	result.Success = true
	return result
}

func (s *Scanner) scanPort(ctx context.Context, portName string, baudRates []int, onPortFound func(PortInfo)) PortInfo {
	session := s.Sessions.Get(portName)
	logger := s.Logger.With("component", "scanner", "port", portName)

	var (
		opened  bool
		baud    int
		success bool
	)

	for _, rate := range baudRates {
		rate := rate
		probeErr := session.WithExclusiveAccess(ctx, rate, StateOpening, func(tr transport.Transport) error {
			opened = true
			time.Sleep(s.SettleDelay)
			ok, err := s.probe(ctx, tr)
			if err != nil {
				return err
			}
			if ok {
				baud = rate
				success = true
			}
			return nil
		})
		if probeErr != nil {
			logger.Debug("probe attempt failed", "baud", rate, "error", probeErr)
			continue
		}
		if success {
			break
		}
	}

	if !success {
		info := PortInfo{PortName: portName, IsAvailable: opened, IsSmsModem: false}
		onPortFound(info)
		return info
	}

	info := PortInfo{PortName: portName, IsAvailable: true, IsSmsModem: true, BaudRate: baud}
	onPortFound(info)

	detailCtx, cancel := context.WithTimeout(ctx, s.DetailBudget)
	defer cancel()

	modemInfo := s.gatherDetails(detailCtx, session, baud, logger)
	info.ModemInfo = &modemInfo
	onPortFound(info)
	return info
}

// probe implements the request/response probe of spec §4.B step 2: write
// AT\r, then (if unrecognized) AT\r\n, polling raw bytes for a terminator
// across up to ProbeAttempts tries within ProbeBudget each.
func (s *Scanner) probe(ctx context.Context, tr transport.Transport) (bool, error) {
	for attempt := 0; attempt < s.ProbeAttempts; attempt++ {
		if ok, err := s.probeOnce(ctx, tr, "AT\r"); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
		if ok, err := s.probeOnce(ctx, tr, "AT\r\n"); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scanner) probeOnce(ctx context.Context, tr transport.Transport, wire string) (bool, error) {
	if _, err := tr.Write([]byte(wire)); err != nil {
		return false, err
	}

	deadline := time.Now().Add(s.ProbeBudget)
	var collected strings.Builder
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		_ = tr.SetReadTimeout(50 * time.Millisecond)
		n, err := tr.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
			if at.IsTerminator(collected.String()) {
				return true, nil
			}
		}
		if err != nil {
			return false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false, nil
}

// gatherDetails runs the detail-query sequence of spec §4.B, skipping any
// sub-query that errors or stalls rather than failing the whole scan.
func (s *Scanner) gatherDetails(ctx context.Context, session *Session, baud int, logger *slog.Logger) ModemInfo {
	var info ModemInfo

	_ = session.WithExclusiveAccess(ctx, baud, StateOpening, func(tr transport.Transport) error {
		ex := NewExchange(tr)

		info.Manufacturer = queryLine(ctx, ex, "AT+CGMI", logger)
		info.Model = queryLine(ctx, ex, "AT+CGMM", logger)
		_ = queryLine(ctx, ex, "AT+CGMR", logger) // firmware, not currently surfaced on ModemInfo
		info.IMEI = queryLine(ctx, ex, "AT+CGSN", logger)

		simResp := queryLine(ctx, ex, "AT+CPIN?", logger)
		info.HasSimCard = strings.Contains(simResp, "READY") || strings.Contains(simResp, "SIM PIN")
		info.SimStatus = simResp

		if opResp := queryLine(ctx, ex, "AT+COPS?", logger); opResp != "" {
			info.Operator = firstQuoted(opResp)
		}

		if csq := queryLine(ctx, ex, "AT+CSQ", logger); csq != "" {
			if rssi, ok := parseCSQ(csq); ok {
				info.SignalStrength = rssi
				info.SignalQuality = SignalQuality(rssi)
			}
		} else {
			info.SignalQuality = SignalNoSignal
		}

		if creg := queryLine(ctx, ex, "AT+CREG?", logger); creg != "" {
			if code, ok := parseCREG(creg); ok {
				info.NetworkStatus = NetworkStatus(code)
			}
		}

		if info.HasSimCard {
			for _, cmd := range []string{"AT+CCID", "AT+ICCID", "AT^ICCID"} {
				resp := queryLine(ctx, ex, cmd, logger)
				if digits := extractICCID(resp); digits != "" {
					info.ICCID = digits
					break
				}
			}
			if num := queryLine(ctx, ex, "AT+CNUM", logger); num != "" {
				info.PhoneNumber = firstQuotedOrDigits(num)
			}
		}
		return nil
	})

	return info
}

func queryLine(ctx context.Context, ex *Exchange, cmd string, logger *slog.Logger) string {
	qctx, cancel := withTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := ex.Query(qctx, cmd)
	if err != nil {
		logger.Debug("detail query failed", "cmd", cmd, "error", err)
		return ""
	}
	return resp
}

var quotedRE = regexp.MustCompile(`"([^"]*)"`)

func firstQuoted(s string) string {
	m := quotedRE.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstQuotedOrDigits(s string) string {
	if q := firstQuoted(s); q != "" {
		return q
	}
	digitsRE := regexp.MustCompile(`\+?\d{5,}`)
	return digitsRE.FindString(s)
}

var csqRE = regexp.MustCompile(`\+CSQ:\s*(\d+)`)

func parseCSQ(s string) (int, bool) {
	m := csqRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

var cregRE = regexp.MustCompile(`\+CREG:\s*\d+\s*,\s*(\d+)`)

func parseCREG(s string) (int, bool) {
	m := cregRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

var digitRunRE = regexp.MustCompile(`\d{17,24}`)

// extractICCID pulls the digit run out of a CCID/ICCID response and
// accepts it only if its length falls in the valid ICCID range.
func extractICCID(s string) string {
	run := digitRunRE.FindString(s)
	if len(run) < iccidMinLen || len(run) > iccidMaxLen {
		return ""
	}
	return run
}
