package modemdriver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"i4.energy/across/modemfleet/at"
	"i4.energy/across/modemfleet/internal/transport"
)

// Exchange runs the request/response half of the AT command protocol over
// an already-open transport: write a command, classify and collect the
// lines that follow until a final result code or the SMS prompt, while
// routing anything classified as a URC to an optional sink instead of
// treating it as part of the command's own output. This generalizes the
// teacher's Modem.exec into a free-standing helper so the Scanner, the
// Receiver's init sequence, and the Sender can all share it without each
// owning a persistent Modem.
type Exchange struct {
	tr      transport.Transport
	scanner *bufio.Scanner
}

// NewExchange wraps tr with the AT line splitter.
func NewExchange(tr transport.Transport) *Exchange {
	sc := bufio.NewScanner(tr)
	sc.Split(at.Splitter)
	return &Exchange{tr: tr, scanner: sc}
}

func (e *Exchange) readToken() (string, error) {
	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	// at.Splitter already strips the CRLF delimiter for ordinary lines; the
	// only trimming left to do is a stray leading "\r" some modems leave on
	// the first line after a command echo. Do not generic-trim trailing
	// whitespace here: the SMS prompt token is "> " with a significant
	// trailing space that at.Classify matches on.
	return strings.TrimPrefix(e.scanner.Text(), "\r"), nil
}

// Exec writes cmd terminated by CR and reads until a TypeFinal or
// TypePrompt response. TypeData lines accumulate into the returned slice;
// TypeURC lines are handed to onURC (if non-nil) and otherwise dropped. A
// TypeFinal response other than OK is returned as an error whose message
// is the final line's text.
func (e *Exchange) Exec(ctx context.Context, cmd string, onURC func(line string)) ([]string, error) {
	wire := strings.TrimSpace(cmd) + "\r"
	if _, err := io.WriteString(e.tr, wire); err != nil {
		return nil, fmt.Errorf("write command %q: %w", cmd, err)
	}

	var lines []string
	for {
		select {
		case <-ctx.Done():
			return lines, ctx.Err()
		default:
		}

		token, err := e.readToken()
		if err != nil {
			return lines, err
		}
		if token == "" {
			continue
		}

		switch at.Classify(token) {
		case at.TypeFinal:
			if token == at.OK {
				return lines, nil
			}
			return lines, errors.New(token)
		case at.TypeData:
			lines = append(lines, token)
		case at.TypeURC:
			if onURC != nil {
				onURC(token)
			}
		case at.TypePrompt:
			lines = append(lines, token)
			return lines, nil
		}
	}
}

// ExpectOK runs Exec and reduces the result to a plain error, for commands
// whose output carries no useful data beyond success/failure.
func (e *Exchange) ExpectOK(ctx context.Context, cmd string) error {
	_, err := e.Exec(ctx, cmd, nil)
	return err
}

// Query runs Exec and joins the collected data lines, for commands whose
// single line of output the caller wants as plain text (AT+CPIN?, AT+CSQ,
// AT+COPS?, ...).
func (e *Exchange) Query(ctx context.Context, cmd string) (string, error) {
	lines, err := e.Exec(ctx, cmd, nil)
	return strings.Join(lines, "\n"), err
}

// withTimeout applies d as a context timeout when ctx has no deadline of
// its own, mirroring the teacher's per-command AT timeout default.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
