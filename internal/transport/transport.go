// Package transport provides the byte-stream abstraction that every layer of
// the modem driver (port arbitration, scanning, receiving, sending) is built
// on, and the one real implementation of it: an OS serial port opened via
// go.bug.st/serial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a GSM
// modem.
//
// A Transport is assumed to be already connected and ready for use. It
// provides the low-level I/O primitives required to send AT commands and
// receive responses. Typical implementations include serial ports, TCP
// connections to emulators, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the duration a Read call may block before
	// returning with no data. Serial ports use this for the listener's
	// 1.5s poll interval (spec §4.A); it is a no-op on transports that
	// don't support it.
	SetReadTimeout(d time.Duration) error
}

// Dialer opens a Transport to a GSM modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, TCP-based emulator, or test double) and is intended to be
// used during modem construction only. Once a Transport is obtained, the
// Dialer is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport.
	// It may perform blocking operations and should respect cancellation
	// and deadlines provided by the context. Dial returns an error if the
	// transport cannot be established.
	Dial(ctx context.Context) (Transport, error)
}

// BaudDialer is implemented by Dialers that can open at a baud rate
// chosen per call, rather than only the one fixed at construction. The
// Modem Scanner (spec §4.B) needs this to cycle candidate baud rates
// against the same port.
type BaudDialer interface {
	DialAtBaud(ctx context.Context, baud int) (Transport, error)
}

// SerialDialer opens a GSM modem over a serial port using go.bug.st/serial.
//
// Per spec §4.A the port is configured 8-N-1 with DTR and RTS asserted.
type SerialDialer struct {
	// PortName is the OS device path (e.g. "/dev/ttyUSB0", "COM3").
	PortName string

	// BaudRate is the serial baud rate to open at.
	BaudRate int
}

// serialTransport adapts serial.Port (which already exposes Read, Write,
// Close and SetReadTimeout with matching signatures) to Transport.
type serialTransport struct {
	serial.Port
}

// Dial opens the serial port. If ctx is canceled before the open completes,
// Dial returns ctx.Err(). If the port opens concurrently with cancellation,
// the port is closed before returning to avoid leaking the OS handle.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	return d.DialAtBaud(ctx, d.BaudRate)
}

// DialAtBaud opens the serial port at the given baud rate, overriding
// d.BaudRate for this one call; pass 0 to use the default (115200).
func (d SerialDialer) DialAtBaud(ctx context.Context, baud int) (Transport, error) {
	if d.PortName == "" {
		return nil, fmt.Errorf("gsm: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("gsm: context is nil")
	}

	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type result struct {
		p   serial.Port
		err error
	}

	ch := make(chan result, 1)

	go func() {
		p, err := serial.Open(d.PortName, mode)
		if err == nil {
			// DTR/RTS enabled per §4.A; a modem that ignores them still
			// works, one that requires them now sees a live line.
			_ = p.SetDTR(true)
			_ = p.SetRTS(true)
		}
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()

	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", d.PortName, r.err)
		}
		return serialTransport{r.p}, nil
	}
}
