// Package at provides parsing and tokenization utilities for AT command protocol
// communication with GSM modems.
//
// AT commands are the standard interface for controlling GSM/cellular modems,
// originally developed for Hayes-compatible modems. This package handles the
// text-based request-response protocol, including proper line termination,
// response classification, and special cases like SMS text entry prompts and
// unsolicited result codes (URCs) such as incoming-call and new-SMS
// notifications.
//
// # Protocol Overview
//
// AT commands follow a structured pattern:
//  1. Commands are sent with CR termination
//  2. Responses arrive as CRLF-terminated lines
//  3. Commands conclude with final result codes (OK, ERROR, etc.)
//  4. Intermediate data may be returned before the final result
//  5. Unsolicited Result Codes (URCs) can arrive asynchronously
//
// # No Echo Mode
//
// This package assumes "No Echo" mode (ATE0) where commands are not echoed
// back by the modem. The Splitter function is specifically designed for this
// mode and would require modification for echo mode operation.
package at

import (
	"bufio"
	"bytes"
	"strings"
)

const (
	// Terminal Control
	CRLF   = "\r\n"
	Prompt = "> "
	CtrlZ  = "\x1A"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR"
	CmsError   = "+CMS ERROR"
	SimReady   = "+CPIN: READY"
	SimPin     = "+CPIN: SIM PIN"

	// Commands
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdSetTextMode   = "AT+CMGF=1"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdSimStatus     = "AT+CPIN?"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg         = "+CMTI:"
	UrcMsgPush        = "+CMT:"
	UrcMessageReport  = "+CDSI:"
	UrcSignalStrength = "+CSQ:"
	UrcCall           = "RING"
	UrcCallerID       = "+CLIP:"
)

// ResponseType classifies the nature of AT command modem responses for parsing
// and flow control purposes.
//
// AT command communication follows a structured protocol where different response
// types require different handling strategies. This classification enables the
// command processor to determine appropriate next actions, such as continuing
// to read more data, processing intermediate results, or concluding command
// execution.
type ResponseType int

const (
	// TypeFinal indicates command completion responses that terminate AT command
	// execution. These responses signal that no additional output should be
	// expected for the current command.
	//
	// Examples: "OK", "ERROR", "+CME ERROR: 30", "NO CARRIER"
	TypeFinal ResponseType = iota

	// TypeURC represents Unsolicited Result Codes - asynchronous notifications
	// from the modem that are not direct responses to AT commands. These can
	// arrive at any time and should be processed separately from command flows.
	//
	// Examples: "+CMTI: \"SM\",1" (new SMS), "RING" (incoming call)
	TypeURC

	// TypeData represents intermediate command output that provides requested
	// information but does not indicate command completion. Commands may return
	// multiple TypeData responses followed by a TypeFinal response.
	//
	// Examples: "+CSQ: 15,99" (signal quality), "+CPIN: READY" (SIM status)
	TypeData

	// TypePrompt indicates the SMS text input prompt ("> ") which signals
	// that the modem is ready to accept SMS message content. This requires
	// special handling as it's neither command output nor a final response.
	//
	// Example: "> " (SMS composition prompt)
	TypePrompt
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// it would need modification to handle command echoes that precede the actual
// response.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output.
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	case strings.HasPrefix(line, UrcNewMsg),
		strings.HasPrefix(line, UrcMsgPush),
		strings.HasPrefix(line, UrcCallerID),
		line == UrcCall:
		return TypeURC
	default:
		return TypeData
	}
}

// IsTerminator reports whether raw, a chunk of not-yet-tokenized bytes,
// contains a recognized final result code in any of the delimiter styles a
// modem may use around it ("\rOK\r", "\nOK\n", "\r\nOK\r\n", or none at
// all). The scanner probe (4.B step 2) uses this before a bufio.Scanner is
// attached to the port.
func IsTerminator(raw string) bool {
	for _, code := range []string{OK, ERROR, CmeError, CmsError} {
		if strings.Contains(raw, code) {
			return true
		}
	}
	return false
}
