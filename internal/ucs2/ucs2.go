// Package ucs2 encodes and decodes the UCS2 (UTF-16BE-over-hex) text
// encoding GSM modems use for SMS content and headers outside the 7-bit
// GSM alphabet.
package ucs2

import (
	"encoding/hex"
	"strings"
	"unicode/utf16"
)

// Encode converts a UTF-8 string into its UCS2 hex representation, as a
// modem in AT+CSCS="UCS2" mode expects to receive it.
func Encode(s string) string {
	units := utf16.Encode([]rune(s))
	octets := make([]byte, 0, len(units)*2)
	for _, u := range units {
		octets = append(octets, byte(u>>8), byte(u))
	}
	return strings.ToUpper(hex.EncodeToString(octets))
}

// Decode interprets hex as big-endian UTF-16 code units and returns the
// resulting UTF-8 string. hex must have an even length that is a multiple
// of 4 hex characters (2 bytes per UTF-16 code unit); Decode trims any
// trailing partial unit rather than failing.
func Decode(hexStr string) (string, error) {
	hexStr = strings.TrimSpace(hexStr)
	if n := len(hexStr) - len(hexStr)%4; n != len(hexStr) {
		hexStr = hexStr[:n]
	}
	octets, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	units := make([]uint16, 0, len(octets)/2)
	for i := 0; i+1 < len(octets); i += 2 {
		units = append(units, uint16(octets[i])<<8|uint16(octets[i+1]))
	}
	return string(utf16.Decode(units)), nil
}

// looksLikeHex reports whether s, after stripping whitespace/quotes, is
// plausibly a UCS2 hex payload: non-empty, every remaining rune a hex
// digit, and at least 4 characters long (one UTF-16 code unit).
func looksLikeHex(s string) bool {
	if len(s) < 4 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// DecodeIfNeeded implements the SMS Receiver's UCS2 detection rule (spec
// §4.C): strip spaces/CR/LF/quotes from raw; if what remains is hex of
// length >= 4, trim any trailing partial hex group down to a multiple of 4
// characters and UTF-16BE-decode it. Otherwise raw is passed through
// unchanged, since plain GSM/ASCII text never happens to satisfy the
// all-hex-digits test for any realistic message.
func DecodeIfNeeded(raw string) string {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\r', '\n', '"':
			return -1
		default:
			return r
		}
	}, raw)

	if !looksLikeHex(stripped) {
		return raw
	}

	decoded, err := Decode(stripped)
	if err != nil {
		return raw
	}
	return decoded
}
