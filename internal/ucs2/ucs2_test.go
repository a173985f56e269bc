package ucs2_test

import (
	"testing"
	"testing/quick"

	"i4.energy/across/modemfleet/internal/ucs2"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{"hello", "你你", "Héllo, wörld!", "🙂", ""}
	for _, s := range cases {
		enc := ucs2.Encode(s)
		got := ucs2.DecodeIfNeeded(enc)
		if got != s && s != "" {
			t.Errorf("round trip failed for %q: encoded %q, decoded %q", s, enc, got)
		}
	}
}

func TestRoundTripProperty(t *testing.T) {
	f := func(s string) bool {
		if s == "" {
			return true
		}
		enc := ucs2.Encode(s)
		return ucs2.DecodeIfNeeded(enc) == s
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestDecodeIfNeeded_PassesThroughNonHex(t *testing.T) {
	cases := []string{"Hello", "+15551234567", "hi there!"}
	for _, s := range cases {
		if got := ucs2.DecodeIfNeeded(s); got != s {
			t.Errorf("expected pass-through for %q, got %q", s, got)
		}
	}
}

func TestDecodeIfNeeded_S1Example(t *testing.T) {
	got := ucs2.DecodeIfNeeded("4F604F60")
	if got != "你你" {
		t.Errorf("expected 你你, got %q", got)
	}
}

func TestDecodeIfNeeded_StripsQuotingAndWhitespace(t *testing.T) {
	got := ucs2.DecodeIfNeeded("\"4F60 4F60\"\r\n")
	if got != "你你" {
		t.Errorf("expected 你你, got %q", got)
	}
}

func TestDecodeIfNeeded_TrimsOddTrailingGroup(t *testing.T) {
	// 4F604F6 has 7 hex chars; trimmed to a multiple of 4 leaves "4F60".
	got := ucs2.DecodeIfNeeded("4F604F6")
	if got != "你" {
		t.Errorf("expected 你, got %q", got)
	}
}
