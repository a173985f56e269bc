package wire

import (
	"encoding/json"
	"testing"
	"time"

	"i4.energy/across/modemfleet/internal/modemdriver"
)

// TestSmsReceivedRoundTrip checks the wire framing preserves the nested
// modemdriver DTO's fields and the lowerCamelCase field names the
// protocol promises, rather than grid-testing every message type.
func TestSmsReceivedRoundTrip(t *testing.T) {
	in := SmsReceived{
		DeviceID: "D1",
		Sms: modemdriver.SmsReceivedDto{
			ComPort:        "COM3",
			SenderNumber:   "+15551234",
			MessageContent: "hello",
			ReceivedTime:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(body, &asMap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := asMap["deviceId"]; !ok {
		t.Errorf("expected lowerCamelCase %q key, got %v", "deviceId", asMap)
	}
	if _, ok := asMap["sms"]; !ok {
		t.Errorf("expected %q key, got %v", "sms", asMap)
	}

	var out SmsReceived
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.DeviceID != in.DeviceID || out.Sms.SenderNumber != in.Sms.SenderNumber {
		t.Errorf("round-trip mismatch: got %+v, want %+v", out, in)
	}
}

// TestSmsResultOmitsEmptyError confirms the omitempty tag on Error keeps
// a successful result's JSON free of a spurious empty error field.
func TestSmsResultOmitsEmptyError(t *testing.T) {
	body, err := json.Marshal(SmsResult{RecordID: "r1", Status: SmsStatusSent})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(body, &asMap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := asMap["error"]; ok {
		t.Errorf("expected no error key for a successful result, got %v", asMap)
	}

	body, err = json.Marshal(SmsResult{RecordID: "r2", Status: SmsStatusFailed, Error: "timeout"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := json.Unmarshal(body, &asMap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asMap["error"] != "timeout" {
		t.Errorf("expected error=timeout, got %v", asMap["error"])
	}
}

func TestStartSmsReceiverCarriesPorts(t *testing.T) {
	in := StartSmsReceiver{
		DeviceID: "D1",
		Ports:    []ReceiverPort{{PortName: "COM3", BaudRate: 115200}, {PortName: "COM5", BaudRate: 9600}},
	}
	body, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out StartSmsReceiver
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Ports) != 2 || out.Ports[0].BaudRate != 115200 {
		t.Errorf("round-trip mismatch: got %+v", out)
	}
}
