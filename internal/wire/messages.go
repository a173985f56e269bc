// Package wire defines the JSON payloads exchanged over the realtime hub
// between agents and the server, and between the server and browser
// clients. Every message name here mirrors a named hub method; field
// names use the wire protocol's lowerCamelCase convention.
package wire

import (
	"time"

	"i4.energy/across/modemfleet/internal/modemdriver"
)

// RegisterDevice is the first message an agent sends on every (re)connect.
type RegisterDevice struct {
	DeviceID string `json:"deviceId"`
}

// ScanAcknowledgment confirms a ScanComPorts request has been accepted and
// is running.
type ScanAcknowledgment struct {
	DeviceID string `json:"deviceId"`
	Message  string `json:"message"`
}

// ComPortFound carries one incremental port discovery during a scan.
type ComPortFound struct {
	DeviceID string               `json:"deviceId"`
	Port     modemdriver.PortInfo `json:"port"`
}

// ComPortScanResult carries the full scan payload once detail-querying
// finishes for every discovered port.
type ComPortScanResult struct {
	DeviceID string                 `json:"deviceId"`
	Scan     modemdriver.ScanResult `json:"scanResult"`
}

// ComPortScanCompleted marks the end of a scan.
type ComPortScanCompleted struct {
	DeviceID string    `json:"deviceId"`
	Time     time.Time `json:"isoTime"`
}

// SmsReceived carries a fully parsed inbound SMS from agent to server, and
// from server to subscribed clients.
type SmsReceived struct {
	DeviceID string                     `json:"deviceId"`
	Sms      modemdriver.SmsReceivedDto `json:"sms"`
}

// CallHangupRecord carries a recorded hangup from agent to server, and
// from server to subscribed clients.
type CallHangupRecord struct {
	DeviceID string                   `json:"deviceId"`
	Hangup   modemdriver.CallHangupDto `json:"hangup"`
}

// SmsResult reports the outcome of a send back to the server (and from the
// server out to clients) keyed by the originating record's id.
type SmsResult struct {
	RecordID string `json:"recordId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Send result statuses (spec §3 SmsSendRecord.status).
const (
	SmsStatusPending = "Pending"
	SmsStatusSent    = "Sent"
	SmsStatusFailed  = "Failed"
)

// ReceiverPort names one port and baud rate to listen on, as sent in a
// StartSmsReceiver command.
type ReceiverPort struct {
	PortName string `json:"portName"`
	BaudRate int    `json:"baudRate"`
}

// StartSmsReceiver is a server→agent command naming the ports to start
// listening on.
type StartSmsReceiver struct {
	DeviceID string         `json:"deviceId"`
	Ports    []ReceiverPort `json:"ports"`
}

// StopSmsReceiver is a server→agent command to stop all active listeners.
type StopSmsReceiver struct {
	DeviceID string `json:"deviceId"`
}

// ScanComPorts is a server→agent command to (re)run the port scanner.
type ScanComPorts struct {
	DeviceID string `json:"deviceId"`
}

// SendSms is a server→agent command to send one message out a given port.
type SendSms struct {
	DeviceID       string `json:"deviceId"`
	ComPort        string `json:"comPort"`
	TargetNumber   string `json:"targetNumber"`
	MessageContent string `json:"messageContent"`
	RecordID       string `json:"recordId"`
}

// DeviceConnected/DeviceDisconnected are server→client broadcasts tracking
// agent connectivity.
type DeviceConnected struct {
	DeviceID string `json:"deviceId"`
}

type DeviceDisconnected struct {
	DeviceID string `json:"deviceId"`
}
