// Package agent implements the hub client side of the fleet gateway: the
// process running next to a bank of modems that connects out to the
// server, registers its device id, and dispatches incoming hub commands
// to the modemdriver Scanner/Receiver/Sender.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"i4.energy/across/modemfleet/internal/modemdriver"
	"i4.energy/across/modemfleet/internal/wire"
)

// envelope is the wire framing every hub message travels in: a message
// name plus its raw JSON payload, so a single websocket connection can
// multiplex the whole vocabulary in spec §6.1.
type envelope struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

// Client is the Agent Hub Client (spec §4.E): a persistent, auto-reconnecting
// websocket connection to the server hub that registers a device id and
// dispatches inbound commands to the local modem driver.
type Client struct {
	ServerURL string
	DeviceID  string
	Logger    *slog.Logger

	Scanner  *modemdriver.Scanner
	Receiver *modemdriver.Receiver
	Sender   *modemdriver.Sender

	AutoStartOnScan bool

	mu        sync.Mutex
	conn      *websocket.Conn
	bridged   bool
	listening map[string]bool
}

// NewClient builds a Client. logger may be nil.
func NewClient(serverURL, deviceID string, scanner *modemdriver.Scanner, receiver *modemdriver.Receiver, sender *modemdriver.Sender, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		ServerURL: serverURL,
		DeviceID:  deviceID,
		Logger:    logger.With("component", "agent", "deviceId", deviceID),
		Scanner:   scanner,
		Receiver:  receiver,
		Sender:    sender,
		listening: make(map[string]bool),
	}
}

// Run connects and reconnects forever (until ctx is cancelled), dispatching
// inbound hub commands as they arrive. Reconnect backoff is exponential,
// per spec §4.E ("exponential backoff is sufficient").
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Duration()
		c.Logger.Warn("hub connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.ServerURL, http.Header{})
	if err != nil {
		return fmt.Errorf("agent: dial hub: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.Logger.Info("connected to hub", "url", c.ServerURL)
	if err := c.send(wire.RegisterDevice{DeviceID: c.DeviceID}); err != nil {
		return err
	}

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if err := c.dispatch(ctx, env); err != nil {
			c.Logger.Error("failed to handle hub message", "message", env.Message, "error", err)
		}
	}
}

func (c *Client) send(payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: not connected")
	}
	name := messageName(payload)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Message: name, Payload: body})
}

func messageName(payload any) string {
	switch payload.(type) {
	case wire.RegisterDevice:
		return "RegisterDevice"
	case wire.ScanAcknowledgment:
		return "SendScanAcknowledgment"
	case wire.ComPortFound:
		return "SendComPortFound"
	case wire.ComPortScanResult:
		return "SendComPortScanResult"
	case wire.ComPortScanCompleted:
		return "SendComPortScanCompleted"
	case wire.SmsReceived:
		return "SendSmsReceived"
	case wire.CallHangupRecord:
		return "SendCallHangupRecord"
	case wire.SmsResult:
		return "SendSmsResult"
	default:
		return fmt.Sprintf("%T", payload)
	}
}

func (c *Client) dispatch(ctx context.Context, env envelope) error {
	switch env.Message {
	case "ScanComPorts":
		var msg wire.ScanComPorts
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		return c.handleScan(ctx, msg)
	case "StartSmsReceiver":
		var msg wire.StartSmsReceiver
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		return c.handleStartReceiver(ctx, msg)
	case "StopSmsReceiver":
		var msg wire.StopSmsReceiver
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		return c.handleStopReceiver(msg)
	case "SendSms":
		var msg wire.SendSms
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		go c.handleSendSms(ctx, msg)
		return nil
	default:
		return nil
	}
}

func (c *Client) targetsMe(targetDeviceID string) bool {
	return targetDeviceID == "" || strings.EqualFold(targetDeviceID, c.DeviceID)
}

func (c *Client) handleScan(ctx context.Context, msg wire.ScanComPorts) error {
	if !c.targetsMe(msg.DeviceID) {
		return nil
	}
	if err := c.send(wire.ScanAcknowledgment{DeviceID: c.DeviceID, Message: "scan started"}); err != nil {
		return err
	}

	c.bridgeEvents()

	var autoStartSpecs []modemdriver.PortSpec
	result := c.Scanner.Scan(ctx, func(p modemdriver.PortInfo) {
		if sendErr := c.send(wire.ComPortFound{DeviceID: c.DeviceID, Port: p}); sendErr != nil {
			c.Logger.Error("failed to send ComPortFound", "error", sendErr)
		}
		if c.AutoStartOnScan && p.IsSmsModem && p.ModemInfo != nil && p.ModemInfo.HasSimCard && p.BaudRate != 0 {
			autoStartSpecs = append(autoStartSpecs, modemdriver.PortSpec{PortName: p.PortName, BaudRate: p.BaudRate})
		}
	})

	if err := c.send(wire.ComPortScanCompleted{DeviceID: c.DeviceID, Time: result.ScanTime}); err != nil {
		return err
	}
	if err := c.send(wire.ComPortScanResult{DeviceID: c.DeviceID, Scan: result}); err != nil {
		return err
	}

	if len(autoStartSpecs) > 0 {
		return c.startReceiverOn(ctx, autoStartSpecs)
	}
	return nil
}

func (c *Client) handleStartReceiver(ctx context.Context, msg wire.StartSmsReceiver) error {
	if !c.targetsMe(msg.DeviceID) {
		return nil
	}
	specs := make([]modemdriver.PortSpec, 0, len(msg.Ports))
	for _, p := range msg.Ports {
		specs = append(specs, modemdriver.PortSpec{PortName: p.PortName, BaudRate: p.BaudRate})
	}
	return c.startReceiverOn(ctx, specs)
}

func (c *Client) startReceiverOn(ctx context.Context, specs []modemdriver.PortSpec) error {
	c.bridgeEvents()
	return c.Receiver.StartListening(ctx, c.DeviceID, specs)
}

// bridgeEvents wires the Receiver's OnSmsReceived/OnCallHangup callbacks
// into hub sends, exactly once regardless of how many times a scan or
// StartSmsReceiver command arrives (spec §4.E "hook event bridges once
// (idempotent)").
func (c *Client) bridgeEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridged {
		return
	}
	c.bridged = true
	c.Receiver.OnSmsReceived = func(sms modemdriver.SmsReceivedDto) {
		if err := c.send(wire.SmsReceived{DeviceID: c.DeviceID, Sms: sms}); err != nil {
			c.Logger.Error("failed to send SmsReceived", "error", err)
		}
	}
	c.Receiver.OnCallHangup = func(h modemdriver.CallHangupDto) {
		if err := c.send(wire.CallHangupRecord{DeviceID: c.DeviceID, Hangup: h}); err != nil {
			c.Logger.Error("failed to send CallHangupRecord", "error", err)
		}
	}
}

func (c *Client) handleStopReceiver(msg wire.StopSmsReceiver) error {
	if !c.targetsMe(msg.DeviceID) {
		return nil
	}
	c.Receiver.Stop()
	return nil
}

func (c *Client) handleSendSms(ctx context.Context, msg wire.SendSms) {
	if !c.targetsMe(msg.DeviceID) {
		return
	}
	result := c.Sender.SendSms(ctx, msg.ComPort, msg.TargetNumber, msg.MessageContent)

	status := wire.SmsStatusSent
	errMsg := ""
	if !result.OK {
		status = wire.SmsStatusFailed
		errMsg = result.ErrorMessage
	}
	if err := c.send(wire.SmsResult{RecordID: msg.RecordID, Status: status, Error: errMsg}); err != nil {
		c.Logger.Error("failed to send SmsResult", "error", err)
	}
}
