// Package hub implements the Realtime Hub server (spec §4.F): the
// server-side half of the websocket connection agents and browser
// clients both speak, tracking which connection belongs to which
// device and persisting/broadcasting the events that flow through it.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"i4.energy/across/modemfleet/internal/modemdriver"
	"i4.energy/across/modemfleet/internal/store"
	"i4.energy/across/modemfleet/internal/wire"
)

// envelope mirrors the agent client's wire framing.
type envelope struct {
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

type connection struct {
	conn     *websocket.Conn
	deviceID string // empty until RegisterDevice arrives; agent connections only
	isClient bool
	mu       sync.Mutex
}

func (c *connection) writeEnvelope(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

// Hub is the concurrency-safe connectionId→deviceId registry plus the
// broadcast/unicast operations spec §4.F names.
type Hub struct {
	Store    *store.Store
	Logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[*connection]struct{}
	byDevice    map[string]*connection
}

// New builds a Hub. logger may be nil.
func New(st *store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Store:       st,
		Logger:      logger.With("component", "hub"),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connections: make(map[*connection]struct{}),
		byDevice:    make(map[string]*connection),
	}
}

// ServeAgent upgrades an incoming agent connection and services it until
// it closes or errors.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// ServeClient upgrades an incoming browser-client connection (receives
// broadcasts only; never registers a device id).
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, isClient bool) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &connection{conn: wsConn, isClient: isClient}

	h.mu.Lock()
	h.connections[c] = struct{}{}
	h.mu.Unlock()

	defer h.removeConnection(c)

	for {
		var env envelope
		if err := wsConn.ReadJSON(&env); err != nil {
			return
		}
		h.handle(c, env)
	}
}

func (h *Hub) removeConnection(c *connection) {
	h.mu.Lock()
	delete(h.connections, c)
	deviceID := c.deviceID
	if deviceID != "" && h.byDevice[deviceID] == c {
		delete(h.byDevice, deviceID)
	}
	h.mu.Unlock()

	if deviceID != "" {
		h.Logger.Info("device disconnected", "deviceId", deviceID)
		h.broadcastToClients(wire.DeviceDisconnected{DeviceID: deviceID})
	}
}

func (h *Hub) handle(c *connection, env envelope) {
	switch env.Message {
	case "RegisterDevice":
		var msg wire.RegisterDevice
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		h.RegisterDevice(c, msg.DeviceID)
	case "SendScanAcknowledgment":
		var msg wire.ScanAcknowledgment
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.Logger.Debug("scan acknowledged", "deviceId", msg.DeviceID, "message", msg.Message)
		}
	case "SendComPortFound":
		var msg wire.ComPortFound
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.broadcastToClients(msg)
		}
	case "SendComPortScanResult":
		var msg wire.ComPortScanResult
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			if h.Store != nil {
				if err := h.Store.PutDeviceSnapshot(msg.DeviceID, msg.Scan.Ports); err != nil {
					h.Logger.Error("failed to persist device snapshot", "deviceId", msg.DeviceID, "error", err)
				}
			}
		}
	case "SendComPortScanCompleted":
		var msg wire.ComPortScanCompleted
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.broadcastToClients(msg)
		}
	case "SendSmsReceived":
		var msg wire.SmsReceived
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.SendSmsReceived(msg.DeviceID, msg.Sms)
		}
	case "SendCallHangupRecord":
		var msg wire.CallHangupRecord
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.SendCallHangupRecord(msg.DeviceID, msg.Hangup)
		}
	case "SendSmsResult":
		var msg wire.SmsResult
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			h.SendSmsResult(msg.RecordID, msg.Status, msg.Error)
		}
	}
}

// RegisterDevice associates c with deviceID and notifies other clients.
func (h *Hub) RegisterDevice(c *connection, deviceID string) {
	h.mu.Lock()
	c.deviceID = deviceID
	h.byDevice[deviceID] = c
	h.mu.Unlock()

	h.Logger.Info("device registered", "deviceId", deviceID)
	h.broadcastToClients(wire.DeviceConnected{DeviceID: deviceID})
}

// GetConnectedDeviceIdsSnapshot returns a distinct, sorted,
// case-insensitive list of currently connected device ids.
func (h *Hub) GetConnectedDeviceIdsSnapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]string) // lower(id) -> original casing first seen
	for id := range h.byDevice {
		key := strings.ToLower(id)
		if _, ok := seen[key]; !ok {
			seen[key] = id
		}
	}
	out := make([]string, 0, len(seen))
	for _, id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// RequestComPortScan dispatches ScanComPorts to the single connection
// registered for deviceID; logs (does not error) if not found.
func (h *Hub) RequestComPortScan(deviceID string) {
	h.sendToDevice(deviceID, "ScanComPorts", wire.ScanComPorts{DeviceID: deviceID})
}

// RequestSendSms dispatches SendSms to the single connection registered
// for deviceID; logs (does not error) if not found.
func (h *Hub) RequestSendSms(deviceID, comPort, target, content, recordID string) {
	h.sendToDevice(deviceID, "SendSms", wire.SendSms{
		DeviceID:       deviceID,
		ComPort:        comPort,
		TargetNumber:   target,
		MessageContent: content,
		RecordID:       recordID,
	})
}

// RequestStartSmsReceiver dispatches StartSmsReceiver to deviceID.
func (h *Hub) RequestStartSmsReceiver(deviceID string, ports []wire.ReceiverPort) {
	h.sendToDevice(deviceID, "StartSmsReceiver", wire.StartSmsReceiver{DeviceID: deviceID, Ports: ports})
}

// RequestStopSmsReceiver dispatches StopSmsReceiver to deviceID.
func (h *Hub) RequestStopSmsReceiver(deviceID string) {
	h.sendToDevice(deviceID, "StopSmsReceiver", wire.StopSmsReceiver{DeviceID: deviceID})
}

func (h *Hub) sendToDevice(deviceID, message string, payload any) {
	h.mu.RLock()
	c := h.byDevice[deviceID]
	h.mu.RUnlock()

	if c == nil {
		h.Logger.Warn("device not connected", "deviceId", deviceID, "message", message)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.Logger.Error("failed to marshal outbound message", "message", message, "error", err)
		return
	}
	if err := c.writeEnvelope(envelope{Message: message, Payload: body}); err != nil {
		h.Logger.Error("failed to write to device", "deviceId", deviceID, "error", err)
	}
}

// SendSmsReceived persists then broadcasts an inbound SMS (spec §4.F).
// Persistence failures must not abort the broadcast: operator enrichment
// and the insert itself only ever produce a logged error.
func (h *Hub) SendSmsReceived(deviceID string, sms modemdriver.SmsReceivedDto) {
	if h.Store != nil {
		operator := h.Store.OperatorForPort(deviceID, sms.ComPort)
		if _, err := h.Store.InsertSmsMessage(store.SmsMessage{
			DeviceID:       deviceID,
			ComPort:        sms.ComPort,
			SenderNumber:   sms.SenderNumber,
			MessageContent: sms.MessageContent,
			ReceivedTime:   sms.ReceivedTime,
			SmsTimestamp:   sms.SmsTimestamp,
			Operator:       operator,
		}); err != nil {
			h.Logger.Error("failed to persist sms message", "deviceId", deviceID, "error", err)
		}
	}
	h.broadcastToClients(wire.SmsReceived{DeviceID: deviceID, Sms: sms})
}

// SendCallHangupRecord persists (ignoring empty comPort) then broadcasts
// a hangup record (spec §4.F). Persistence failures must not abort the
// broadcast.
func (h *Hub) SendCallHangupRecord(deviceID string, hangup modemdriver.CallHangupDto) {
	if h.Store != nil && hangup.ComPort != "" {
		if _, err := h.Store.InsertCallHangupRecord(store.CallHangupRecord{
			DeviceID:     deviceID,
			ComPort:      hangup.ComPort,
			CallerNumber: hangup.CallerNumber,
			HangupTime:   hangup.HangupTime,
			Reason:       hangup.Reason,
			RawLine:      hangup.RawLine,
		}); err != nil {
			h.Logger.Error("failed to persist hangup record", "deviceId", deviceID, "error", err)
		}
	}
	h.broadcastToClients(wire.CallHangupRecord{DeviceID: deviceID, Hangup: hangup})
}

// SendSmsResult updates send-record persistence then broadcasts the
// result (spec §4.F).
func (h *Hub) SendSmsResult(recordID, status, errMsg string) {
	if h.Store != nil {
		if err := h.Store.UpdateSmsSendStatus(recordID, status, errMsg); err != nil {
			h.Logger.Error("failed to update send record", "recordId", recordID, "error", err)
		}
	}
	h.broadcastToClients(wire.SmsResult{RecordID: recordID, Status: status, Error: errMsg})
}

func (h *Hub) broadcastToClients(payload any) {
	name := broadcastName(payload)
	body, err := json.Marshal(payload)
	if err != nil {
		h.Logger.Error("failed to marshal broadcast", "message", name, "error", err)
		return
	}
	env := envelope{Message: name, Payload: body}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.connections))
	for c := range h.connections {
		if c.isClient {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.writeEnvelope(env); err != nil {
			h.Logger.Error("failed to broadcast to connection", "error", err)
		}
	}
}

func broadcastName(payload any) string {
	switch payload.(type) {
	case wire.DeviceConnected:
		return "DeviceConnected"
	case wire.DeviceDisconnected:
		return "DeviceDisconnected"
	case wire.ComPortFound:
		return "ComPortFound"
	case wire.ComPortScanCompleted:
		return "ComPortScanCompleted"
	case wire.SmsReceived:
		return "SmsReceived"
	case wire.CallHangupRecord:
		return "CallHangupRecord"
	case wire.SmsResult:
		return "SmsSendResult"
	default:
		return ""
	}
}
