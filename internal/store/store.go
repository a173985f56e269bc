// Package store persists the fleet gateway's entities (spec §3) to
// SQLite, in the teacher pack's own "thin wrapper over database/sql plus
// hand-written schema DDL" idiom.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"i4.energy/across/modemfleet/internal/modemdriver"
)

// Store wraps a *sql.DB with the fleet gateway's schema and queries.
type Store struct {
	db *sql.DB
}

const schemaVersion = "modemfleet v1"

// Open opens (creating if necessary) a SQLite database at dsn and ensures
// the schema is present.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	var version string
	row := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&version); err == nil && version == schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			user_name TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			password_salt TEXT NOT NULL,
			role TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			create_time TIMESTAMP NOT NULL,
			update_time TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS com_allocations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			device_id TEXT NOT NULL,
			com_ports TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_com_allocations_user ON com_allocations(user_id)`,
		`CREATE TABLE IF NOT EXISTS device_snapshots (
			device_id TEXT PRIMARY KEY,
			ports_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sms_messages (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			com_port TEXT NOT NULL,
			sender_number TEXT NOT NULL,
			message_content TEXT NOT NULL,
			received_time TIMESTAMP NOT NULL,
			sms_timestamp TEXT,
			operator TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_device ON sms_messages(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_comport ON sms_messages(com_port)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_sender ON sms_messages(sender_number)`,
		`CREATE INDEX IF NOT EXISTS idx_sms_received ON sms_messages(received_time)`,
		`CREATE TABLE IF NOT EXISTS call_hangup_records (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			com_port TEXT NOT NULL,
			caller_number TEXT,
			hangup_time TIMESTAMP NOT NULL,
			reason TEXT NOT NULL,
			raw_line TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hangup_device ON call_hangup_records(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_hangup_comport ON call_hangup_records(com_port)`,
		`CREATE TABLE IF NOT EXISTS sms_send_records (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			com_port TEXT NOT NULL,
			target_number TEXT NOT NULL,
			message_content TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_read_receipts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			source_id TEXT NOT NULL,
			read_time_utc TIMESTAMP NOT NULL,
			UNIQUE(user_id, message_type, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id)`,
		`DELETE FROM schema_version`,
		fmt.Sprintf(`INSERT INTO schema_version(version) VALUES ('%s')`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema migration failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Message types for MessageReadReceipt (spec §3).
const (
	MessageTypeSms    = "Sms"
	MessageTypeHangup = "Hangup"
)

// User roles (spec §3).
const (
	RoleUser  = "User"
	RoleAdmin = "Admin"
)

// User mirrors spec §3's User entity.
type User struct {
	ID           string
	UserName     string
	PasswordHash string
	PasswordSalt string
	Role         string
	IsDeleted    bool
	CreateTime   time.Time
	UpdateTime   time.Time
}

// CreateUser inserts a new, non-deleted user.
func (s *Store) CreateUser(u User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO users(id, user_name, password_hash, password_salt, role, is_deleted, create_time, update_time)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		u.ID, u.UserName, u.PasswordHash, u.PasswordSalt, u.Role, now, now,
	)
	return err
}

// GetUserByName returns the non-deleted user with the given user name.
func (s *Store) GetUserByName(userName string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, user_name, password_hash, password_salt, role, is_deleted, create_time, update_time
		 FROM users WHERE user_name = ? AND is_deleted = 0`, userName)
	var u User
	var isDeleted int
	if err := row.Scan(&u.ID, &u.UserName, &u.PasswordHash, &u.PasswordSalt, &u.Role, &isDeleted, &u.CreateTime, &u.UpdateTime); err != nil {
		return nil, err
	}
	u.IsDeleted = isDeleted != 0
	return &u, nil
}

// GetUserByID returns the non-deleted user with the given id.
func (s *Store) GetUserByID(id string) (*User, error) {
	row := s.db.QueryRow(
		`SELECT id, user_name, password_hash, password_salt, role, is_deleted, create_time, update_time
		 FROM users WHERE id = ? AND is_deleted = 0`, id)
	var u User
	var isDeleted int
	if err := row.Scan(&u.ID, &u.UserName, &u.PasswordHash, &u.PasswordSalt, &u.Role, &isDeleted, &u.CreateTime, &u.UpdateTime); err != nil {
		return nil, err
	}
	u.IsDeleted = isDeleted != 0
	return &u, nil
}

// ListUsers returns every non-deleted user.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(
		`SELECT id, user_name, password_hash, password_salt, role, is_deleted, create_time, update_time
		 FROM users WHERE is_deleted = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var isDeleted int
		if err := rows.Scan(&u.ID, &u.UserName, &u.PasswordHash, &u.PasswordSalt, &u.Role, &isDeleted, &u.CreateTime, &u.UpdateTime); err != nil {
			return nil, err
		}
		u.IsDeleted = isDeleted != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// SoftDeleteUser marks a user deleted (spec §3 "Soft-deleted users are
// invisible to default queries").
func (s *Store) SoftDeleteUser(id string) error {
	_, err := s.db.Exec(`UPDATE users SET is_deleted = 1, update_time = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// ComAllocation mirrors spec §3's ComAllocation entity.
type ComAllocation struct {
	ID       string
	UserID   string
	DeviceID string
	ComPorts []string
}

// AllocationsForUser returns every allocation granted to userID.
func (s *Store) AllocationsForUser(userID string) ([]ComAllocation, error) {
	rows, err := s.db.Query(`SELECT id, user_id, device_id, com_ports FROM com_allocations WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComAllocation
	for rows.Next() {
		var a ComAllocation
		var comPortsCSV string
		if err := rows.Scan(&a.ID, &a.UserID, &a.DeviceID, &comPortsCSV); err != nil {
			return nil, err
		}
		a.ComPorts = splitCSV(comPortsCSV)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutAllocation inserts or replaces an allocation.
func (s *Store) PutAllocation(a ComAllocation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO com_allocations(id, user_id, device_id, com_ports) VALUES (?, ?, ?, ?)`,
		a.ID, a.UserID, a.DeviceID, strings.Join(a.ComPorts, ","),
	)
	return err
}

// ListAllocations returns every allocation, for admin CRUD surfaces.
func (s *Store) ListAllocations() ([]ComAllocation, error) {
	rows, err := s.db.Query(`SELECT id, user_id, device_id, com_ports FROM com_allocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ComAllocation
	for rows.Next() {
		var a ComAllocation
		var comPortsCSV string
		if err := rows.Scan(&a.ID, &a.UserID, &a.DeviceID, &comPortsCSV); err != nil {
			return nil, err
		}
		a.ComPorts = splitCSV(comPortsCSV)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAllocation removes an allocation outright (allocations have no
// soft-delete flag in spec §3).
func (s *Store) DeleteAllocation(id string) error {
	_, err := s.db.Exec(`DELETE FROM com_allocations WHERE id = ?`, id)
	return err
}

// PutDeviceSnapshot overwrites the snapshot for deviceID (spec §3
// "overwrite-semantic (delete-then-insert logically)").
func (s *Store) PutDeviceSnapshot(deviceID string, ports []modemdriver.PortInfo) error {
	portsJSON, err := json.Marshal(ports)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO device_snapshots(device_id, ports_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET ports_json = excluded.ports_json, updated_at = excluded.updated_at`,
		deviceID, string(portsJSON), time.Now().UTC(),
	)
	return err
}

// DeviceSnapshot returns the current port list for deviceID, or nil if
// no snapshot has ever been recorded.
func (s *Store) DeviceSnapshot(deviceID string) ([]modemdriver.PortInfo, error) {
	row := s.db.QueryRow(`SELECT ports_json FROM device_snapshots WHERE device_id = ?`, deviceID)
	var portsJSON string
	if err := row.Scan(&portsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var ports []modemdriver.PortInfo
	if err := json.Unmarshal([]byte(portsJSON), &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

// OperatorForPort looks up the operator string a scan recorded for
// deviceID/portName, if any (spec §4.F persistence-on-ingest enrichment).
func (s *Store) OperatorForPort(deviceID, portName string) string {
	ports, err := s.DeviceSnapshot(deviceID)
	if err != nil {
		return ""
	}
	for _, p := range ports {
		if strings.EqualFold(p.PortName, portName) && p.ModemInfo != nil {
			return p.ModemInfo.Operator
		}
	}
	return ""
}

// SmsMessage mirrors spec §3's SmsMessage entity.
type SmsMessage struct {
	ID             string
	DeviceID       string
	ComPort        string
	SenderNumber   string
	MessageContent string
	ReceivedTime   time.Time
	SmsTimestamp   string
	Operator       string
	IsDeleted      bool
}

// InsertSmsMessage persists a new, append-only SMS record.
func (s *Store) InsertSmsMessage(m SmsMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO sms_messages(id, device_id, com_port, sender_number, message_content, received_time, sms_timestamp, operator, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		m.ID, m.DeviceID, m.ComPort, m.SenderNumber, m.MessageContent, m.ReceivedTime, m.SmsTimestamp, m.Operator,
	)
	return m.ID, err
}

// SoftDeleteSmsMessage marks an SmsMessage deleted without removing it.
func (s *Store) SoftDeleteSmsMessage(id string) error {
	_, err := s.db.Exec(`UPDATE sms_messages SET is_deleted = 1 WHERE id = ?`, id)
	return err
}

// HardDeleteSmsMessage permanently removes an SmsMessage row.
func (s *Store) HardDeleteSmsMessage(id string) error {
	_, err := s.db.Exec(`DELETE FROM sms_messages WHERE id = ?`, id)
	return err
}

// CallHangupRecord mirrors spec §3's CallHangupRecord entity.
type CallHangupRecord struct {
	ID           string
	DeviceID     string
	ComPort      string
	CallerNumber string
	HangupTime   time.Time
	Reason       string
	RawLine      string
	IsDeleted    bool
}

// InsertCallHangupRecord persists a new, append-only hangup record.
// Callers must skip this entirely when ComPort is empty (spec §4.F).
func (s *Store) InsertCallHangupRecord(r CallHangupRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO call_hangup_records(id, device_id, com_port, caller_number, hangup_time, reason, raw_line, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		r.ID, r.DeviceID, r.ComPort, r.CallerNumber, r.HangupTime, r.Reason, r.RawLine,
	)
	return r.ID, err
}

// SoftDeleteCallHangupRecord marks a CallHangupRecord deleted without
// removing it.
func (s *Store) SoftDeleteCallHangupRecord(id string) error {
	_, err := s.db.Exec(`UPDATE call_hangup_records SET is_deleted = 1 WHERE id = ?`, id)
	return err
}

// HardDeleteCallHangupRecord permanently removes a CallHangupRecord row.
func (s *Store) HardDeleteCallHangupRecord(id string) error {
	_, err := s.db.Exec(`DELETE FROM call_hangup_records WHERE id = ?`, id)
	return err
}

// SmsSendRecord tracks one outbound send request's lifecycle.
type SmsSendRecord struct {
	ID             string
	DeviceID       string
	ComPort        string
	TargetNumber   string
	MessageContent string
	Status         string
	Error          string
}

// CreateSmsSendRecord inserts a Pending send record and returns its id.
func (s *Store) CreateSmsSendRecord(r SmsSendRecord) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO sms_send_records(id, device_id, com_port, target_number, message_content, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.ComPort, r.TargetNumber, r.MessageContent, "Pending", "", now, now,
	)
	return r.ID, err
}

// UpdateSmsSendStatus updates a send record's terminal status.
func (s *Store) UpdateSmsSendStatus(recordID, status, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE sms_send_records SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), recordID,
	)
	return err
}

// MarkRead inserts a read receipt; a duplicate (unique-constraint
// violation) is treated as success, per spec §4.H.
func (s *Store) MarkRead(userID, messageType, sourceID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO message_read_receipts(id, user_id, message_type, source_id, read_time_utc)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), userID, messageType, sourceID, time.Now().UTC(),
	)
	return err
}

// ReadSourceIDs returns the set of sourceIds userID has already read for
// messageType.
func (s *Store) ReadSourceIDs(userID, messageType string) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT source_id FROM message_read_receipts WHERE user_id = ? AND message_type = ?`,
		userID, messageType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// PutRefreshToken stores a refresh token's hash, replacing any prior
// entry under the same hash (rotation re-inserts under a new hash).
func (s *Store) PutRefreshToken(tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO refresh_tokens(token_hash, user_id, expires_at) VALUES (?, ?, ?)`,
		tokenHash, userID, expiresAt,
	)
	return err
}

// ConsumeRefreshToken looks up and deletes the refresh token matching
// tokenHash in one step (single-use: a refresh always rotates), returning
// the owning userID. ok is false if the hash is unknown or expired.
func (s *Store) ConsumeRefreshToken(tokenHash string) (userID string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT user_id, expires_at FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	var expiresAt time.Time
	if err := row.Scan(&userID, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	if _, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return "", false, err
	}
	if time.Now().UTC().After(expiresAt) {
		return "", false, nil
	}
	return userID, true, nil
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
