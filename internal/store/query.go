package store

import (
	"strings"
	"time"
)

// DeviceComPort is a single (deviceId, comPort) authorization pair, as
// granted by exactly one ComAllocation entry. Visibility is evaluated
// pair-wise, not as independent deviceId/comPort set membership: a row
// is visible only if its own (deviceId, comPort) was actually granted
// together by some allocation.
type DeviceComPort struct {
	DeviceID string
	ComPort  string
}

// SmsFilter narrows a ListSmsMessages call. ComPorts/DeviceID, when
// non-empty, are exact-match sets (already normalized by the caller);
// SenderContains is a case-insensitive substring match. AllowedPairs,
// when non-empty, restricts rows to one of the given (deviceId,
// comPort) pairs and takes precedence over DeviceID/ComPorts for
// visibility scoping.
type SmsFilter struct {
	DeviceID       string
	ComPorts       []string
	AllowedPairs   []DeviceComPort
	SenderContains string
	From, To       time.Time
	IncludeDeleted bool
	PageNumber     int
	PageSize       int
}

// ListSmsMessages returns a page of SmsMessage rows matching filter,
// newest receivedTime first, plus the total matching row count.
func (s *Store) ListSmsMessages(f SmsFilter) ([]SmsMessage, int, error) {
	where, args := smsWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM sms_messages" + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageNumber, pageSize := clampPage(f.PageNumber, f.PageSize)
	query := `SELECT id, device_id, com_port, sender_number, message_content, received_time, sms_timestamp, operator, is_deleted
		FROM sms_messages` + where + ` ORDER BY received_time DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, pageSize, (pageNumber-1)*pageSize)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []SmsMessage
	for rows.Next() {
		var m SmsMessage
		var isDeleted int
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.ComPort, &m.SenderNumber, &m.MessageContent, &m.ReceivedTime, &m.SmsTimestamp, &m.Operator, &isDeleted); err != nil {
			return nil, 0, err
		}
		m.IsDeleted = isDeleted != 0
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func smsWhere(f SmsFilter) (string, []any) {
	var clauses []string
	var args []any

	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted = 0")
	}
	if len(f.AllowedPairs) > 0 {
		clause, pargs := pairsClause(f.AllowedPairs)
		clauses = append(clauses, clause)
		args = append(args, pargs...)
	} else {
		if f.DeviceID != "" {
			clauses = append(clauses, "device_id = ?")
			args = append(args, f.DeviceID)
		}
		if len(f.ComPorts) > 0 {
			clauses = append(clauses, "com_port IN ("+placeholders(len(f.ComPorts))+")")
			for _, p := range f.ComPorts {
				args = append(args, p)
			}
		}
	}
	if f.SenderContains != "" {
		clauses = append(clauses, "LOWER(sender_number) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.SenderContains)+"%")
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "received_time >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "received_time <= ?")
		args = append(args, f.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// HangupFilter narrows a ListCallHangupRecords call. AllowedPairs, when
// non-empty, restricts rows to one of the given (deviceId, comPort)
// pairs and takes precedence over DeviceID/DeviceIDs/ComPorts for
// visibility scoping.
type HangupFilter struct {
	DeviceID       string
	DeviceIDs      []string
	ComPorts       []string
	AllowedPairs   []DeviceComPort
	CallerContains string
	From, To       time.Time
	IncludeDeleted bool
	PageNumber     int
	PageSize       int
}

// ListCallHangupRecords returns a page of CallHangupRecord rows matching
// filter, newest hangupTime first, plus the total matching row count.
func (s *Store) ListCallHangupRecords(f HangupFilter) ([]CallHangupRecord, int, error) {
	where, args := hangupWhere(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM call_hangup_records" + where
	if err := s.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageNumber, pageSize := clampPage(f.PageNumber, f.PageSize)
	query := `SELECT id, device_id, com_port, caller_number, hangup_time, reason, raw_line, is_deleted
		FROM call_hangup_records` + where + ` ORDER BY hangup_time DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, pageSize, (pageNumber-1)*pageSize)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []CallHangupRecord
	for rows.Next() {
		var r CallHangupRecord
		var isDeleted int
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.ComPort, &r.CallerNumber, &r.HangupTime, &r.Reason, &r.RawLine, &isDeleted); err != nil {
			return nil, 0, err
		}
		r.IsDeleted = isDeleted != 0
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func hangupWhere(f HangupFilter) (string, []any) {
	var clauses []string
	var args []any

	if !f.IncludeDeleted {
		clauses = append(clauses, "is_deleted = 0")
	}
	if len(f.AllowedPairs) > 0 {
		clause, pargs := pairsClause(f.AllowedPairs)
		clauses = append(clauses, clause)
		args = append(args, pargs...)
	} else {
		if f.DeviceID != "" {
			clauses = append(clauses, "device_id = ?")
			args = append(args, f.DeviceID)
		} else if len(f.DeviceIDs) > 0 {
			clauses = append(clauses, "device_id IN ("+placeholders(len(f.DeviceIDs))+")")
			for _, d := range f.DeviceIDs {
				args = append(args, d)
			}
		}
		if len(f.ComPorts) > 0 {
			clauses = append(clauses, "com_port IN ("+placeholders(len(f.ComPorts))+")")
			for _, p := range f.ComPorts {
				args = append(args, p)
			}
		}
	}
	if f.CallerContains != "" {
		clauses = append(clauses, "LOWER(caller_number) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.CallerContains)+"%")
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "hangup_time >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "hangup_time <= ?")
		args = append(args, f.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// pairsClause renders pairs as an OR-of-AND group, so a row must match
// one (deviceId, comPort) pair together rather than either column
// independently.
func pairsClause(pairs []DeviceComPort) (string, []any) {
	parts := make([]string, len(pairs))
	args := make([]any, 0, len(pairs)*2)
	for i, p := range pairs {
		parts[i] = "(device_id = ? AND com_port = ?)"
		args = append(args, p.DeviceID, p.ComPort)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// clampPage normalizes a 1-based pageNumber and a pageSize into the
// spec's required bounds: pageNumber >= 1, pageSize in [1, 200].
func clampPage(pageNumber, pageSize int) (int, int) {
	if pageNumber < 1 {
		pageNumber = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return pageNumber, pageSize
}
