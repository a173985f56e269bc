// Package readreceipt implements per-user read tracking over SMS and
// hangup records (spec §4.H).
package readreceipt

import (
	"i4.energy/across/modemfleet/internal/auth"
	"i4.energy/across/modemfleet/internal/store"
)

// Tracker wires read-receipt bookkeeping to the underlying store.
type Tracker struct {
	Store *store.Store
}

// NewTracker builds a Tracker.
func NewTracker(st *store.Store) *Tracker {
	return &Tracker{Store: st}
}

// MarkRead inserts one receipt; a duplicate insert is treated as success
// (spec §4.H, backed by the store's unique-constraint idempotency).
func (t *Tracker) MarkRead(userID, messageType, sourceID string) error {
	return t.Store.MarkRead(userID, messageType, sourceID)
}

// MarkAllRead computes the visible set under a user's scope (optionally
// narrowed by deviceID/comPort), subtracts already-read ids, and inserts
// receipts for the remainder. Returns the number of new receipts
// inserted.
func (t *Tracker) MarkAllRead(scope auth.Scope, userID, messageType string, deviceID, comPort string) (int, error) {
	visibleIDs, err := t.visibleSourceIDs(scope, messageType, deviceID, comPort)
	if err != nil {
		return 0, err
	}

	already, err := t.Store.ReadSourceIDs(userID, messageType)
	if err != nil {
		return 0, err
	}

	var inserted int
	for _, id := range visibleIDs {
		if already[id] {
			continue
		}
		if err := t.Store.MarkRead(userID, messageType, id); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// UnreadCounts computes, for each message type, the size of the visible
// set under scope minus the user's read-receipt set for that type (spec
// §4.H).
func (t *Tracker) UnreadCounts(scope auth.Scope, userID string) (sms int, hangup int, err error) {
	sms, err = t.unreadCount(scope, userID, store.MessageTypeSms)
	if err != nil {
		return 0, 0, err
	}
	hangup, err = t.unreadCount(scope, userID, store.MessageTypeHangup)
	if err != nil {
		return 0, 0, err
	}
	return sms, hangup, nil
}

func (t *Tracker) unreadCount(scope auth.Scope, userID, messageType string) (int, error) {
	visibleIDs, err := t.visibleSourceIDs(scope, messageType, "", "")
	if err != nil {
		return 0, err
	}
	already, err := t.Store.ReadSourceIDs(userID, messageType)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range visibleIDs {
		if !already[id] {
			count++
		}
	}
	return count, nil
}

func (t *Tracker) visibleSourceIDs(scope auth.Scope, messageType, deviceID, comPort string) ([]string, error) {
	const allRows = 1
	const hugePage = 1_000_000 // visibility sweeps need every matching row, not a UI page

	switch messageType {
	case store.MessageTypeSms:
		filter, ok := scope.BuildSmsFilter(auth.SmsListFilter{
			DeviceID:   deviceID,
			ComPort:    comPort,
			PageNumber: allRows,
			PageSize:   hugePage,
		})
		if !ok {
			return nil, nil
		}
		rows, _, err := t.Store.ListSmsMessages(filter)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return ids, nil

	case store.MessageTypeHangup:
		filter, ok := scope.BuildHangupFilter(auth.HangupListFilter{
			DeviceID:   deviceID,
			ComPort:    comPort,
			PageNumber: allRows,
			PageSize:   hugePage,
		})
		if !ok {
			return nil, nil
		}
		rows, _, err := t.Store.ListCallHangupRecords(filter)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		return ids, nil

	default:
		return nil, nil
	}
}

// EnrichIsRead fetches the user's receipt set once for messageType and
// stamps isRead on every id in ids, per spec §4.H ("receipt set fetched
// per page, not per row").
func (t *Tracker) EnrichIsRead(userID, messageType string, ids []string) (map[string]bool, error) {
	receipts, err := t.Store.ReadSourceIDs(userID, messageType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = receipts[id]
	}
	return out, nil
}
