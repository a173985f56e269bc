// Package auth implements per-user authorization and visibility scoping
// (spec §4.G) and JWT issuance/verification for the HTTP API (spec §6.4).
package auth

import (
	"strings"
	"time"

	"i4.energy/across/modemfleet/internal/store"
)

// Scope is the normalized set of devices/ports a non-admin user may see,
// computed once per request from their ComAllocations (spec §4.G steps
// 1-2). AllowedPairs carries the actual per-allocation (deviceId,
// comPort) grants: a ComAllocation is a deviceId paired with the ports
// granted on that specific device, so visibility must be evaluated
// pair-wise. AllowedDeviceIDs/AllowedComPorts are the flattened
// projections of those pairs; they are read only by Empty(), while
// caller-supplied deviceId/comPort filters are matched against
// AllowedPairs.
type Scope struct {
	IsAdmin          bool
	AllowedDeviceIDs map[string]struct{}
	AllowedComPorts  map[string]struct{}
	AllowedPairs     []store.DeviceComPort
}

// Empty reports whether a non-admin scope has no allocations at all
// (spec §4.G step 3: return an empty page rather than querying).
func (s Scope) Empty() bool {
	return !s.IsAdmin && len(s.AllowedDeviceIDs) == 0 && len(s.AllowedComPorts) == 0
}

func normalize(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// BuildScope loads a user's allocations and derives their Scope. Admins
// get an unrestricted scope without touching the allocation table.
func BuildScope(st *store.Store, userID string, isAdmin bool) (Scope, error) {
	if isAdmin {
		return Scope{IsAdmin: true}, nil
	}

	allocations, err := st.AllocationsForUser(userID)
	if err != nil {
		return Scope{}, err
	}

	deviceIDs := make(map[string]struct{})
	comPorts := make(map[string]struct{})
	var pairs []store.DeviceComPort
	for _, a := range allocations {
		d := normalize(a.DeviceID)
		deviceIDs[d] = struct{}{}
		for _, p := range a.ComPorts {
			cp := normalize(p)
			comPorts[cp] = struct{}{}
			pairs = append(pairs, store.DeviceComPort{DeviceID: d, ComPort: cp})
		}
	}
	return Scope{AllowedDeviceIDs: deviceIDs, AllowedComPorts: comPorts, AllowedPairs: pairs}, nil
}

// filterPairs narrows pairs to those matching a caller-supplied
// deviceID and/or comPort (either may be empty to mean "any"). Both
// deviceID and comPort must already be normalized.
func filterPairs(pairs []store.DeviceComPort, deviceID, comPort string) []store.DeviceComPort {
	if deviceID == "" && comPort == "" {
		return pairs
	}
	out := make([]store.DeviceComPort, 0, len(pairs))
	for _, p := range pairs {
		if deviceID != "" && p.DeviceID != deviceID {
			continue
		}
		if comPort != "" && p.ComPort != comPort {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SmsListFilter is the query parameters a caller supplied for an SMS
// list request, applied after visibility (spec §4.G "Further filters").
type SmsListFilter struct {
	DeviceID       string
	ComPort        string
	SenderContains string
	From, To       time.Time
	IncludeDeleted bool
	PageNumber     int
	PageSize       int
}

// BuildSmsFilter merges scope visibility with the caller's further
// filters into a store.SmsFilter, or ok=false if the scope grants no
// visibility at all (caller should return an empty page without
// querying, per spec §4.G step 3).
func (s Scope) BuildSmsFilter(f SmsListFilter) (store.SmsFilter, bool) {
	if s.Empty() {
		return store.SmsFilter{}, false
	}

	sf := store.SmsFilter{
		SenderContains: f.SenderContains,
		From:           f.From,
		To:             f.To,
		IncludeDeleted: s.IsAdmin && f.IncludeDeleted,
		PageNumber:     f.PageNumber,
		PageSize:       f.PageSize,
	}

	if f.DeviceID != "" {
		sf.DeviceID = f.DeviceID
	}
	if f.ComPort != "" {
		sf.ComPorts = []string{f.ComPort}
	}

	if !s.IsAdmin {
		// SMS visibility (spec §4.G step 4, ground-truth scenario S5): a
		// ComAllocation grants a (deviceId, comPort) pair, not a comPort in
		// isolation -- a row is visible only if its own deviceId and
		// comPort were actually granted together by some allocation. A
		// flattened allowedComPorts set would let an unrelated device's
		// row through on a coincidental port match (e.g. another user's
		// device sharing a comPort name with one of the caller's own
		// allocations).
		pairs := filterPairs(s.AllowedPairs, normalize(f.DeviceID), normalize(f.ComPort))
		if len(pairs) == 0 {
			return store.SmsFilter{}, false
		}
		sf.DeviceID = ""
		sf.ComPorts = nil
		sf.AllowedPairs = pairs
	}

	return sf, true
}

// HangupListFilter mirrors SmsListFilter for hangup records.
type HangupListFilter struct {
	DeviceID       string
	ComPort        string
	CallerContains string
	From, To       time.Time
	IncludeDeleted bool
	PageNumber     int
	PageSize       int
}

// BuildHangupFilter merges scope visibility with further filters into a
// store.HangupFilter. A non-admin caller sees a row only when its
// (deviceId, comPort) pair was granted together by one allocation.
func (s Scope) BuildHangupFilter(f HangupListFilter) (store.HangupFilter, bool) {
	if s.Empty() {
		return store.HangupFilter{}, false
	}

	hf := store.HangupFilter{
		CallerContains: f.CallerContains,
		From:           f.From,
		To:             f.To,
		IncludeDeleted: s.IsAdmin && f.IncludeDeleted,
		PageNumber:     f.PageNumber,
		PageSize:       f.PageSize,
	}

	if f.DeviceID != "" {
		hf.DeviceID = f.DeviceID
	}
	if f.ComPort != "" {
		hf.ComPorts = []string{f.ComPort}
	}

	if !s.IsAdmin {
		// Hangup visibility (spec §4.G step 5, and the data model's own
		// "an allocation grants access to events whose (deviceId, comPort)
		// match"): same pair-wise rule as SMS, not independent deviceId
		// and comPort set membership.
		pairs := filterPairs(s.AllowedPairs, normalize(f.DeviceID), normalize(f.ComPort))
		if len(pairs) == 0 {
			return store.HangupFilter{}, false
		}
		hf.DeviceID = ""
		hf.DeviceIDs = nil
		hf.ComPorts = nil
		hf.AllowedPairs = pairs
	}

	return hf, true
}
