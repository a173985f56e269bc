package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"i4.energy/across/modemfleet/internal/auth"
	"i4.energy/across/modemfleet/internal/modemdriver"
	"i4.energy/across/modemfleet/internal/store"
)

type loginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	u, err := s.Store.GetUserByName(req.UserName)
	if err != nil || !auth.VerifyPassword(req.Password, u.PasswordHash, u.PasswordSalt) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, err := s.Issuer.IssueAccessToken(u.ID, u.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := s.issueRefreshToken(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, RefreshToken: refresh})
}

// issueRefreshToken mints a new opaque refresh token and persists its
// hash (never the bearer value itself) against the owning user.
func (s *Server) issueRefreshToken(userID string) (string, error) {
	token, err := auth.NewRefreshToken()
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().UTC().Add(s.Issuer.RefreshDuration())
	if err := s.Store.PutRefreshToken(auth.HashRefreshToken(token), userID, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

// handleRefresh re-issues an access token in exchange for a valid,
// unexpired refresh token. The presented token is looked up (by hash)
// and consumed (deleted) in the same step, so a refresh token is
// single-use: every refresh rotates in a brand new one, proving
// possession rather than trusting a caller-supplied userId.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}
	userID, ok, err := s.Store.ConsumeRefreshToken(auth.HashRefreshToken(req.RefreshToken))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}
	u, err := s.Store.GetUserByID(userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	access, err := s.Issuer.IssueAccessToken(u.ID, u.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refresh, err := s.issueRefreshToken(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) handleDeviceConnected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Hub.GetConnectedDeviceIdsSnapshot())
}

func (s *Server) handleScanComPorts(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	s.Hub.RequestComPortScan(deviceID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	ports, err := s.Store.DeviceSnapshot(deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	var body struct {
		Ports []modemdriver.PortInfo `json:"ports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.PutDeviceSnapshot(deviceID, body.Ports); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": body.Ports})
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func pageParams(r *http.Request) (int, int) {
	pageNumber, _ := strconv.Atoi(r.URL.Query().Get("pageNumber"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageNumber < 1 {
		pageNumber = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	return pageNumber, pageSize
}

func (s *Server) listSms(w http.ResponseWriter, r *http.Request, includeDeleted bool) {
	u := userFromContext(r)
	if includeDeleted && !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	scope, err := auth.BuildScope(s.Store, u.ID, u.Admin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q := r.URL.Query()
	pageNumber, pageSize := pageParams(r)
	filter, ok := scope.BuildSmsFilter(auth.SmsListFilter{
		DeviceID:       q.Get("deviceId"),
		ComPort:        q.Get("comPort"),
		SenderContains: q.Get("senderNumber"),
		From:           parseTime(q.Get("startTime")),
		To:             parseTime(q.Get("endTime")),
		IncludeDeleted: includeDeleted,
		PageNumber:     pageNumber,
		PageSize:       pageSize,
	})
	if !ok {
		writeJSON(w, http.StatusOK, page{PageNumber: pageNumber, PageSize: pageSize, Data: []store.SmsMessage{}})
		return
	}

	rows, total, err := s.Store.ListSmsMessages(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page{TotalCount: total, PageNumber: pageNumber, PageSize: pageSize, Data: rows})
}

func (s *Server) handleListSms(w http.ResponseWriter, r *http.Request) {
	s.listSms(w, r, false)
}

func (s *Server) handleListSmsAdmin(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	s.listSms(w, r, includeDeleted)
}

func (s *Server) handleSoftDeleteSms(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.SoftDeleteSmsMessage(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHardDeleteSms(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	if !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Store.HardDeleteSmsMessage(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHangups(w http.ResponseWriter, r *http.Request, includeDeleted bool) {
	u := userFromContext(r)
	if includeDeleted && !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	scope, err := auth.BuildScope(s.Store, u.ID, u.Admin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q := r.URL.Query()
	pageNumber, pageSize := pageParams(r)
	filter, ok := scope.BuildHangupFilter(auth.HangupListFilter{
		DeviceID:       q.Get("deviceId"),
		ComPort:        q.Get("comPort"),
		CallerContains: q.Get("callerNumber"),
		From:           parseTime(q.Get("startTime")),
		To:             parseTime(q.Get("endTime")),
		IncludeDeleted: includeDeleted,
		PageNumber:     pageNumber,
		PageSize:       pageSize,
	})
	if !ok {
		writeJSON(w, http.StatusOK, page{PageNumber: pageNumber, PageSize: pageSize, Data: []store.CallHangupRecord{}})
		return
	}

	rows, total, err := s.Store.ListCallHangupRecords(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page{TotalCount: total, PageNumber: pageNumber, PageSize: pageSize, Data: rows})
}

func (s *Server) handleListHangups(w http.ResponseWriter, r *http.Request) {
	s.listHangups(w, r, false)
}

func (s *Server) handleListHangupsAdmin(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	s.listHangups(w, r, includeDeleted)
}

func (s *Server) handleSoftDeleteHangup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.SoftDeleteCallHangupRecord(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHardDeleteHangup(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	if !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Store.HardDeleteCallHangupRecord(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	var req struct {
		MessageType string `json:"messageType"`
		SourceID    string `json:"sourceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Receipts.MarkRead(u.ID, req.MessageType, req.SourceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	var req struct {
		MessageType string `json:"messageType"`
		DeviceID    string `json:"deviceId"`
		ComPort     string `json:"comPort"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := s.scopeFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := s.Receipts.MarkAllRead(scope, u.ID, req.MessageType, req.DeviceID, req.ComPort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"markedCount": count})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	scope, err := s.scopeFor(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sms, hangup, err := s.Receipts.UnreadCounts(scope, u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sms": sms, "hangup": hangup})
}

func (s *Server) handleListAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.Store.ListAllocations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (s *Server) handlePutAllocation(w http.ResponseWriter, r *http.Request) {
	var a store.ComAllocation
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.PutAllocation(a); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAllocation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteAllocation(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	if !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	users, err := s.Store.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// never surface password material over the wire
	for i := range users {
		users[i].PasswordHash = ""
		users[i].PasswordSalt = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r)
	if !u.Admin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Store.SoftDeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
