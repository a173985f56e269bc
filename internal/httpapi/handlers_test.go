package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"i4.energy/across/modemfleet/internal/auth"
	"i4.energy/across/modemfleet/internal/config"
	"i4.energy/across/modemfleet/internal/hub"
	"i4.energy/across/modemfleet/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/httpapi.db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	issuer := auth.NewIssuer(config.JWTConfig{
		Issuer:           "modemfleet",
		Audience:         "modemfleet-clients",
		Key:              "test-key",
		ExpireMinutes:    60,
		RefreshTokenDays: 30,
	})
	h := hub.New(st, nil)
	return NewServer(st, h, issuer, nil), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func createTestUser(t *testing.T, st *store.Store, id, name, password, role string) {
	t.Helper()
	hash, salt, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.CreateUser(store.User{ID: id, UserName: name, PasswordHash: hash, PasswordSalt: salt, Role: role}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoginAndRefreshRoundTrip(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "u1", "alice", "hunter2", store.RoleUser)
	router := s.Router()

	rec := doJSON(t, router, "POST", "/users/login", loginRequest{UserName: "alice", Password: "hunter2"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var loginResp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if loginResp.AccessToken == "" || loginResp.RefreshToken == "" {
		t.Fatalf("expected both tokens populated, got %+v", loginResp)
	}

	// the access token works against a protected route.
	rec = doJSON(t, router, "GET", "/device/connected", nil, loginResp.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("protected route: expected 200, got %d", rec.Code)
	}

	// the refresh token exchanges for a fresh pair.
	rec = doJSON(t, router, "POST", "/users/refresh", map[string]string{"refreshToken": loginResp.RefreshToken}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var refreshResp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshResp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if refreshResp.RefreshToken == loginResp.RefreshToken {
		t.Error("expected refresh to rotate in a brand new refresh token")
	}

	// the consumed refresh token can never be reused (single-use).
	rec = doJSON(t, router, "POST", "/users/refresh", map[string]string{"refreshToken": loginResp.RefreshToken}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected reused refresh token to be rejected, got %d", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "u1", "alice", "hunter2", store.RoleUser)
	router := s.Router()

	rec := doJSON(t, router, "POST", "/users/login", loginRequest{UserName: "alice", Password: "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, router, "POST", "/users/login", loginRequest{UserName: "nobody", Password: "x"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rec.Code)
	}
}

func TestRefreshRejectsBareUserIDBypass(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "u1", "alice", "hunter2", store.RoleUser)
	router := s.Router()

	// a bare userId with no real refresh token must never mint a token.
	rec := doJSON(t, router, "POST", "/users/refresh", map[string]string{"refreshToken": "u1"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 rejecting a guessed identifier, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingOrBadToken(t *testing.T) {
	s, _ := testServer(t)
	router := s.Router()

	rec := doJSON(t, router, "GET", "/device/connected", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no bearer token, got %d", rec.Code)
	}
	rec = doJSON(t, router, "GET", "/device/connected", nil, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a malformed token, got %d", rec.Code)
	}
}

func tokenFor(t *testing.T, s *Server, userID, role string) string {
	t.Helper()
	token, err := s.Issuer.IssueAccessToken(userID, role)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return token
}

func TestListSmsScopedToAllocations(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "alice", "alice", "x", store.RoleUser)
	if err := st.PutAllocation(store.ComAllocation{UserID: "alice", DeviceID: "D1", ComPorts: []string{"COM3"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Now().UTC()
	for _, row := range []store.SmsMessage{
		{DeviceID: "D1", ComPort: "COM3", SenderNumber: "+1", MessageContent: "a", ReceivedTime: now},
		{DeviceID: "D1", ComPort: "COM4", SenderNumber: "+1", MessageContent: "b", ReceivedTime: now},
		{DeviceID: "D9", ComPort: "COM3", SenderNumber: "+1", MessageContent: "c", ReceivedTime: now},
	} {
		if _, err := st.InsertSmsMessage(row); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	router := s.Router()
	rec := doJSON(t, router, "GET", "/smsmessages", nil, tokenFor(t, s, "alice", store.RoleUser))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp page
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Fatalf("expected exactly 1 visible row, got %d", resp.TotalCount)
	}
}

func TestAdminOnlyRoutesRejectNonAdmin(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "alice", "alice", "x", store.RoleUser)
	router := s.Router()

	rec := doJSON(t, router, "GET", "/users", nil, tokenFor(t, s, "alice", store.RoleUser))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin listing users, got %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/smsmessages/admin/all?includeDeleted=true", nil, tokenFor(t, s, "alice", store.RoleUser))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin requesting includeDeleted, got %d", rec.Code)
	}
}

func TestMarkReadAndUnreadCounts(t *testing.T) {
	s, st := testServer(t)
	createTestUser(t, st, "alice", "alice", "x", store.RoleUser)
	if err := st.PutAllocation(store.ComAllocation{UserID: "alice", DeviceID: "D1", ComPorts: []string{"COM3"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := st.InsertSmsMessage(store.SmsMessage{DeviceID: "D1", ComPort: "COM3", SenderNumber: "+1", MessageContent: "a", ReceivedTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	router := s.Router()
	token := tokenFor(t, s, "alice", store.RoleUser)

	rec := doJSON(t, router, "GET", "/message-read/unread-counts", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var counts map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if counts["sms"] != 1 {
		t.Fatalf("expected 1 unread sms, got %d", counts["sms"])
	}

	rec = doJSON(t, router, "POST", "/message-read/mark-read", map[string]string{"messageType": store.MessageTypeSms, "sourceId": id}, token)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/message-read/unread-counts", nil, token)
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if counts["sms"] != 0 {
		t.Fatalf("expected 0 unread sms after marking read, got %d", counts["sms"])
	}
}
