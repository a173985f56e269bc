// Package httpapi implements the REST surface of spec §6.2 over
// gorilla/mux, the same router the pack's bakode-goatsms dashboard uses.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"i4.energy/across/modemfleet/internal/auth"
	"i4.energy/across/modemfleet/internal/hub"
	"i4.energy/across/modemfleet/internal/readreceipt"
	"i4.energy/across/modemfleet/internal/store"
)

// Server holds every collaborator the REST surface dispatches to.
type Server struct {
	Store    *store.Store
	Hub      *hub.Hub
	Issuer   *auth.Issuer
	Receipts *readreceipt.Tracker
	Logger   *slog.Logger
}

// NewServer builds a Server; Router builds its router. logger may be nil.
func NewServer(st *store.Store, h *hub.Hub, issuer *auth.Issuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Store:    st,
		Hub:      h,
		Issuer:   issuer,
		Receipts: readreceipt.NewTracker(st),
		Logger:   logger.With("component", "httpapi"),
	}
}

// Router builds the full gorilla/mux router for the REST surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.StrictSlash(true)

	r.HandleFunc("/users/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/users/refresh", s.handleRefresh).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/device/connected", s.handleDeviceConnected).Methods("GET")
	api.HandleFunc("/device/scan-com-ports/{deviceId}", s.handleScanComPorts).Methods("POST")
	api.HandleFunc("/device/com-snapshot/{deviceId}", s.handleGetSnapshot).Methods("GET")
	api.HandleFunc("/device/com-snapshot/{deviceId}", s.handlePutSnapshot).Methods("POST")

	api.HandleFunc("/smsmessages", s.handleListSms).Methods("GET")
	api.HandleFunc("/smsmessages/admin/all", s.handleListSmsAdmin).Methods("GET")
	api.HandleFunc("/smsmessages/{id}", s.handleSoftDeleteSms).Methods("DELETE")
	api.HandleFunc("/smsmessages/admin/hard-delete/{id}", s.handleHardDeleteSms).Methods("DELETE")

	api.HandleFunc("/call-hangup-records", s.handleListHangups).Methods("GET")
	api.HandleFunc("/call-hangup-records/admin/all", s.handleListHangupsAdmin).Methods("GET")
	api.HandleFunc("/call-hangup-records/{id}", s.handleSoftDeleteHangup).Methods("DELETE")
	api.HandleFunc("/call-hangup-records/admin/hard-delete/{id}", s.handleHardDeleteHangup).Methods("DELETE")

	api.HandleFunc("/message-read/mark-read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/message-read/mark-all-read", s.handleMarkAllRead).Methods("POST")
	api.HandleFunc("/message-read/unread-counts", s.handleUnreadCounts).Methods("GET")

	api.HandleFunc("/com-allocations", s.handleListAllocations).Methods("GET")
	api.HandleFunc("/com-allocations", s.handlePutAllocation).Methods("POST", "PUT")
	api.HandleFunc("/com-allocations/{id}", s.handleDeleteAllocation).Methods("DELETE")

	api.HandleFunc("/users", s.handleListUsers).Methods("GET")
	api.HandleFunc("/users/{id}", s.handleDeleteUser).Methods("DELETE")

	return r
}

// writeJSON writes v as a JSON response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// page is the spec §6.2 required shape for every list response.
type page struct {
	TotalCount int `json:"totalCount"`
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
	Data       any `json:"data"`
}

type requestUser struct {
	ID    string
	Role  string
	Admin bool
}

type contextKey int

const userContextKey contextKey = 0

// authMiddleware verifies the bearer token and attaches the resolved
// user to the request context; every route except /users/login and
// /users/refresh requires it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.Issuer.VerifyAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		u := requestUser{ID: userID, Role: role, Admin: role == store.RoleAdmin}
		ctx := context.WithValue(r.Context(), userContextKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(r *http.Request) requestUser {
	u, _ := r.Context().Value(userContextKey).(requestUser)
	return u
}

func (s *Server) scopeFor(r *http.Request) (auth.Scope, error) {
	u := userFromContext(r)
	return auth.BuildScope(s.Store, u.ID, u.Admin)
}
