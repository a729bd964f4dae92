// Package httpapi serves the read side: device documents, cached state
// snapshots, stats rollups, nodes, user settings and the notification
// websocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetstate/internal/identity"
	"fleetstate/internal/observability"
	"fleetstate/internal/realtime"
	"fleetstate/internal/store"
)

type Server struct {
	repo     *store.Repo
	cache    *store.StateCache
	hub      *realtime.Hub
	verifier *identity.Verifier
}

func New(repo *store.Repo, cache *store.StateCache, hub *realtime.Hub, verifier *identity.Verifier) *Server {
	return &Server{repo: repo, cache: cache, hub: hub, verifier: verifier}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware("fleetstate"))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/devices", s.handleListDevices)
		r.Get("/api/devices/pending", s.handlePendingDevices)
		r.Get("/api/devices/{id}", s.handleGetDevice)
		r.Get("/api/devices/{id}/state", s.handleDeviceState)
		r.Get("/api/devices/{id}/sensors/{sensor}/stats", s.handleSensorStats)
		r.Get("/api/nodes", s.handleListNodes)
		r.Get("/api/users/{id}/config", s.handleUserConfig)
		r.Get("/ws", s.handleWS)
	})
	return r
}

type contextKey string

const callerKey contextKey = "caller"

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.verifier.Verify(extractToken(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "err": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	// Cookie fallback for websocket connections.
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	userID := caller.UserID
	// Admins may inspect another account's fleet.
	if v := r.URL.Query().Get("user_id"); v != "" && caller.Admin {
		userID = v
	}
	devices, err := s.repo.ListDevices(r.Context(), userID, false)
	if err != nil {
		slog.Error("device list failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "appareils": devices})
}

// handlePendingDevices lists the caller's devices still awaiting certificate
// issuance, i.e. registered with a CSR that has not been signed yet.
func (s *Server) handlePendingDevices(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	devices, err := s.repo.PendingDevices(r.Context(), caller.UserID)
	if err != nil {
		slog.Error("pending device list failed", "user_id", caller.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	rows := make([]map[string]any, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, map[string]any{
			"uuid_appareil": dev.DeviceID,
			"instance_id":   dev.InstanceID,
			"csr_present":   true,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "appareils": rows})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	dev, err := s.repo.GetDevice(r.Context(), caller.UserID, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "err": "unknown device"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceState serves the latest reading snapshot, preferring the redis
// copy and falling back to the device row.
func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	deviceID := chi.URLParam(r, "id")
	if s.cache != nil {
		if b, err := s.cache.Get(r.Context(), caller.UserID, deviceID); err == nil && b != nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(b)
			return
		}
	}
	dev, err := s.repo.GetDevice(r.Context(), caller.UserID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "err": "unknown device"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uuid_appareil":    dev.DeviceID,
		"senseurs":         json.RawMessage(dev.Sensors),
		"derniere_lecture": dev.LastReading,
		"connecte":         dev.Connected,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.repo.ListNodes(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instances": nodes})
}

func (s *Server) handleUserConfig(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	userID := chi.URLParam(r, "id")
	if userID != caller.UserID && !caller.Admin {
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "err": "forbidden"})
		return
	}
	cfg, err := s.repo.GetUserConfig(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user_id": userID})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "err": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	s.hub.Serve(w, r, caller.UserID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
