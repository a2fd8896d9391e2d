package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/bridges/modbus"
)

// History listing bounds.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// healthCheckTimeout bounds all component probes of one health request.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/session", s.handleSession)

		r.Route("/registers", func(r chi.Router) {
			r.Get("/", s.handleListRegisters)
			r.Get("/history", s.handleRegisterHistory)
			r.Get("/{key}", s.handleGetRegister)
		})

		r.Get("/unmapped", s.handleUnmapped)
		r.Get("/sessions", s.handleSessions)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	components, healthy := s.probe(r.Context())

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"mqtt_connected": st.MQTTConnected,
		"capture":        st.Capture.Status,
		"session":        st.Session.State,
		"components":     components,
		"ws_clients":     s.hub.ClientCount(),
		"ws_dropped":     s.hub.Dropped(),
	})
}

// probe runs every component check with a shared deadline.
func (s *Server) probe(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	out := make(map[string]string, len(s.checks))
	healthy := true
	for name, c := range s.checks {
		if err := c.HealthCheck(ctx); err != nil {
			out[name] = err.Error()
			healthy = false
			continue
		}
		out[name] = "ok"
	}
	return out, healthy
}

// handleSession returns the live pipeline status.
func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

// RegisterView is one entry of the active register map.
type RegisterView struct {
	Key         string  `json:"key"`
	Register    string  `json:"register"`
	Offset      int     `json:"offset"`
	Datatype    string  `json:"datatype"`
	Words       int     `json:"words"`
	Scale       float64 `json:"scale"`
	Unit        string  `json:"unit,omitempty"`
	Topic       string  `json:"topic"`
	QoS         *int    `json:"qos,omitempty"`
	Retain      *bool   `json:"retain,omitempty"`
	Transform   string  `json:"transform,omitempty"`
	Description string  `json:"description,omitempty"`
}

func registerView(e *modbus.MappingEntry) RegisterView {
	return RegisterView{
		Key:         e.Key,
		Register:    e.Address.String(),
		Offset:      e.Offset,
		Datatype:    e.Datatype,
		Words:       e.WordLength(),
		Scale:       e.ScaleFactor(),
		Unit:        e.Unit,
		Topic:       e.StateTopic(),
		QoS:         e.QoS,
		Retain:      e.Retain,
		Transform:   e.Transform,
		Description: e.Description,
	}
}

// handleListRegisters returns the active register map.
func (s *Server) handleListRegisters(w http.ResponseWriter, _ *http.Request) {
	snap := s.registers.Snapshot()
	entries := snap.Entries()
	views := make([]RegisterView, len(entries))
	for i, e := range entries {
		views[i] = registerView(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation(),
		"loaded_at":  snap.LoadedAt(),
		"count":      len(views),
		"registers":  views,
	})
}

// handleGetRegister returns one map entry by key or register number.
func (s *Server) handleGetRegister(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	snap := s.registers.Snapshot()

	entry, ok := snap.LookupKey(key)
	if !ok {
		if n, err := strconv.Atoi(key); err == nil {
			entry, ok = snap.Lookup(n)
		}
	}
	if !ok {
		writeNotFound(w, "register not mapped: "+key)
		return
	}
	writeJSON(w, http.StatusOK, registerView(entry))
}

// handleRegisterHistory returns the last recorded value of each register.
func (s *Server) handleRegisterHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "capture history is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.history.Observations(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing register history", "error", err)
		writeInternalError(w, "failed to read register history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "registers": nonNil(recs)})
}

// handleUnmapped returns registers written on the bus without a mapping.
func (s *Server) handleUnmapped(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "capture history is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.history.Unmapped(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing unmapped registers", "error", err)
		writeInternalError(w, "failed to read unmapped registers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "registers": nonNil(recs)})
}

// handleSessions returns recorded capture sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "capture history is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing capture sessions", "error", err)
		writeInternalError(w, "failed to read capture sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(recs), "sessions": nonNil(recs)})
}

// parseLimit reads ?limit=, writing a 400 when it is malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeBadRequest(w, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// splitList parses a comma separated query value.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
