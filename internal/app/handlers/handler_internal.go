package handlers

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

type statusResponse struct {
	Version    string                        `json:"version"`
	UptimeSecs int64                         `json:"uptime_seconds"`
	QueueDepth int                           `json:"queue_depth"`
	Proxy      ports.ProxyStats              `json:"proxy"`
	Backends   map[string]ports.BackendStats `json:"backends"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Version:    version.Version,
		UptimeSecs: int64(time.Since(s.started).Seconds()),
		QueueDepth: s.limiter.QueueDepth(),
		Proxy:      s.stats.GetProxyStats(),
		Backends:   s.stats.GetBackendStats(),
	})
}

// handleLogs returns recent finalised request records. Admin-gated since
// records carry paths, models and key IDs.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.authoriseAdmin(w, r) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records := s.recorder.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(records),
		"records": records,
	})
}

// authoriseAdmin enforces the admin bearer token. An empty configured token
// disables the admin surface outright.
func (s *Server) authoriseAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := s.config().Server.AdminToken
	if token == "" {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusNotFound,
			"invalid_request_error", "", "admin endpoints are not enabled")
		return false
	}

	presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusUnauthorized,
			"authentication_error", "invalid_admin_token", "invalid admin token")
		return false
	}
	return true
}
