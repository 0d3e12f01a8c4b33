package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
)

type registerBackendRequest struct {
	domain.Backend
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// handleAdminBackends serves GET (list) and POST (register) on
// /admin/backends.
func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	if !s.authoriseAdmin(w, r) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listBackends(w, r)
	case http.MethodPost:
		s.registerBackend(w, r)
	default:
		writeMethodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	backends := s.registry.ListBackends(r.Context())
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(backends),
		"backends": backends,
	})
}

func (s *Server) registerBackend(w http.ResponseWriter, r *http.Request) {
	var req registerBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusBadRequest,
			"invalid_request_error", "", "request body is not valid JSON")
		return
	}

	backend := req.Backend
	if backend.RegisteredAt.IsZero() {
		backend.RegisteredAt = time.Now()
	}
	if err := backend.Validate(); err != nil {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusBadRequest,
			"invalid_request_error", "", err.Error())
		return
	}

	replaced, err := s.registry.Register(r.Context(), &backend, req.Fallbacks)
	if err != nil {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusBadRequest,
			"invalid_request_error", "", err.Error())
		return
	}

	s.log.InfoWithBackend("Backend registered via admin API", backend.Name, "replaced", replaced)
	status := http.StatusCreated
	if replaced {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"backend":  backend.Name,
		"replaced": replaced,
	})
}

// handleAdminBackendByName serves DELETE /admin/backends/{name}.
func (s *Server) handleAdminBackendByName(w http.ResponseWriter, r *http.Request) {
	if !s.authoriseAdmin(w, r) {
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w, http.MethodDelete)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/admin/backends/")
	if name == "" || strings.Contains(name, "/") {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusBadRequest,
			"invalid_request_error", "", "backend name required")
		return
	}

	if !s.registry.Unregister(r.Context(), name) {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusNotFound,
			"invalid_request_error", "", "backend not found")
		return
	}

	s.log.InfoWithBackend("Backend unregistered via admin API", name)
	writeJSON(w, http.StatusOK, map[string]any{"backend": name, "removed": true})
}
