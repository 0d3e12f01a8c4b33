package handlers

import (
	"net/http"
	"sort"
)

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the routable model names in the OpenAI list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	backends := s.registry.ListBackends(r.Context())
	entries := make([]modelEntry, 0, len(backends))
	for _, backend := range backends {
		entries = append(entries, modelEntry{
			ID:      backend.Name,
			Object:  "model",
			Created: backend.RegisteredAt.Unix(),
			OwnedBy: string(backend.Type),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: entries})
}
