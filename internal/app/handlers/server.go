// Package handlers is the HTTP surface of the proxy: the OpenAI and
// Anthropic compatible forwarding endpoints, the model listing, the
// operational endpoints under /internal and the admin CRUD under /admin.
package handlers

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/internal/router"
)

// Server owns the request handlers and the collaborators they call into.
// The config snapshot is swapped atomically on reload; handlers read it
// once per request.
type Server struct {
	cfg       atomic.Pointer[config.Config]
	log       logger.StyledLogger
	forwarder ports.Forwarder
	limiter   ports.ConcurrencyManager
	validator ports.KeyValidator
	registry  ports.BackendRegistry
	recorder  ports.RequestRecorder
	stats     ports.StatsCollector
	started   time.Time
}

func NewServer(
	cfg *config.Config,
	forwarder ports.Forwarder,
	limiter ports.ConcurrencyManager,
	validator ports.KeyValidator,
	registry ports.BackendRegistry,
	recorder ports.RequestRecorder,
	stats ports.StatsCollector,
	log logger.StyledLogger,
) *Server {
	s := &Server{
		log:       log,
		forwarder: forwarder,
		limiter:   limiter,
		validator: validator,
		registry:  registry,
		recorder:  recorder,
		stats:     stats,
		started:   time.Now(),
	}
	s.cfg.Store(cfg)
	return s
}

// UpdateConfig publishes a new config snapshot to the handlers.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// RegisterRoutes mounts every endpoint on the route registry. Proxy routes
// get the security chain during WireUp; operational routes stay bare.
func (s *Server) RegisterRoutes(routes *router.RouteRegistry) {
	routes.RegisterProxyRoute("/v1/chat/completions", s.handleChatCompletions, "OpenAI-compatible chat completions", http.MethodPost)
	routes.RegisterProxyRoute("/v1/responses", s.handleResponses, "OpenAI Responses (config-gated)", http.MethodPost)
	routes.RegisterProxyRoute("/v1/messages", s.handleMessages, "Anthropic-compatible messages", http.MethodPost)
	routes.RegisterProxyRoute("/v1/embeddings", s.handleEmbeddings, "Embeddings", http.MethodPost)
	routes.RegisterProxyRoute("/v1/rerank", s.handleRerank, "Rerank", http.MethodPost)
	routes.RegisterProxyRoute("/v1/models", s.handleModels, "Model listing", http.MethodGet)

	routes.Register("/internal/health", s.handleHealth, "Liveness probe")
	routes.Register("/internal/status", s.handleStatus, "Proxy and backend statistics")
	routes.Register("/internal/logs", s.handleLogs, "Recent request records (admin)")

	routes.RegisterWithMethod("/admin/backends", s.handleAdminBackends, "Backend list/register (admin)", "GET, POST")
	routes.RegisterWithMethod("/admin/backends/", s.handleAdminBackendByName, "Backend unregister (admin)", http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sanitisedHeaders copies request headers for the log, masking credentials.
func sanitisedHeaders(h http.Header, authHeader string) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		if name == authHeader || name == "Authorization" || name == "X-Api-Key" || name == "Cookie" {
			out[name] = "[redacted]"
			continue
		}
		out[name] = h.Get(name)
	}
	return out
}
