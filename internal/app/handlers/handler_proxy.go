package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pasoproxy/paso/internal/app/middleware"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/util"
)

// proxyEndpoint describes one forwarding route's validation rules.
type proxyEndpoint struct {
	name            string
	dialect         errorDialect
	requireMessages bool
	allowStream     bool
	anthropicOnly   bool
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, proxyEndpoint{
		name:            "chat_completions",
		dialect:         dialectOpenAI,
		requireMessages: true,
		allowStream:     true,
	})
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if !s.config().ProxySettings.EnableResponses {
		writeErrorEnvelope(w, dialectOpenAI, http.StatusNotFound,
			"invalid_request_error", "unknown_endpoint", "the responses endpoint is not enabled")
		return
	}
	s.handleProxy(w, r, proxyEndpoint{
		name:        "responses",
		dialect:     dialectOpenAI,
		allowStream: true,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, proxyEndpoint{
		name:            "messages",
		dialect:         dialectAnthropic,
		requireMessages: true,
		allowStream:     true,
		anthropicOnly:   true,
	})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, proxyEndpoint{name: "embeddings", dialect: dialectOpenAI})
}

func (s *Server) handleRerank(w http.ResponseWriter, r *http.Request) {
	s.handleProxy(w, r, proxyEndpoint{name: "rerank", dialect: dialectOpenAI})
}

// handleProxy is the shared forwarding path: validate, authenticate,
// acquire a concurrency slot, forward along the backend chain.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, endpoint proxyEndpoint) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	cfg := s.config()
	requestID := middleware.GetRequestID(ctx)
	if requestID == "" {
		// request logging middleware disabled; records still need an id
		requestID = util.GenerateRequestID()
	}
	reqLogger := middleware.GetLogger(ctx)

	rlog := s.recorder.Begin(ctx, requestID, r.Method, r.URL.Path,
		sanitisedHeaders(r.Header, cfg.AppKeys.HeaderName))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErrorEnvelope(w, endpoint.dialect, http.StatusRequestEntityTooLarge,
				"invalid_request_error", "request_too_large", "request body exceeds the configured limit")
			rlog.Finalize(domain.OutcomeError)
		case ctx.Err() != nil:
			w.WriteHeader(StatusClientClosedRequest)
			rlog.Finalize(domain.OutcomeCancelled)
		default:
			writeErrorEnvelope(w, endpoint.dialect, http.StatusBadRequest,
				"invalid_request_error", "", "failed to read request body")
			rlog.Finalize(domain.OutcomeError)
		}
		return
	}

	var payload map[string]interface{}
	if unmarshalErr := json.Unmarshal(body, &payload); unmarshalErr != nil {
		writeDomainError(w, endpoint.dialect, &domain.ValidationError{Message: "request body is not valid JSON"})
		rlog.Finalize(domain.OutcomeError)
		return
	}

	model := domain.NormaliseModelName(gjson.GetBytes(body, "model").String(), "")
	if model == "" {
		writeDomainError(w, endpoint.dialect, &domain.ValidationError{Message: "missing required field", Param: "model"})
		rlog.Finalize(domain.OutcomeError)
		return
	}
	rlog.SetModel(model)

	if endpoint.requireMessages {
		if messages := gjson.GetBytes(body, "messages"); !messages.IsArray() || len(messages.Array()) == 0 {
			writeDomainError(w, endpoint.dialect, &domain.ValidationError{Message: "missing required field", Param: "messages"})
			rlog.Finalize(domain.OutcomeError)
			return
		}
	}

	identity, err := s.validator.ValidateRequest(ctx, r)
	if err != nil {
		writeDomainError(w, endpoint.dialect, err)
		rlog.Finalize(domain.OutcomeError)
		return
	}
	rlog.SetKeyID(identity.ID)

	if !identity.CanAccessModel(model) {
		writeForbidden(w, endpoint.dialect, "this API key may not use the requested model")
		rlog.Finalize(domain.OutcomeError)
		return
	}

	if backend, ok := s.registry.Lookup(ctx, model); ok {
		if !backend.AllowsKey(identity.ID) {
			writeForbidden(w, endpoint.dialect, "this API key may not use the requested model")
			rlog.Finalize(domain.OutcomeError)
			return
		}
		if endpoint.anthropicOnly && backend.Type != domain.APITypeAnthropic {
			writeErrorEnvelope(w, endpoint.dialect, http.StatusBadRequest,
				"invalid_request_error", "unsupported_endpoint",
				"the messages endpoint only routes to Anthropic-compatible backends")
			rlog.Finalize(domain.OutcomeError)
			return
		}
	}

	isStream := endpoint.allowStream && gjson.GetBytes(body, "stream").Bool()
	disconnected := func() bool { return ctx.Err() != nil }

	slot, err := s.limiter.Acquire(ctx, identity.ID, identity.Concurrency, identity.Priority,
		cfg.ProxySettings.QueueTimeout, disconnected)
	if err != nil {
		var queueErr *domain.QueueTimeoutError
		if errors.As(err, &queueErr) {
			s.stats.RecordQueueTimeout(identity.ID)
		}
		status := writeDomainError(w, endpoint.dialect, err)
		outcome := domain.OutcomeError
		if status == StatusClientClosedRequest {
			outcome = domain.OutcomeCancelled
		}
		rlog.Finalize(outcome)
		return
	}
	defer slot.Release()
	if wait := slot.WaitTime(); wait > 0 {
		rlog.SetQueuedFor(wait)
	}

	reqLogger.Info("Forwarding request",
		"endpoint", endpoint.name,
		"model", model,
		"key", identity.ID,
		"stream", isStream,
		"queued_ms", slot.WaitTime().Milliseconds(),
	)

	proxyReq := &ports.ProxyRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Body:     body,
		Payload:  payload,
		Model:    model,
		IsStream: isStream,
		Headers:  r.Header,
	}

	start := time.Now()
	if err := s.forwarder.ForwardRequest(ctx, w, proxyReq, rlog, disconnected); err != nil {
		status := writeDomainError(w, endpoint.dialect, err)
		outcome := domain.OutcomeError
		if status == StatusClientClosedRequest {
			outcome = domain.OutcomeCancelled
		}
		reqLogger.Warn("Request failed",
			"endpoint", endpoint.name,
			"model", model,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		rlog.Finalize(outcome)
		return
	}
	rlog.Finalize(domain.OutcomeSuccess)
}
