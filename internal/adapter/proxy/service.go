// Package proxy is the forwarding core: it builds a backend chain for the
// requested model, shapes and sends the outbound request with retries and
// exponential backoff, peels off fallback backends on exhaustion, and
// relays buffered or streamed responses through the parser pipeline.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/pasoproxy/paso/internal/adapter/parser"
	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/internal/util"
	"github.com/pasoproxy/paso/pkg/pool"
)

const (
	defaultConnectionTimeout   = 30 * time.Second
	defaultKeepAlive           = 60 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultIdleConnTimeout     = 90 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 5

	// caps for draining failed upstream bodies into the request log
	maxErrorBodyBytes = 256 * 1024
)

// Config tunes the forwarding engine.
type Config struct {
	NumRetries       int
	StreamPeekBytes  int
	StreamChunkBytes int
}

func (c *Config) retries() int {
	if c.NumRetries < 0 {
		return 0
	}
	return c.NumRetries
}

func (c *Config) peekBytes() int {
	if c.StreamPeekBytes <= 0 {
		return constants.DefaultStreamPeekBytes
	}
	return c.StreamPeekBytes
}

func (c *Config) chunkBytes() int {
	if c.StreamChunkBytes <= 0 {
		return constants.DefaultStreamChunkBytes
	}
	return c.StreamChunkBytes
}

// Service implements ports.Forwarder.
type Service struct {
	registry ports.BackendRegistry
	pipeline *parser.Pipeline
	stats    ports.StatsCollector
	log      logger.StyledLogger
	cfg      *Config

	transport   *http.Transport
	h2Transport *http2.Transport
	bufferPool  *pool.Pool[*[]byte]
}

func NewService(
	registry ports.BackendRegistry,
	parserCfg *domain.ParserConfig,
	stats ports.StatsCollector,
	cfg *Config,
	log logger.StyledLogger,
) (*Service, error) {
	if cfg == nil {
		cfg = &Config{NumRetries: constants.DefaultNumRetries}
	}

	chunkSize := cfg.chunkBytes()
	bufferPool, err := pool.New(func() *[]byte {
		buf := make([]byte, chunkSize)
		return &buf
	})
	if err != nil {
		return nil, fmt.Errorf("create stream buffer pool: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		// SSE streams must arrive uncompressed and unbuffered
		DisableCompression: true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   defaultConnectionTimeout,
				KeepAlive: defaultKeepAlive,
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Disable Nagle's algorithm for token streaming
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if terr := tcpConn.SetNoDelay(true); terr != nil {
					log.Warn("failed to set NoDelay", "err", terr)
				}
			}
			return conn, nil
		},
	}

	// h2c-capable transport for backends flagged http2; plain TCP is fine
	// for in-cluster upstreams
	h2Transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: defaultConnectionTimeout, KeepAlive: defaultKeepAlive}
			return dialer.DialContext(ctx, network, addr)
		},
	}

	return &Service{
		registry:    registry,
		pipeline:    parser.Build(parserCfg, log),
		stats:       stats,
		log:         log,
		cfg:         cfg,
		transport:   transport,
		h2Transport: h2Transport,
		bufferPool:  bufferPool,
	}, nil
}

var _ ports.Forwarder = (*Service)(nil)

// pipelineFor returns the backend-local pipeline when one is configured,
// otherwise the global one.
func (s *Service) pipelineFor(backend *domain.Backend) *parser.Pipeline {
	if backend.Parsers != nil {
		return parser.Build(backend.Parsers, s.log)
	}
	return s.pipeline
}

// ForwardRequest walks the backend chain for the request's model. A non-nil
// error always means nothing was committed to the client; once the first
// byte is on the wire, failures are recorded and finalised internally.
func (s *Service) ForwardRequest(ctx context.Context, w http.ResponseWriter, req *ports.ProxyRequest, rlog ports.RequestLog, disconnected ports.DisconnectChecker) (err error) {
	started := time.Now()
	committed := false

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("proxy request panic recovered",
				"panic", rec, "path", req.Path, "model", req.Model)
			if committed {
				rlog.Finalize(domain.OutcomeError)
				err = nil
				return
			}
			err = fmt.Errorf("internal proxy failure: %v", rec)
		}
	}()

	chain := s.registry.Chain(ctx, req.Model)
	if len(chain) == 0 {
		return &domain.ModelNotFoundError{Model: req.Model}
	}

	route := make([]string, len(chain))
	for i, backend := range chain {
		route[i] = backend.Name
	}
	rlog.SetRoute(route)

	attemptsPerBackend := 1 + s.cfg.retries()
	totalAttempts := 0
	var lastRetryable *domain.RetryableError

	for chainIdx, backend := range chain {
		if chainIdx > 0 {
			s.stats.RecordFallback(req.Model)
			s.log.InfoWithBackend("Falling back to next backend", backend.Name, "model", req.Model)
		}

		for attempt := 1; attempt <= attemptsPerBackend; attempt++ {
			if attempt > 1 {
				s.stats.RecordRetry(backend.Name)
				delay := util.CalculateExponentialBackoff(attempt-1,
					constants.DefaultRetryBaseDelay, constants.DefaultRetryMaxDelay, 0)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return &domain.ClientDisconnectedError{}
				}
			}
			totalAttempts++

			result, callErr := s.callBackend(ctx, w, backend, req, rlog, disconnected, attempt, started, &committed)
			if committed {
				// bytes are on the wire; nothing above us can recover
				return nil
			}
			if callErr == nil {
				s.deliverBuffered(w, backend, req, result.resp, rlog, started)
				return nil
			}

			var retryable *domain.RetryableError
			if !errors.As(callErr, &retryable) {
				return callErr
			}
			lastRetryable = retryable
			rlog.RecordError(domain.ErrorEvent{
				Kind:    retryable.Reason,
				Backend: backend.Name,
				Message: retryable.Error(),
				At:      time.Now(),
			})
			s.log.WarnWithBackend("Backend attempt failed", backend.Name,
				"model", req.Model, "attempt", attempt, "reason", retryable.Reason)
		}
	}

	// chain exhausted: the last materialised upstream body, if any, is
	// more useful to the client than a synthesised 502
	if lastRetryable != nil && lastRetryable.Response != nil {
		s.deliverBuffered(w, chain[len(chain)-1], req, lastRetryable.Response, rlog, started)
		return nil
	}

	var lastErr error
	if lastRetryable != nil {
		lastErr = lastRetryable
	}
	return &domain.ChainExhaustedError{
		Model:    req.Model,
		Attempts: totalAttempts,
		Backends: route,
		LastErr:  lastErr,
	}
}

// deliverBuffered writes a materialised upstream response to the client,
// running the parser pipeline over healthy JSON bodies first.
func (s *Service) deliverBuffered(w http.ResponseWriter, backend *domain.Backend, req *ports.ProxyRequest, resp *domain.UpstreamResponse, rlog ports.RequestLog, started time.Time) {
	body := resp.Body

	if resp.StatusCode < 400 {
		if usage := extractUsage(body); usage != nil {
			rlog.RecordUsage(*usage)
		}
		if pipeline := s.pipelineFor(backend); pipeline.AppliesTo(req.Path) {
			pctx := &domain.ParserContext{
				Path:        req.Path,
				ModelName:   req.Model,
				BackendName: backend.Name,
				IsStream:    false,
			}
			if transformed, changed := pipeline.ParseBuffered(pctx, body); changed {
				body = transformed
				rlog.RecordParsedResponse(transformed)
			}
		}
	}

	filterResponseHeaders(w, resp.Header)
	w.Header().Set(constants.HeaderXPasoBackend, backend.Name)
	w.Header().Set(constants.HeaderXPasoModel, req.Model)
	w.WriteHeader(resp.StatusCode)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			s.log.Debug("client write failed", "error", err)
		}
	}

	rlog.RecordResponse(resp.StatusCode, headersToMap(resp.Header), body)
	s.stats.RecordRequest(backend.Name, resp.StatusCode, time.Since(started), int64(len(body)))
}

func headersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}
