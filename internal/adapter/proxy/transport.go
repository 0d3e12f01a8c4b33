package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pasoproxy/paso/internal/adapter/parser"
	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
)

// callResult is the outcome of one backend attempt. When resp is set the
// attempt produced a deliverable buffered response; streaming attempts
// write directly and flip the caller's committed flag instead.
type callResult struct {
	resp *domain.UpstreamResponse
}

func (s *Service) callBackend(ctx context.Context, w http.ResponseWriter, backend *domain.Backend, req *ports.ProxyRequest, rlog ports.RequestLog, disconnected ports.DisconnectChecker, attempt int, started time.Time, committed *bool) (*callResult, error) {
	targetURL := buildUpstreamURL(backend, req.Path, req.Query)
	rlog.RecordAttempt(domain.AttemptRecord{
		Backend: backend.Name,
		Attempt: attempt,
		URL:     targetURL,
		Started: time.Now(),
	})

	body := rewriteBody(backend, req.Body, req.IsStream)

	if req.IsStream {
		return s.callStreaming(ctx, w, backend, req, targetURL, body, rlog, disconnected, started, committed)
	}
	return s.callBuffered(ctx, backend, req, targetURL, body)
}

// roundTrip sends the request over the backend's preferred transport. A
// protocol-level HTTP/2 failure gets one immediate resend over HTTP/1.1.
func (s *Service) roundTrip(backend *domain.Backend, httpReq *http.Request) (*http.Response, error) {
	if !backend.HTTP2 {
		return s.transport.RoundTrip(httpReq)
	}

	resp, err := s.h2Transport.RoundTrip(httpReq)
	if err == nil || !isHTTP2ProtocolError(err) {
		return resp, err
	}

	s.log.WarnWithBackend("HTTP/2 protocol error, retrying over HTTP/1.1", backend.Name, "error", err)
	retryReq := httpReq.Clone(httpReq.Context())
	if httpReq.GetBody != nil {
		retryBody, berr := httpReq.GetBody()
		if berr != nil {
			return nil, err
		}
		retryReq.Body = retryBody
	}
	return s.transport.RoundTrip(retryReq)
}

func (s *Service) callBuffered(ctx context.Context, backend *domain.Backend, req *ports.ProxyRequest, targetURL string, body []byte) (*callResult, error) {
	timeout := backend.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultBackendTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, classifyNetworkError(backend.Name, err)
	}
	httpReq.Header = shapeHeaders(backend, req.Headers, false)

	resp, err := s.roundTrip(backend, httpReq)
	if err != nil {
		return nil, classifyNetworkError(backend.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetworkError(backend.Name, err)
	}

	upstream := &domain.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}
	if isRetryableStatus(resp.StatusCode) {
		return nil, domain.NewRetryableStatusError(backend.Name, upstream)
	}
	return &callResult{resp: upstream}, nil
}

// callStreaming opens the upstream stream and peeks at the first bytes
// before committing anything to the client. An inline SSE error payload in
// the peek window converts the attempt into a retryable failure with zero
// bytes leaked; once the peek passes, the stream is relayed chunk by chunk
// through the parser pipeline and failures past that point are final.
func (s *Service) callStreaming(ctx context.Context, w http.ResponseWriter, backend *domain.Backend, req *ports.ProxyRequest, targetURL string, body []byte, rlog ports.RequestLog, disconnected ports.DisconnectChecker, started time.Time, committed *bool) (*callResult, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, req.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, classifyNetworkError(backend.Name, err)
	}
	httpReq.Header = shapeHeaders(backend, req.Headers, true)

	resp, err := s.roundTrip(backend, httpReq)
	if err != nil {
		cancel()
		return nil, classifyNetworkError(backend.Name, err)
	}
	closer := newStreamCloser(resp.Body, cancel)
	defer closer.Close()

	if isRetryableStatus(resp.StatusCode) {
		errBody := readLimited(resp.Body, maxErrorBodyBytes)
		return nil, domain.NewRetryableStatusError(backend.Name, &domain.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       errBody,
		})
	}
	if resp.StatusCode >= 400 {
		errBody := readLimited(resp.Body, maxErrorBodyBytes)
		return &callResult{resp: &domain.UpstreamResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       errBody,
		}}, nil
	}

	bufPtr := s.bufferPool.Get()
	defer s.bufferPool.Put(bufPtr)
	buf := *bufPtr

	// peek phase: nothing reaches the client until this window clears
	peekLimit := s.cfg.peekBytes()
	peek := make([]byte, 0, peekLimit)
	sawEOF := false
	for len(peek) < peekLimit {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			peek = append(peek, buf[:n]...)
		}
		if rerr == io.EOF {
			sawEOF = true
			break
		}
		if rerr != nil {
			return nil, classifyNetworkError(backend.Name, rerr)
		}
	}

	if sseErr := DetectSSEStreamError(peek); sseErr != nil {
		// drain a bounded tail so the request log keeps the full payload
		captured := append(peek, readLimited(resp.Body, maxErrorBodyBytes)...)
		return nil, &domain.RetryableError{
			Err:     sseErr,
			Reason:  domain.RetryReasonSSEStreamError,
			Backend: backend.Name,
			Response: &domain.UpstreamResponse{
				StatusCode: sseErr.StatusCode(),
				Header:     resp.Header.Clone(),
				Body:       captured,
			},
		}
	}

	// relay phase
	var processor *parser.StreamProcessor
	if pipeline := s.pipelineFor(backend); pipeline.AppliesTo(req.Path) {
		processor = pipeline.NewStreamProcessor(&domain.ParserContext{
			Path:        req.Path,
			ModelName:   req.Model,
			BackendName: backend.Name,
			IsStream:    true,
		})
	}

	filterResponseHeaders(w, resp.Header)
	w.Header().Set(constants.HeaderXPasoBackend, backend.Name)
	w.Header().Set(constants.HeaderXPasoModel, req.Model)
	if w.Header().Get(constants.HeaderContentType) == "" {
		w.Header().Set(constants.HeaderContentType, constants.ContentTypeEventStream)
	}
	w.WriteHeader(resp.StatusCode)
	*committed = true

	rc := http.NewResponseController(w)
	var bytesOut int64
	emit := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		n, werr := w.Write(chunk)
		bytesOut += int64(n)
		if werr != nil {
			return werr
		}
		if ferr := rc.Flush(); ferr != nil {
			s.log.Debug("stream flush failed", "error", ferr)
		}
		rlog.RecordStreamChunk(chunk)
		return nil
	}

	process := func(chunk []byte) []byte {
		if processor == nil {
			return chunk
		}
		return processor.ProcessChunk(chunk)
	}

	finishCancelled := func() (*callResult, error) {
		rlog.RecordError(domain.ErrorEvent{
			Kind:    "client_disconnect",
			Backend: backend.Name,
			Message: "client disconnected mid-stream",
			At:      time.Now(),
		})
		s.stats.RecordCancelled(backend.Name)
		rlog.Finalize(domain.OutcomeCancelled)
		return &callResult{}, nil
	}

	if err := emit(process(peek)); err != nil {
		return finishCancelled()
	}

	for !sawEOF {
		if disconnected != nil && disconnected() {
			return finishCancelled()
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if werr := emit(process(buf[:n])); werr != nil {
				return finishCancelled()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if streamCtx.Err() != nil || (disconnected != nil && disconnected()) {
				return finishCancelled()
			}
			// upstream died after bytes were committed; nothing left to
			// retry, record it and close out
			rlog.RecordError(domain.ErrorEvent{
				Kind:    domain.RetryReasonConnectionError,
				Backend: backend.Name,
				Message: rerr.Error(),
				At:      time.Now(),
			})
			s.stats.RecordRequest(backend.Name, http.StatusBadGateway, time.Since(started), bytesOut)
			rlog.Finalize(domain.OutcomeError)
			return &callResult{}, nil
		}
	}

	if processor != nil {
		if err := emit(processor.Finish()); err != nil {
			return finishCancelled()
		}
		if usage := processor.Usage(); usage != nil {
			rlog.RecordUsage(*usage)
		}
	}

	rlog.RecordResponse(resp.StatusCode, headersToMap(resp.Header), nil)
	s.stats.RecordRequest(backend.Name, resp.StatusCode, time.Since(started), bytesOut)
	rlog.Finalize(domain.OutcomeSuccess)
	return &callResult{}, nil
}

// streamCloser guarantees the upstream body and its context are released
// exactly once across the many exit paths of a relay.
type streamCloser struct {
	once   sync.Once
	body   io.Closer
	cancel context.CancelFunc
}

func newStreamCloser(body io.Closer, cancel context.CancelFunc) *streamCloser {
	return &streamCloser{body: body, cancel: cancel}
}

func (c *streamCloser) Close() {
	c.once.Do(func() {
		_ = c.body.Close()
		c.cancel()
	})
}

func readLimited(r io.Reader, limit int64) []byte {
	data, _ := io.ReadAll(io.LimitReader(r, limit))
	return data
}
