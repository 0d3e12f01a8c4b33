package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pasoproxy/paso/internal/adapter/registry"
	"github.com/pasoproxy/paso/internal/adapter/stats"
	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
)

func testLogger() logger.StyledLogger {
	return logger.NewPlainStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// capturingLog is a thread-safe ports.RequestLog that remembers everything.
type capturingLog struct {
	mu        sync.Mutex
	route     []string
	attempts  []domain.AttemptRecord
	errors    []domain.ErrorEvent
	status    int
	body      []byte
	usage     *domain.UsageStats
	outcome   domain.Outcome
	finalized int
}

func (c *capturingLog) SetRoute(route []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route = route
}
func (c *capturingLog) SetModel(string) {}
func (c *capturingLog) SetKeyID(string) {}
func (c *capturingLog) RecordAttempt(a domain.AttemptRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
}
func (c *capturingLog) RecordError(e domain.ErrorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, e)
}
func (c *capturingLog) RecordResponse(status int, _ map[string]string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.body = body
}
func (c *capturingLog) RecordParsedResponse([]byte) {}
func (c *capturingLog) RecordStreamChunk([]byte)    {}
func (c *capturingLog) RecordUsage(u domain.UsageStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = &u
}
func (c *capturingLog) SetQueuedFor(time.Duration) {}
func (c *capturingLog) Finalize(outcome domain.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized == 0 {
		c.outcome = outcome
	}
	c.finalized++
}

func (c *capturingLog) errorKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.errors))
	for i, e := range c.errors {
		kinds[i] = e.Kind
	}
	return kinds
}

func testBackend(name, baseURL string) *domain.Backend {
	return &domain.Backend{
		Name:    name,
		BaseURL: baseURL,
		Type:    domain.APITypeOpenAI,
		Timeout: 10 * time.Second,
	}
}

func newTestService(t *testing.T, cfg *Config, fallbacks map[string][]string, backends ...*domain.Backend) (*Service, *stats.Collector) {
	t.Helper()
	log := testLogger()
	reg := registry.NewMemoryBackendRegistry(log)
	require.NoError(t, reg.Reload(context.Background(), backends, fallbacks))
	collector := stats.NewCollector()
	svc, err := NewService(reg, nil, collector, cfg, log)
	require.NoError(t, err)
	return svc, collector
}

func chatRequest(model string, stream bool) *ports.ProxyRequest {
	body := fmt.Sprintf(`{"model":%q,"stream":%v,"messages":[{"role":"user","content":"hi"}]}`, model, stream)
	return &ports.ProxyRequest{
		Method:   http.MethodPost,
		Path:     "/v1/chat/completions",
		Body:     []byte(body),
		Model:    model,
		IsStream: stream,
		Headers:  http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestForwardRequestBufferedPassthrough(t *testing.T) {
	var gotBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`)
	}))
	defer upstream.Close()

	backend := testBackend("alpha", upstream.URL)
	backend.APIKey = "sk-test"
	backend.TargetModel = "alpha-upstream"
	svc, collector := newTestService(t, &Config{}, nil, backend)

	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), rlog, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alpha", rec.Header().Get(constants.HeaderXPasoBackend))
	assert.Contains(t, rec.Body.String(), `"cmpl-1"`)

	// the outbound body carries the upstream model name
	sent := gotBody.Load().(string)
	assert.Equal(t, "alpha-upstream", gjson.Get(sent, "model").String())

	require.NotNil(t, rlog.usage)
	assert.Equal(t, int64(8), rlog.usage.TotalTokens)
	assert.Equal(t, []string{"alpha"}, rlog.route)

	proxy := collector.GetProxyStats()
	assert.Equal(t, int64(1), proxy.TotalRequests)
	assert.Equal(t, int64(1), proxy.SuccessfulRequests)
}

func TestForwardRequestModelNotFound(t *testing.T) {
	svc, _ := newTestService(t, &Config{}, nil)

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("ghost", false), &capturingLog{}, nil)

	var nf *domain.ModelNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "ghost", nf.Model)
	assert.Zero(t, rec.Body.Len())
}

func TestForwardRequestRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-2","choices":[]}`)
	}))
	defer upstream.Close()

	svc, collector := newTestService(t, &Config{NumRetries: 1}, nil, testBackend("alpha", upstream.URL))

	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), rlog, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{domain.RetryReasonHTTPStatus}, rlog.errorKinds())
	assert.Equal(t, int64(1), collector.GetProxyStats().Retries)
}

func TestForwardRequestFallsBackAcrossChain(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-fallback"}`)
	}))
	defer secondary.Close()

	svc, collector := newTestService(t, &Config{NumRetries: 0},
		map[string][]string{"alpha": {"beta"}},
		testBackend("alpha", primary.URL), testBackend("beta", secondary.URL))

	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), rlog, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "beta", rec.Header().Get(constants.HeaderXPasoBackend))
	assert.Contains(t, rec.Body.String(), "cmpl-fallback")
	assert.Equal(t, []string{"alpha", "beta"}, rlog.route)
	assert.Equal(t, int64(1), collector.GetProxyStats().Fallbacks)
}

func TestForwardRequestDeliversLastUpstreamBodyOnExhaustion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, &Config{NumRetries: 1}, nil, testBackend("alpha", upstream.URL))

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), &capturingLog{}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")
}

func TestForwardRequestChainExhaustedWithoutResponse(t *testing.T) {
	// port from a closed listener: connection refused on every attempt
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	svc, _ := newTestService(t, &Config{NumRetries: 0}, nil, testBackend("alpha", deadURL))

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), &capturingLog{}, nil)

	var exhausted *domain.ChainExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "alpha", exhausted.Model)
	assert.Zero(t, rec.Body.Len())
}

func TestForwardRequestNonRetryableStatusPassesThrough(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"bad schema"}}`)
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, &Config{NumRetries: 2}, nil, testBackend("alpha", upstream.URL))

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", false), &capturingLog{}, nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, int32(1), calls.Load(), "4xx outside the retry set must not be retried")
}

func sseBody(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return b.String()
}

func TestForwardRequestStreamingPassthrough(t *testing.T) {
	payload := sseBody(
		`{"id":"s1","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"s1","choices":[{"delta":{"content":"lo"}}]}`,
		`{"id":"s1","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
		`[DONE]`,
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, payload)
	}))
	defer upstream.Close()

	svc, collector := newTestService(t, &Config{}, nil, testBackend("alpha", upstream.URL))

	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", true), rlog, func() bool { return false })
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"Hel"`)
	assert.Contains(t, rec.Body.String(), "[DONE]")
	assert.Equal(t, domain.OutcomeSuccess, rlog.outcome)
	assert.Positive(t, collector.GetProxyStats().BytesStreamed)
}

func TestForwardRequestStreamingInlineErrorTriggersFallback(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"error":{"message":"model is overloaded","http_code":503}}`))
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"id":"s2","choices":[{"delta":{"content":"ok"}}]}`, `[DONE]`))
	}))
	defer healthy.Close()

	svc, _ := newTestService(t, &Config{NumRetries: 0},
		map[string][]string{"alpha": {"beta"}},
		testBackend("alpha", broken.URL), testBackend("beta", healthy.URL))

	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", true), rlog, func() bool { return false })
	require.NoError(t, err)

	// not one byte of the broken stream may reach the client
	assert.Equal(t, "beta", rec.Header().Get(constants.HeaderXPasoBackend))
	assert.NotContains(t, rec.Body.String(), "overloaded")
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Equal(t, []string{domain.RetryReasonSSEStreamError}, rlog.errorKinds())
}

func TestForwardRequestStreamingRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"id":"s3","choices":[{"delta":{"content":"again"}}]}`, `[DONE]`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, &Config{NumRetries: 1}, nil, testBackend("alpha", upstream.URL))

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(context.Background(), rec, chatRequest("alpha", true), &capturingLog{}, func() bool { return false })
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "again")
	assert.Equal(t, int32(2), calls.Load())
}

func TestForwardRequestStreamingClientDisconnect(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`{"id":"s4","choices":[{"delta":{"content":"first"}}]}`))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	cfg := &Config{StreamPeekBytes: 8} // tiny peek so the first chunk commits
	svc, collector := newTestService(t, cfg, nil, testBackend("alpha", upstream.URL))

	var gone atomic.Bool
	rec := httptest.NewRecorder()
	rlog := &capturingLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.ForwardRequest(ctx, rec, chatRequest("alpha", true), rlog, func() bool {
			return gone.Load()
		})
	}()

	require.Eventually(t, func() bool {
		rlog.mu.Lock()
		defer rlog.mu.Unlock()
		return len(rlog.attempts) > 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	gone.Store(true)
	cancel() // a dead client also tears down the request context

	select {
	case err := <-done:
		require.NoError(t, err, "disconnect after commit is not a caller-visible error")
	case <-time.After(3 * time.Second):
		t.Fatal("forward did not return after disconnect")
	}

	assert.Equal(t, domain.OutcomeCancelled, rlog.outcome)
	assert.Equal(t, int64(1), collector.GetProxyStats().CancelledRequests)
}

func TestForwardRequestCancelledContextBeforeDispatch(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	svc, _ := newTestService(t, &Config{}, nil, testBackend("alpha", slow.URL))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	rec := httptest.NewRecorder()
	err := svc.ForwardRequest(ctx, rec, chatRequest("alpha", false), &capturingLog{}, nil)

	var disc *domain.ClientDisconnectedError
	require.True(t, errors.As(err, &disc) || errors.Is(err, context.Canceled),
		"expected a disconnect-shaped error, got %v", err)
	assert.Zero(t, rec.Body.Len())
}
