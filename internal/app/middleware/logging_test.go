package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/logger"
)

func testLogger() logger.StyledLogger {
	return logger.NewPlainStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRequestLoggingAssignsID(t *testing.T) {
	var seenID string
	handler := RequestLogging(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/internal/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get(constants.HeaderXPasoRequestID))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestLoggingHonoursClientID(t *testing.T) {
	handler := RequestLogging(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-chosen", GetRequestID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/internal/health", nil)
	req.Header.Set(constants.HeaderXRequestID, "client-chosen")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestIsProxyRequest(t *testing.T) {
	assert.True(t, IsProxyRequest("/v1/chat/completions"))
	assert.True(t, IsProxyRequest("/v1/models"))
	assert.False(t, IsProxyRequest("/internal/health"))
	assert.False(t, IsProxyRequest("/admin/backends"))
}

func TestResponseWriterCapturesSizeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rw.status)
	assert.Equal(t, int64(5), rw.size)
}
