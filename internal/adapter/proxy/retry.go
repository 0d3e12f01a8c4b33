package proxy

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/net/http2"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// retryableStatuses are the upstream statuses worth another attempt.
var retryableStatuses = map[int]struct{}{
	408: {}, 409: {}, 429: {}, 500: {}, 502: {}, 503: {}, 504: {},
}

func isRetryableStatus(status int) bool {
	_, ok := retryableStatuses[status]
	return ok
}

// classifyNetworkError wraps a transport failure as a RetryableError with
// the reason split into timeout vs connection error for the request log.
// Context cancellation is the client going away, never retried.
func classifyNetworkError(backend string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &domain.ClientDisconnectedError{}
	}

	reason := domain.RetryReasonConnectionError
	if isTimeoutError(err) {
		reason = domain.RetryReasonTimeout
	}
	return &domain.RetryableError{Err: err, Reason: reason, Backend: backend}
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// isConnectionError reports whether the failure happened at the transport
// level rather than inside an HTTP exchange.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"no route to host",
		"i/o timeout",
		"dial tcp",
		"unexpected eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isHTTP2ProtocolError detects failures specific to the h2 framing layer,
// the trigger for the one-shot HTTP/1.1 fall-back.
func isHTTP2ProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return true
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "http2") || strings.Contains(errStr, "protocol error")
}
