package security

import (
	"fmt"
	"net/http"

	"github.com/docker/go-units"

	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/logger"
)

const defaultMaxBodySize = 25 * 1024 * 1024

// SizeValidator rejects oversized requests before any body is read. It
// keeps no mutable state and is safe for concurrent use.
type SizeValidator struct {
	log         logger.StyledLogger
	maxBodySize int64
}

func NewSizeValidator(limits config.ServerRequestLimits, log logger.StyledLogger) (*SizeValidator, error) {
	maxBody := int64(defaultMaxBodySize)
	if limits.MaxBodySize != "" {
		parsed, err := units.RAMInBytes(limits.MaxBodySize)
		if err != nil {
			return nil, fmt.Errorf("invalid max_body_size %q: %w", limits.MaxBodySize, err)
		}
		maxBody = parsed
	}
	return &SizeValidator{log: log, maxBodySize: maxBody}, nil
}

func (sv *SizeValidator) Name() string { return "size_limit" }

func (sv *SizeValidator) MaxBodySize() int64 { return sv.maxBodySize }

// Middleware rejects requests whose declared length exceeds the cap and
// wraps the body so chunked uploads hit the same ceiling when read.
func (sv *SizeValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > sv.maxBodySize {
			sv.log.Warn("Request body too large",
				"content_length", r.ContentLength,
				"limit", sv.maxBodySize,
				"path", r.URL.Path)
			http.Error(w, fmt.Sprintf("request body exceeds %s limit",
				units.BytesSize(float64(sv.maxBodySize))), http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, sv.maxBodySize)
		next.ServeHTTP(w, r)
	})
}
