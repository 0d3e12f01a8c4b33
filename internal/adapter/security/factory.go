// Package security holds the pre-routing request gates: rate limiting,
// request size caps and app-key resolution. The gates compose into a
// single middleware chain applied ahead of every proxy route.
package security

import (
	"net/http"

	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/logger"
)

// Services bundles the wired security adapters.
type Services struct {
	RateLimit *RateLimitValidator
	SizeLimit *SizeValidator
	Keys      *AppKeyValidator
}

// NewServices creates and wires the security validators so they are easy
// to chain and consume.
func NewServices(cfg *config.Config, log logger.StyledLogger) (*Services, error) {
	sizeValidator, err := NewSizeValidator(cfg.Server.RequestLimits, log)
	if err != nil {
		return nil, err
	}
	return &Services{
		RateLimit: NewRateLimitValidator(cfg.Server.RateLimits, log),
		SizeLimit: sizeValidator,
		Keys:      NewAppKeyValidator(cfg.AppKeys, log),
	}, nil
}

// Reload refreshes the reloadable parts from a new config snapshot. Rate
// and size limits stay fixed for the process lifetime; only the key table
// follows the file.
func (s *Services) Reload(cfg *config.Config) {
	s.Keys.Reload(cfg.AppKeys)
}

func (s *Services) Stop() {
	if s.RateLimit != nil {
		s.RateLimit.Stop()
	}
}

// ChainMiddleware applies rate limiting first, then the size cap. Key
// validation runs later, inside the proxy handler, where its result feeds
// the concurrency manager.
func (s *Services) ChainMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.RateLimit.Middleware(s.SizeLimit.Middleware(next))
	}
}
