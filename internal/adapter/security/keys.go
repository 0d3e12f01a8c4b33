package security

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/core/constants"
	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
)

// AppKeyValidator resolves app keys from the configured auth header. The
// key table is swapped wholesale on config reload; lookups hold the read
// lock only long enough to snapshot the table.
type AppKeyValidator struct {
	log logger.StyledLogger

	mu         sync.RWMutex
	enabled    bool
	headerName string
	allowAnon  bool
	bySecret   map[string]*domain.KeyIdentity
	anonymous  domain.KeyIdentity
}

func NewAppKeyValidator(cfg config.AppKeysConfig, log logger.StyledLogger) *AppKeyValidator {
	v := &AppKeyValidator{log: log}
	v.Reload(cfg)
	return v
}

var _ ports.KeyValidator = (*AppKeyValidator)(nil)

// Reload replaces the key table from a fresh config snapshot.
func (v *AppKeyValidator) Reload(cfg config.AppKeysConfig) {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = config.DefaultAppKeyHeader
	}

	bySecret := make(map[string]*domain.KeyIdentity, len(cfg.Keys))
	for _, key := range cfg.Keys {
		if !key.Enabled || key.Secret == "" {
			continue
		}
		identity := &domain.KeyIdentity{
			ID:            key.KeyID,
			Concurrency:   key.Concurrency,
			Priority:      key.Priority,
			AllowedModels: key.AllowedModels,
		}
		if cfg.Defaults != nil {
			if identity.Concurrency == 0 {
				identity.Concurrency = cfg.Defaults.Concurrency
			}
			if identity.Priority == 0 {
				identity.Priority = cfg.Defaults.Priority
			}
		}
		bySecret[key.Secret] = identity
	}

	anonymous := domain.KeyIdentity{
		ID:              constants.UnauthenticatedKeyID,
		Unauthenticated: true,
	}
	if cfg.Unauthenticated != nil {
		anonymous.Concurrency = cfg.Unauthenticated.Concurrency
		anonymous.Priority = cfg.Unauthenticated.Priority
	}

	v.mu.Lock()
	v.enabled = cfg.Enabled
	v.headerName = headerName
	v.allowAnon = cfg.AllowUnauthenticated
	v.bySecret = bySecret
	v.anonymous = anonymous
	v.mu.Unlock()

	if cfg.Enabled {
		v.log.InfoWithCount("App key table loaded", len(bySecret))
	}
}

func (v *AppKeyValidator) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled
}

// ValidateRequest resolves the request's key identity. With validation
// disabled every request maps to the shared unauthenticated identity.
func (v *AppKeyValidator) ValidateRequest(ctx context.Context, r *http.Request) (*domain.KeyIdentity, error) {
	v.mu.RLock()
	enabled := v.enabled
	headerName := v.headerName
	allowAnon := v.allowAnon
	bySecret := v.bySecret
	anonymous := v.anonymous
	v.mu.RUnlock()

	if !enabled {
		return &anonymous, nil
	}

	secret := extractSecret(r.Header.Get(headerName))
	if secret == "" {
		if allowAnon {
			return &anonymous, nil
		}
		return nil, &domain.AuthenticationError{Message: "missing API key"}
	}

	// constant-time scan over the table so a miss and a hit are not
	// distinguishable by timing
	var matched *domain.KeyIdentity
	for candidate, identity := range bySecret {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			matched = identity
		}
	}
	if matched == nil {
		return nil, &domain.AuthenticationError{Message: "invalid API key"}
	}

	clone := *matched
	return &clone, nil
}

// extractSecret accepts both "Bearer <secret>" and a bare secret value.
func extractSecret(headerValue string) string {
	value := strings.TrimSpace(headerValue)
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		value = strings.TrimSpace(value[len("bearer "):])
	}
	return value
}
