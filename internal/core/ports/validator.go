package ports

import (
	"context"
	"net/http"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// KeyValidator authenticates a request and resolves its key identity. The
// proxy core only consults the result; policy lives behind this interface.
type KeyValidator interface {
	// ValidateRequest inspects the configured auth header. It returns the
	// resolved identity, or an error when the key is missing/unknown and
	// unauthenticated access is disabled.
	ValidateRequest(ctx context.Context, r *http.Request) (*domain.KeyIdentity, error)

	// Enabled reports whether app-key checking is active at all.
	Enabled() bool
}
