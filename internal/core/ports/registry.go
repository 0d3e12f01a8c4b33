package ports

import (
	"context"

	"github.com/pasoproxy/paso/internal/core/domain"
)

// BackendRegistry owns the model-name -> backend mapping and the fallback
// chains. Callers receive immutable snapshots; registry mutations never
// perturb requests already routed.
type BackendRegistry interface {
	// Lookup returns the backend registered under the given model name.
	Lookup(ctx context.Context, name string) (*domain.Backend, bool)

	// Chain returns the primary backend followed by its configured
	// fallbacks, unknown names dropped and duplicates removed. Empty when
	// the model is not defined.
	Chain(ctx context.Context, name string) []*domain.Backend

	// ListBackends returns every registered backend, ordered by name.
	ListBackends(ctx context.Context) []*domain.Backend

	// Register adds or replaces a backend plus its fallback list. Returns
	// true when an existing entry was replaced.
	Register(ctx context.Context, backend *domain.Backend, fallbacks []string) (bool, error)

	// Unregister removes a backend by name. Returns true when it existed.
	Unregister(ctx context.Context, name string) bool

	// Reload atomically swaps the whole backend map and fallback map for
	// the given snapshot.
	Reload(ctx context.Context, backends []*domain.Backend, fallbacks map[string][]string) error
}
