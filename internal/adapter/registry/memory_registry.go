// Package registry holds the authoritative model-name -> backend mapping
// and the fallback chains behind one read/write lock. Readers copy out the
// records they need, so reloads never perturb requests already routed.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pasoproxy/paso/internal/core/domain"
	"github.com/pasoproxy/paso/internal/core/ports"
	"github.com/pasoproxy/paso/internal/logger"
)

type MemoryBackendRegistry struct {
	log logger.StyledLogger

	mu        sync.RWMutex
	backends  map[string]*domain.Backend
	fallbacks map[string][]string
}

func NewMemoryBackendRegistry(log logger.StyledLogger) *MemoryBackendRegistry {
	return &MemoryBackendRegistry{
		log:       log,
		backends:  make(map[string]*domain.Backend),
		fallbacks: make(map[string][]string),
	}
}

var _ ports.BackendRegistry = (*MemoryBackendRegistry)(nil)

func (r *MemoryBackendRegistry) Lookup(ctx context.Context, name string) (*domain.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	backend, ok := r.backends[name]
	return backend, ok
}

// Chain emits the primary backend then its fallbacks, dropping unknown
// names and de-duplicating. Empty when the model is not defined.
func (r *MemoryBackendRegistry) Chain(ctx context.Context, name string) []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary, ok := r.backends[name]
	if !ok {
		return nil
	}

	chain := []*domain.Backend{primary}
	seen := map[string]struct{}{name: {}}

	for _, fallbackName := range r.fallbacks[name] {
		if _, dup := seen[fallbackName]; dup {
			continue
		}
		seen[fallbackName] = struct{}{}

		fallback, known := r.backends[fallbackName]
		if !known {
			r.log.Warn("Fallback references unknown backend, skipping",
				"model", name, "fallback", fallbackName)
			continue
		}
		chain = append(chain, fallback)
	}
	return chain
}

func (r *MemoryBackendRegistry) ListBackends(ctx context.Context) []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Backend, 0, len(r.backends))
	for _, backend := range r.backends {
		out = append(out, backend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register adds or replaces one backend. The stored record is a copy, so
// the caller keeping a reference cannot mutate published state.
func (r *MemoryBackendRegistry) Register(ctx context.Context, backend *domain.Backend, fallbacks []string) (bool, error) {
	if err := backend.Validate(); err != nil {
		return false, fmt.Errorf("register backend: %w", err)
	}

	stored := *backend
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.backends[stored.Name]
	r.backends[stored.Name] = &stored
	if fallbacks != nil {
		r.fallbacks[stored.Name] = append([]string(nil), fallbacks...)
	}
	return replaced, nil
}

func (r *MemoryBackendRegistry) Unregister(ctx context.Context, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.backends[name]
	delete(r.backends, name)
	delete(r.fallbacks, name)
	return existed
}

// Reload swaps the whole backend map and fallback map atomically. In-flight
// requests keep the records they already borrowed.
func (r *MemoryBackendRegistry) Reload(ctx context.Context, backends []*domain.Backend, fallbacks map[string][]string) error {
	nextBackends := make(map[string]*domain.Backend, len(backends))
	for _, backend := range backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("reload rejected: %w", err)
		}
		stored := *backend
		if stored.RegisteredAt.IsZero() {
			stored.RegisteredAt = time.Now()
		}
		nextBackends[stored.Name] = &stored
	}

	nextFallbacks := make(map[string][]string, len(fallbacks))
	for primary, list := range fallbacks {
		nextFallbacks[primary] = append([]string(nil), list...)
	}

	r.mu.Lock()
	r.backends = nextBackends
	r.fallbacks = nextFallbacks
	r.mu.Unlock()

	r.log.InfoWithCount("Backend registry reloaded", len(nextBackends))
	return nil
}
