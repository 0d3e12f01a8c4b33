package domain

import "github.com/pasoproxy/paso/internal/util/pattern"

// KeyIdentity is the resolved identity of an app key after validation.
// Unauthenticated requests resolve to the sentinel identity so they still
// share one concurrency budget.
type KeyIdentity struct {
	ID              string
	Concurrency     int // 0 or negative = uncapped
	Priority        int // lower wins
	AllowedModels   []string
	Unauthenticated bool
}

// CanAccessModel applies the key's model allow-list. An empty list allows
// every model; entries may use * globbing.
func (k *KeyIdentity) CanAccessModel(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, p := range k.AllowedModels {
		if pattern.MatchesGlob(model, p) {
			return true
		}
	}
	return false
}
