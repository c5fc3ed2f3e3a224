// Package extractor defines the per-site Extractor collaborator contract
// (spec §6) and a registry for looking extractors up by ID, grounded on the
// plugin-registry pattern from the reference ScrapeGoat codebase. A lookup
// miss surfaces as a first-class ErrMissingExtractor rather than a panic,
// matching spec §4.7 class 2 ("missing extractor").
package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mushstyle/fleetscrape/internal/types"
)

// ErrMissingExtractor is returned by Get when no extractor is registered
// under the requested ID — the "failed to load scraper" / "cannot find
// module" condition from spec §4.7.
var ErrMissingExtractor = errors.New("extractor: missing extractor")

// Page is the loaded-page handle an Extractor operates on. It is opaque to
// this package; internal/browser supplies the concrete implementation.
type Page interface{}

// Extractor is the per-site collaborator contract (spec §6): pull item
// URLs off a listing page, advance pagination, and pull a structured
// record off an item page.
type Extractor interface {
	ID() string
	GetItemURLs(ctx context.Context, page Page) ([]string, error)
	Paginate(ctx context.Context, page Page) (bool, error)
	ScrapeItem(ctx context.Context, page Page) (types.ItemRecord, error)
}

// Registry is a concurrency-safe directory of Extractors keyed by ID.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	log        *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{extractors: make(map[string]Extractor), log: log}
}

// Register adds an extractor under its own ID. Re-registering the same ID
// overwrites the previous entry — useful for hot-reloading a site's
// extractor module during development.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.ID()] = e
	r.log.Info("extractor registered", zap.String("id", e.ID()))
}

// Get looks up an extractor by ID, returning ErrMissingExtractor if absent.
func (r *Registry) Get(id string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingExtractor, id)
	}
	return e, nil
}

// IDs returns every registered extractor ID.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for id := range r.extractors {
		out = append(out, id)
	}
	return out
}
