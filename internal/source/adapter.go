// Package source defines the uniform boundary between the engine and the
// external evidence sites. Each adapter owns the translation from one
// site's native response shape into the canonical evidence form; nothing
// upstream of this package ever sees a site-specific payload.
package source

import (
	"context"
	"sync"

	"github.com/numisworks/coinid/internal/model"
)

// Query carries the identification context an adapter uses to search its
// site: the vision model's field guesses plus any caller hints.
type Query struct {
	JobID  string
	Fields map[string]string
	Hints  *model.SubmissionHints
}

// Adapter fetches corroborating evidence for a coin from one external
// source and maps it into canonical form.
type Adapter interface {
	// SourceID returns the catalog id of the source this adapter serves.
	SourceID() string
	// Fetch queries the source. The returned record's SourceID and JobID
	// are set by the adapter; FetchedAt is the query completion time.
	Fetch(ctx context.Context, q Query) (*model.EvidenceRecord, error)
}

// Registry holds the adapters available to the dispatcher, keyed by
// source id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceID()] = a
}

// Get returns the adapter for a source id, or nil if none is registered.
func (r *Registry) Get(sourceID string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[sourceID]
}

// List returns all registered source ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
