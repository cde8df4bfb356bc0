// Package registry maintains the catalog of external evidence sources and
// their trust metadata. It performs no network I/O: the dispatcher asks it
// which sources to query, adapters do the querying.
package registry

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/numisworks/coinid/internal/model"
	"github.com/numisworks/coinid/internal/store"
)

// ErrSourceNotFound is returned when an operation references an unknown
// source id.
var ErrSourceNotFound = eris.New("registry: source not found")

// reliabilityAlpha is the EMA weight applied to a new feedback observation.
const reliabilityAlpha = 0.1

// Filter narrows active-source listings.
type Filter struct {
	SpecializesInErrors *bool
}

// Registry is the source catalog. All mutation goes through explicit admin
// or feedback operations; an aggregation run never changes the catalog.
type Registry struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry over the given store.
func New(s store.Store) *Registry {
	return &Registry{
		store: s,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-source mutex that serializes reliability updates.
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// ListActive returns active sources ordered by priority desc, reliability
// desc, id asc. The ordering is deterministic so repeated dispatches pick
// the same candidates.
func (r *Registry) ListActive(ctx context.Context, filter *Filter) ([]model.ExternalSource, error) {
	sf := store.SourceFilter{ActiveOnly: true}
	if filter != nil {
		sf.SpecializesInErrors = filter.SpecializesInErrors
	}
	sources, err := r.store.ListSources(ctx, sf)
	if err != nil {
		return nil, eris.Wrap(err, "registry: list active")
	}
	return sources, nil
}

// Get returns one source by id.
func (r *Registry) Get(ctx context.Context, id string) (*model.ExternalSource, error) {
	src, err := r.store.GetSource(ctx, id)
	if eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrSourceNotFound, "id %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "registry: get source")
	}
	return src, nil
}

// Create validates and persists a new catalog entry.
func (r *Registry) Create(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	return r.store.CreateSource(ctx, src)
}

// Update validates and persists changes to an existing catalog entry.
func (r *Registry) Update(ctx context.Context, src model.ExternalSource) error {
	if err := src.Validate(); err != nil {
		return err
	}
	err := r.store.UpdateSource(ctx, src)
	if eris.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrSourceNotFound, "id %s", src.ID)
	}
	return err
}

// Delete removes a catalog entry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.store.DeleteSource(ctx, id)
	if eris.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrSourceNotFound, "id %s", id)
	}
	return err
}

// UpdateReliability folds one observed query outcome into the source's
// reliability score with an exponential moving average, clamped to [0,1],
// and persists the result immediately. This is the only path that changes
// reliability; it is invoked explicitly, never as a side effect of an
// aggregation run.
func (r *Registry) UpdateReliability(ctx context.Context, id string, observedSuccess bool) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	src, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	observation := 0.0
	if observedSuccess {
		observation = 1.0
	}
	score := (1-reliabilityAlpha)*src.ReliabilityScore + reliabilityAlpha*observation
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	if err := r.store.SetSourceReliability(ctx, id, score); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrSourceNotFound, "id %s", id)
		}
		return eris.Wrap(err, "registry: persist reliability")
	}

	zap.L().Debug("registry: reliability updated",
		zap.String("source", id),
		zap.Bool("success", observedSuccess),
		zap.Float64("old", src.ReliabilityScore),
		zap.Float64("new", score),
	)
	return nil
}
