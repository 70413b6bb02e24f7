// Package registry holds the in-memory set of monitored containers. It is
// the only source of truth for container state inside the bridge.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"docker2mqtt/internal/check"
	"docker2mqtt/internal/entity"
)

// ErrUnknownEntity is returned for operations on an id with no record.
var ErrUnknownEntity = errors.New("unknown entity")

// ErrNotRegistered is returned when stats arrive for a record whose
// metadata has not been published yet.
var ErrNotRegistered = errors.New("entity not registered")

// Reader is the read-only view handed to components that must not mutate
// the registry.
type Reader interface {
	Get(id string) (entity.Record, bool)
	All() []entity.Record
	Len() int
}

var _ Reader = (*Registry)(nil)

// Registry is a mutex-guarded map of records keyed by short id. Mutation
// is expected to be serialized by a single owner; the lock only protects
// concurrent readers.
type Registry struct {
	mu      sync.RWMutex
	records map[string]entity.Record
	log     *slog.Logger
}

func New() *Registry {
	return &Registry{
		records: make(map[string]entity.Record),
		log:     slog.With("component", "registry"),
	}
}

// Upsert creates or updates the record for id. Records are only created
// from sources that may create them.
func (r *Registry) Upsert(id string, f entity.Fields, src entity.Source) (entity.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *entity.Record
	if rec, ok := r.records[id]; ok {
		existing = &rec
	}
	next, err := entity.Merge(existing, id, f, src)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return entity.Record{}, fmt.Errorf("upsert %q from %s: %w", id, src, ErrUnknownEntity)
		}
		return entity.Record{}, err
	}
	check.Invariant(next.ID == id, "registry: record %q stored under %q", next.ID, id)
	check.Invariant(next.Registration != entity.Tombstoned, "registry: tombstoned record %q stored", id)
	r.records[id] = next
	return next, nil
}

// MarkRegistered flips a record to registered after its discovery documents
// were published.
func (r *Registry) MarkRegistered(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("mark %q registered: %w", id, ErrUnknownEntity)
	}
	rec.Registration = entity.Registered
	r.records[id] = rec
	return nil
}

// MergeStats applies a stats sample to a registered record. Unknown and
// not yet registered ids are logged and left alone; stats never create
// records.
func (r *Registry) MergeStats(id string, stats entity.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		r.log.Error("cannot find container for stats sample", "id", id)
		return fmt.Errorf("merge stats for %q: %w", id, ErrUnknownEntity)
	}
	if rec.Registration != entity.Registered {
		r.log.Debug("dropping stats sample for unregistered container", "id", id)
		return fmt.Errorf("merge stats for %q: %w", id, ErrNotRegistered)
	}
	rec.Stats = entity.MergeStats(rec.Stats, stats)
	r.records[id] = rec
	return nil
}

// Remove deletes the record for id. Callers tombstone the published
// metadata first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("remove %q: %w", id, ErrUnknownEntity)
	}
	delete(r.records, id)
	return nil
}

func (r *Registry) Get(id string) (entity.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// All returns a copy of every record ordered by id.
func (r *Registry) All() []entity.Record {
	r.mu.RLock()
	out := make([]entity.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
