// Package reconcile is the single owner of registry mutation and discovery
// publication. Events, poll snapshots and transport resyncs all pass through
// one lock so a poll sample can never resurrect a container that an event
// is removing.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/registry"
	"docker2mqtt/internal/runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// defaultPopWait bounds the queue wait so the loop doubles as a heartbeat.
	defaultPopWait = time.Second
	createdStatus  = "created"
)

type Options struct {
	PopWait time.Duration
	Tracer  trace.Tracer
	// OnHeartbeat runs on every loop iteration that found the queue empty.
	OnHeartbeat func()
}

type Reconciler struct {
	reg  *registry.Registry
	rt   Runtime
	pub  Discovery
	opts Options

	tracer trace.Tracer
	log    *slog.Logger

	mu sync.Mutex
}

func New(reg *registry.Registry, rt Runtime, pub Discovery, opts Options) *Reconciler {
	if opts.PopWait <= 0 {
		opts.PopWait = defaultPopWait
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("docker2mqtt/reconcile")
	}
	return &Reconciler{
		reg:    reg,
		rt:     rt,
		pub:    pub,
		opts:   opts,
		tracer: tracer,
		log:    slog.With("component", "reconcile"),
	}
}

// Bootstrap registers every container in the initial listing, then
// tombstones entities left over from a previous run that no longer exist.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	listing, err := r.rt.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range listing {
		id := entity.ShortID(s.ID)
		rec, err := r.reg.Upsert(id, s.Fields(), entity.SourceListing)
		if err != nil {
			r.log.Error("failed to add listed container", "id", id, "err", err)
			continue
		}
		r.register(ctx, rec)
	}

	known, err := r.pub.Known(ctx)
	if err != nil {
		r.log.Warn("failed to read topic ledger, skipping stale sweep", "err", err)
		return nil
	}
	for _, id := range known {
		if _, ok := r.reg.Get(id); ok {
			continue
		}
		r.log.Info("tombstoning container gone since last run", "id", id)
		if err := r.pub.Tombstone(ctx, id); err != nil {
			r.log.Warn("tombstone incomplete", "id", id, "err", err)
		}
	}
	r.log.Info("registered containers from listing", "count", r.reg.Len())
	return nil
}

// HandleEvent applies one lifecycle event.
func (r *Reconciler) HandleEvent(ctx context.Context, ev runtime.Event) {
	id := ev.ShortID()
	ctx, span := r.tracer.Start(ctx, "reconcile.event", trace.WithAttributes(
		attribute.String("container.id", id),
		attribute.String("event.kind", string(ev.Kind)),
	))
	defer span.End()
	log := r.log.With("id", id, "name", ev.Name, "kind", ev.Kind)

	switch ev.Kind {
	case runtime.EventCreate:
		log.Info("container has been created")
		r.create(ctx, id, ev)
	case runtime.EventRename:
		log.Info("container renamed", "old_name", ev.OldName)
		r.rename(ctx, id, ev)
	case runtime.EventDestroy:
		log.Info("container has been destroyed")
		r.destroy(ctx, id)
	case runtime.EventDie, runtime.EventPause, runtime.EventStart, runtime.EventStop, runtime.EventUnpause:
		r.refresh(ctx, id, ev.Kind)
	default:
		log.Debug("ignoring unwatched event")
	}
}

func (r *Reconciler) create(ctx context.Context, id string, ev runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.reg.Upsert(id, entity.Fields{
		Name:   entity.Ptr(ev.Name),
		Image:  entity.Ptr(ev.Image),
		Status: entity.Ptr(createdStatus),
		State:  entity.Ptr(entity.StateOff),
	}, entity.SourceEvent)
	if err != nil {
		r.log.Error("failed to add created container", "id", id, "err", err)
		return
	}
	r.register(ctx, rec)
}

// rename keeps the id and topics of a known container and only changes its
// display fields. An unseen id is treated as a creation.
func (r *Reconciler) rename(ctx context.Context, id string, ev runtime.Event) {
	r.mu.Lock()
	if _, ok := r.reg.Get(id); !ok {
		r.mu.Unlock()
		r.create(ctx, id, ev)
		return
	}
	defer r.mu.Unlock()

	f := entity.Fields{Name: entity.Ptr(ev.Name)}
	if ev.Image != "" {
		f.Image = entity.Ptr(ev.Image)
	}
	rec, err := r.reg.Upsert(id, f, entity.SourceEvent)
	if err != nil {
		r.log.Error("failed to rename container", "id", id, "err", err)
		return
	}
	r.register(ctx, rec)
}

func (r *Reconciler) destroy(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reg.Get(id); !ok {
		r.log.Error("not unregistering unknown container", "id", id)
		return
	}
	if err := r.pub.Tombstone(ctx, id); err != nil {
		r.log.Warn("tombstone incomplete", "id", id, "err", err)
	}
	if err := r.reg.Remove(id); err != nil {
		r.log.Error("failed to remove container", "id", id, "err", err)
	}
}

// refresh reloads a known container's status after a state-changing event.
// The runtime lookup happens outside the lock; the existence check inside
// it decides whether the result may be applied.
func (r *Reconciler) refresh(ctx context.Context, id string, kind runtime.EventKind) {
	if _, ok := r.reg.Get(id); !ok {
		r.log.Debug("ignoring event for unknown container", "id", id, "kind", kind)
		return
	}

	var f entity.Fields
	st, found, err := r.rt.Status(ctx, id)
	switch {
	case err != nil:
		r.log.Warn("container status lookup failed, deriving state from event", "id", id, "err", err)
		f.State = entity.Ptr(stateAfter(kind))
	case !found:
		r.log.Warn("container status not found, deriving state from event", "id", id)
		f.State = entity.Ptr(stateAfter(kind))
	default:
		f = st.Fields()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reg.Get(id); !ok {
		return
	}
	rec, err := r.reg.Upsert(id, f, entity.SourceEvent)
	if err != nil {
		r.log.Error("failed to refresh container", "id", id, "err", err)
		return
	}
	r.publishState(rec)
}

// ApplyPoll merges one stats and one status snapshot into known containers,
// then republishes the state of every registered container. Samples for
// unknown ids are dropped.
func (r *Reconciler) ApplyPoll(ctx context.Context, stats []runtime.StatsSample, statuses []runtime.StatusSample, hostCPUs int) {
	_, span := r.tracer.Start(ctx, "reconcile.poll", trace.WithAttributes(
		attribute.Int("samples.stats", len(stats)),
		attribute.Int("samples.status", len(statuses)),
	))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range stats {
		// MergeStats logs unknown ids itself.
		_ = r.reg.MergeStats(entity.ShortID(s.ID), s.Stats(hostCPUs))
	}
	for _, s := range statuses {
		id := entity.ShortID(s.ID)
		if _, err := r.reg.Upsert(id, s.Fields(), entity.SourcePoll); err != nil && !errors.Is(err, registry.ErrUnknownEntity) {
			r.log.Error("failed to refresh container status", "id", id, "err", err)
		}
	}
	for _, rec := range r.reg.All() {
		r.publishState(rec)
	}
}

// ClearOrphan clears the retained discovery document at topic unless id is
// a known container. It holds the reconcile lock, so a registration of the
// same id either completes first or runs after the clear and republishes.
func (r *Reconciler) ClearOrphan(topic, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.reg.Get(id); known {
		return false
	}
	r.pub.Clear(topic)
	return true
}

// Resync republishes discovery documents and state for every container.
// It runs after each transport connect because publishes made while
// disconnected were dropped.
func (r *Reconciler) Resync(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.reg.All()
	for _, rec := range recs {
		r.register(ctx, rec)
	}
	r.log.Info("resynced containers", "count", len(recs))
}

// Run drains q until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, q *Queue) error {
	for {
		ev, ok := q.Pop(ctx, r.opts.PopWait)
		if ctx.Err() != nil {
			return nil
		}
		if !ok {
			if r.opts.OnHeartbeat != nil {
				r.opts.OnHeartbeat()
			}
			continue
		}
		r.HandleEvent(ctx, ev)
	}
}

// register publishes rec's discovery documents and marks it registered.
// Callers hold r.mu.
func (r *Reconciler) register(ctx context.Context, rec entity.Record) {
	if err := r.pub.RegisterEntity(ctx, rec); err != nil {
		r.log.Warn("registration incomplete", "id", rec.ID, "err", err)
	}
	if err := r.reg.MarkRegistered(rec.ID); err != nil {
		r.log.Error("failed to mark container registered", "id", rec.ID, "err", err)
	}
}

// publishState sends state values of a registered record. Callers hold r.mu.
func (r *Reconciler) publishState(rec entity.Record) {
	if rec.Registration != entity.Registered {
		return
	}
	r.pub.PublishState(rec)
}

// stateAfter is the state implied by an event when the runtime cannot be
// asked directly.
func stateAfter(kind runtime.EventKind) entity.State {
	switch kind {
	case runtime.EventStart, runtime.EventUnpause:
		return entity.StateRunning
	case runtime.EventPause:
		return entity.StatePaused
	case runtime.EventDie, runtime.EventStop:
		return entity.StateExited
	default:
		return entity.StateUnknown
	}
}
