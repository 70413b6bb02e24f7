// Package command executes remote start/stop/restart requests received on
// per-entity command topics and clears orphaned discovery documents.
package command

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"docker2mqtt/internal/discovery"
	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/mqtt"
	"docker2mqtt/internal/registry"
	"docker2mqtt/internal/runtime"
	"docker2mqtt/internal/topic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultActionTimeout = 60 * time.Second

// Controller is the part of the runtime the handler drives.
type Controller interface {
	Status(ctx context.Context, id string) (runtime.StatusSample, bool, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
}

// Command is a request payload on a command topic.
type Command string

const (
	Stop    Command = "stop"
	Start   Command = "start"
	Restart Command = "restart"
)

// Janitor clears the retained discovery document at topic when id is not a
// known container, reporting whether it did.
// Production: *reconcile.Reconciler
type Janitor interface {
	ClearOrphan(topic, id string) bool
}

type Options struct {
	Scheme topic.Scheme
	// ActionTimeout bounds one runtime control call.
	ActionTimeout time.Duration
	Tracer        trace.Tracer
	// Janitor defaults to a registry lookup followed by an empty publish,
	// which is only safe when nothing registers containers concurrently.
	Janitor Janitor
}

// Handler implements the command topic turn-taking protocol: the topic idles
// on the sentinel, a request is executed at most once per entity at a time,
// and the sentinel is restored afterwards.
type Handler struct {
	rt     Controller
	reg    registry.Reader
	bus    discovery.Bus
	opts   Options
	tracer trace.Tracer
	log    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	cleaned  map[string]struct{}
}

func New(rt Controller, reg registry.Reader, bus discovery.Bus, opts Options) *Handler {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("docker2mqtt/command")
	}
	if opts.Janitor == nil {
		opts.Janitor = registryJanitor{reg: reg, bus: bus}
	}
	return &Handler{
		rt:       rt,
		reg:      reg,
		bus:      bus,
		opts:     opts,
		tracer:   tracer,
		log:      slog.With("component", "command"),
		inflight: make(map[string]struct{}),
		cleaned:  make(map[string]struct{}),
	}
}

// CommandFilter is the subscription for every command topic.
func (h *Handler) CommandFilter() string {
	return h.opts.Scheme.CommandWildcard()
}

// CleanupFilters lists one discovery filter per catalog kind. They must only
// be subscribed once the registry holds the initial listing, otherwise the
// retained replay would clear documents of live containers.
func (h *Handler) CleanupFilters() []string {
	s := h.opts.Scheme
	out := make([]string, 0, len(discovery.Catalog()))
	for _, k := range discovery.Catalog() {
		out = append(out, s.DiscoveryFilter(k.Component, k.Field))
	}
	return out
}

// Handler returns the transport callback, bound to ctx for runtime calls.
func (h *Handler) Handler(ctx context.Context) mqtt.Handler {
	return func(msg mqtt.Message) {
		h.HandleMessage(ctx, msg)
	}
}

// HandleMessage dispatches one inbound message.
func (h *Handler) HandleMessage(ctx context.Context, msg mqtt.Message) {
	if id, ok := h.opts.Scheme.ParseCommand(msg.Topic); ok {
		h.HandleCommand(ctx, id, string(msg.Payload))
		return
	}
	if h.opts.Scheme.IsDiscovery(msg.Topic) {
		h.cleanup(msg)
		return
	}
	h.log.Debug("ignoring message on unexpected topic", "topic", msg.Topic)
}

// HandleCommand runs a request for entity id. The sentinel and empty
// payloads are no-ops.
func (h *Handler) HandleCommand(ctx context.Context, id, payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == topic.Sentinel {
		return
	}
	log := h.log.With("id", id, "command", payload)

	if _, ok := h.reg.Get(id); !ok {
		log.Error("cannot find container for command", "err", registry.ErrUnknownEntity)
		return
	}
	if !h.acquire(id) {
		log.Warn("command already in progress for container, dropping")
		return
	}
	defer h.release(id)

	correlation := uuid.NewString()
	ctx, span := h.tracer.Start(ctx, "command.handle", trace.WithAttributes(
		attribute.String("container.id", id),
		attribute.String("command", payload),
		attribute.String("correlation_id", correlation),
	))
	defer span.End()
	log = log.With("correlation_id", correlation)

	st, found, err := h.rt.Status(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status lookup failed")
		log.Error("container status lookup failed", "err", err)
		return
	}
	if !found {
		span.SetStatus(codes.Error, "container not found")
		log.Error("cannot find container status for command")
		return
	}
	defer h.bus.Publish(h.opts.Scheme.Command(id), topic.Sentinel, false)

	action, ok := h.plan(Command(payload), st.State)
	if !ok {
		span.SetAttributes(attribute.Bool("command.skipped", true))
		log.Info("command not applicable to container state", "state", st.State)
		return
	}

	actx, cancel := context.WithTimeout(ctx, h.opts.ActionTimeout)
	defer cancel()
	if err := action(actx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "control action failed")
		log.Error("container command failed", "err", err)
		return
	}
	log.Info("container command executed")
}

// plan validates cmd against the observed state and returns the runtime
// action to execute.
func (h *Handler) plan(cmd Command, state entity.State) (func(context.Context, string) error, bool) {
	switch cmd {
	case Start:
		if state.Running() {
			return nil, false
		}
		return h.rt.Start, true
	case Stop:
		if !state.Running() {
			return nil, false
		}
		return h.rt.Stop, true
	case Restart:
		return h.rt.Restart, true
	default:
		return nil, false
	}
}

// cleanup clears a retained discovery document whose entity is unknown. Each
// topic is considered once per process lifetime.
func (h *Handler) cleanup(msg mqtt.Message) {
	if !msg.Retained || len(msg.Payload) == 0 {
		return
	}
	d, ok := h.opts.Scheme.ParseDiscovery(msg.Topic)
	if !ok {
		return
	}

	h.mu.Lock()
	_, seen := h.cleaned[msg.Topic]
	h.cleaned[msg.Topic] = struct{}{}
	h.mu.Unlock()
	if seen {
		return
	}
	if h.opts.Janitor.ClearOrphan(msg.Topic, d.ID) {
		h.log.Info("cleared discovery topic of unknown container", "id", d.ID, "topic", msg.Topic)
	}
}

type registryJanitor struct {
	reg registry.Reader
	bus discovery.Bus
}

func (j registryJanitor) ClearOrphan(t, id string) bool {
	if _, known := j.reg.Get(id); known {
		return false
	}
	j.bus.Publish(t, "", true)
	return true
}

func (h *Handler) acquire(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.inflight[id]; busy {
		return false
	}
	h.inflight[id] = struct{}{}
	return true
}

func (h *Handler) release(id string) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}
