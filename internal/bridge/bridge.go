// Package bridge wires the runtime, the broker and the reconciliation
// components together and runs them until shutdown.
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"docker2mqtt/config"
	"docker2mqtt/internal/adapter/docker"
	"docker2mqtt/internal/adapter/dockercli"
	"docker2mqtt/internal/adapter/sqlite"
	"docker2mqtt/internal/command"
	"docker2mqtt/internal/discovery"
	"docker2mqtt/internal/events"
	"docker2mqtt/internal/mqtt"
	"docker2mqtt/internal/poller"
	"docker2mqtt/internal/reconcile"
	"docker2mqtt/internal/registry"
	"docker2mqtt/internal/runtime"
	"docker2mqtt/internal/telemetry"
	"docker2mqtt/internal/topic"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"
)

// Deps are the external collaborators of a Bridge.
type Deps struct {
	Runtime runtime.Runtime
	Dialer  mqtt.Dialer
	// Ledger and Cursor default to in-memory stores.
	Ledger discovery.Ledger
	Cursor events.CursorStore
	// HostCPUs overrides runtime and host CPU detection when positive.
	HostCPUs int
	Tracing  *telemetry.Provider
	// Closers run after the bridge stops, in order.
	Closers []io.Closer
}

// Bridge owns one running instance of every component.
type Bridge struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger

	transport  *mqtt.Manager
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	commands   *command.Handler
	source     *events.Source
	poller     *poller.Poller
	queue      *reconcile.Queue
}

// Wire builds production dependencies from cfg.
func Wire(ctx context.Context, cfg config.Config) (*Bridge, error) {
	deps := Deps{
		Dialer:  mqtt.PahoDialer{},
		Tracing: telemetry.NewProvider(cfg.Tracing, slog.Default()),
	}
	deps.Tracing.Install()

	switch cfg.Runtime.Driver {
	case config.DriverCLI:
		var opts []dockercli.Option
		if cfg.Runtime.DockerBinary != "" {
			opts = append(opts, dockercli.WithBinary(cfg.Runtime.DockerBinary))
		}
		deps.Runtime = dockercli.New(opts...)
	default:
		rt, err := docker.NewRuntime()
		if err != nil {
			return nil, err
		}
		if err := rt.WaitReady(ctx); err != nil {
			_ = rt.Close()
			return nil, err
		}
		deps.Runtime = rt
	}
	deps.Closers = append(deps.Closers, deps.Runtime)

	if cfg.DataDir != "" {
		store, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			_ = deps.Runtime.Close()
			return nil, err
		}
		deps.Ledger = store
		deps.Cursor = store
		deps.Closers = append(deps.Closers, store)
	}
	return New(ctx, cfg, deps), nil
}

// New assembles a Bridge from explicit dependencies.
func New(ctx context.Context, cfg config.Config, deps Deps) *Bridge {
	if deps.Tracing == nil {
		deps.Tracing = telemetry.NewProvider(false, nil)
	}
	scheme := topic.Scheme{
		Prefix:          cfg.TopicPrefix,
		DiscoveryPrefix: cfg.DiscoveryPrefix,
		Hostname:        cfg.Hostname,
	}
	qos := byte(cfg.MQTT.QoS)

	b := &Bridge{
		cfg:      cfg,
		deps:     deps,
		log:      slog.With("component", "bridge"),
		registry: registry.New(),
		queue:    reconcile.NewQueue(),
	}
	b.transport = mqtt.NewManager(mqtt.Options{
		Dialer:        deps.Dialer,
		Broker:        cfg.MQTT.Broker(),
		ClientID:      cfg.MQTT.ClientID,
		Username:      cfg.MQTT.User,
		Password:      cfg.MQTT.Password,
		KeepAlive:     cfg.MQTT.KeepAlive,
		QoS:           qos,
		PresenceTopic: scheme.Presence(),
		RetryDelay:    cfg.MQTT.ReconnectDelay,
		Debug:         cfg.MQTTDebug,
	})

	pub := discovery.NewPublisher(b.transport, deps.Ledger, discovery.Options{
		Scheme:        scheme,
		QoS:           qos,
		StatsInterval: cfg.StatsInterval,
	})
	b.reconciler = reconcile.New(b.registry, deps.Runtime, pub, reconcile.Options{
		Tracer:      deps.Tracing.Tracer("docker2mqtt/reconcile"),
		OnHeartbeat: b.heartbeat(),
	})
	b.commands = command.New(deps.Runtime, b.registry, b.transport, command.Options{
		Scheme:        scheme,
		ActionTimeout: cfg.Runtime.ActionTimeout,
		Tracer:        deps.Tracing.Tracer("docker2mqtt/command"),
		Janitor:       b.reconciler,
	})
	b.source = events.NewSource(deps.Runtime, events.Options{
		RestartDelay: cfg.Runtime.RestartDelay,
		Cursor:       deps.Cursor,
	})
	b.poller = poller.New(deps.Runtime, b.reconciler, poller.Options{
		Interval: cfg.StatsInterval,
		HostCPUs: b.hostCPUs(ctx),
	})
	return b
}

// Run connects to the broker, bootstraps the registry from a full listing
// and then runs every component until ctx is cancelled. Events that arrive
// before the bootstrap completes wait in the queue. Discovery cleanup is
// subscribed only after the bootstrap, so the retained replay is checked
// against a populated registry. On return presence is offline and the
// closers have run.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.close()

	handler := b.commands.Handler(ctx)
	b.transport.Subscribe(b.commands.CommandFilter(), handler)
	connected := make(chan struct{})
	var once sync.Once
	b.transport.OnConnect(func() {
		once.Do(func() { close(connected) })
		b.reconciler.Resync(ctx)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.transport.Run(gctx)
	})
	g.Go(func() error {
		return b.source.Run(gctx, b.queue.Push)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-connected:
		}
		if err := b.bootstrap(gctx); err != nil {
			return nil
		}
		for _, f := range b.commands.CleanupFilters() {
			b.transport.Subscribe(f, handler)
		}

		loops, lctx := errgroup.WithContext(gctx)
		loops.Go(func() error {
			return b.poller.Run(lctx)
		})
		loops.Go(func() error {
			return b.reconciler.Run(lctx, b.queue)
		})
		return loops.Wait()
	})
	return g.Wait()
}

// bootstrap retries the initial listing at the broker retry interval until
// it succeeds or ctx ends.
func (b *Bridge) bootstrap(ctx context.Context) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return b.reconciler.Bootstrap(ctx)
	}
	notify := func(err error, next time.Duration) {
		b.log.Error("initial container listing failed, retrying", "err", err, "retry_in", next)
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(b.cfg.MQTT.ReconnectDelay), ctx)
	return backoff.RetryNotify(op, bo, notify)
}

// Transport exposes the broker connection state.
func (b *Bridge) Transport() *mqtt.Manager { return b.transport }

// Registry exposes the read side of the entity registry.
func (b *Bridge) Registry() registry.Reader { return b.registry }

// heartbeat logs transport state changes from the reconciler loop.
func (b *Bridge) heartbeat() func() {
	last := mqtt.Disconnected
	return func() {
		cur := b.transport.State()
		if cur == last {
			return
		}
		b.log.Info("mqtt transport state changed", "from", last, "to", cur)
		last = cur
	}
}

func (b *Bridge) hostCPUs(ctx context.Context) int {
	if b.deps.HostCPUs > 0 {
		return b.deps.HostCPUs
	}
	n, err := b.deps.Runtime.HostCPUs(ctx)
	if err == nil && n > 0 {
		return n
	}
	if err != nil {
		b.log.Warn("runtime did not report its cpu count, using local count", "err", err)
	}
	n, err = cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		b.log.Warn("host cpu count unknown, normalized cpu usage disabled", "err", err)
		return 0
	}
	return n
}

func (b *Bridge) close() {
	var errs []error
	for _, c := range b.deps.Closers {
		errs = append(errs, c.Close())
	}
	b.deps.Tracing.Close()
	if err := errors.Join(errs...); err != nil {
		b.log.Warn("shutdown incomplete", "err", err)
	}
}
