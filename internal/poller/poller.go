// Package poller periodically snapshots container resource usage and status
// and hands both snapshots to the reconciler.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docker2mqtt/internal/runtime"
)

const defaultInterval = 5 * time.Second

// Snapshotter is the runtime side of a poll cycle.
type Snapshotter interface {
	Stats(ctx context.Context) ([]runtime.StatsSample, error)
	List(ctx context.Context) ([]runtime.StatusSample, error)
}

// Sink merges a poll into known containers. Production: *reconcile.Reconciler.
type Sink interface {
	ApplyPoll(ctx context.Context, stats []runtime.StatsSample, statuses []runtime.StatusSample, hostCPUs int)
}

type Options struct {
	Interval time.Duration
	// HostCPUs normalizes CPU usage; zero or less leaves it unnormalized.
	HostCPUs int
}

type Poller struct {
	src  Snapshotter
	sink Sink
	opts Options
	log  *slog.Logger
}

func New(src Snapshotter, sink Sink, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Poller{
		src:  src,
		sink: sink,
		opts: opts,
		log:  slog.With("component", "poller"),
	}
}

// Poll runs one cycle. Snapshots are taken before the sink is entered so
// runtime latency never holds the reconciler lock.
func (p *Poller) Poll(ctx context.Context) error {
	stats, err := p.src.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats snapshot: %w", err)
	}
	statuses, err := p.src.List(ctx)
	if err != nil {
		return fmt.Errorf("status snapshot: %w", err)
	}
	p.sink.ApplyPoll(ctx, stats, statuses, p.opts.HostCPUs)
	return nil
}

// Run polls immediately and then every interval until ctx is cancelled.
// Failed cycles are logged and skipped.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poll cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
