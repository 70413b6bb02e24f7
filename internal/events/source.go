// Package events turns the runtime's lifecycle feed into a restartable,
// infinite sequence of watched container events.
package events

import (
	"context"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"docker2mqtt/internal/runtime"
)

const (
	// CursorName keys the persisted position of the event feed.
	CursorName          = "docker-events"
	defaultRestartDelay = time.Second
)

// Feed opens the runtime event stream starting at since. A zero since means
// "from now".
type Feed interface {
	Events(ctx context.Context, since time.Time) (<-chan runtime.Event, <-chan error)
}

type Options struct {
	// RestartDelay is the pause before reopening a failed or closed feed.
	RestartDelay time.Duration
	// Cursor persists the time of the last yielded event.
	Cursor CursorStore
}

// Source yields watched events from a Feed, reopening it on failure.
type Source struct {
	feed Feed
	opts Options
	log  *slog.Logger
}

func NewSource(feed Feed, opts Options) *Source {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	if opts.Cursor == nil {
		opts.Cursor = NewMemoryCursor()
	}
	return &Source{
		feed: feed,
		opts: opts,
		log:  slog.With("component", "events"),
	}
}

// All returns the event sequence. It ends only when ctx is cancelled or the
// consumer stops iterating. Unwatched and malformed events never reach the
// consumer.
func (s *Source) All(ctx context.Context) iter.Seq[runtime.Event] {
	return func(yield func(runtime.Event) bool) {
		since := s.loadCursor(ctx)
		for {
			if ctx.Err() != nil {
				return
			}
			last, stopped := s.stream(ctx, since, yield)
			if stopped {
				return
			}
			if last.After(since) {
				since = last
			}
			if !sleepContext(ctx, s.opts.RestartDelay) {
				return
			}
			s.log.Info("restarting event feed", "since", since)
		}
	}
}

// Run pushes every event into sink until ctx is cancelled.
func (s *Source) Run(ctx context.Context, sink func(runtime.Event)) error {
	for ev := range s.All(ctx) {
		sink(ev)
	}
	return nil
}

// stream consumes one feed until it fails or closes. It returns the time of
// the last yielded event and whether iteration must stop.
func (s *Source) stream(ctx context.Context, since time.Time, yield func(runtime.Event) bool) (time.Time, bool) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	last := since
	events, errs := s.feed.Events(streamCtx, since)
	for {
		select {
		case <-ctx.Done():
			return last, true
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				s.log.Warn("event feed failed", "err", err)
				return last, false
			}
		case ev, ok := <-events:
			if !ok {
				s.log.Warn("event feed closed")
				return last, false
			}
			if ev.ID == "" {
				s.log.Warn("dropping event without container id", "kind", ev.Kind)
				continue
			}
			if !ev.Time.IsZero() && ev.Time.Before(last) {
				continue
			}
			if !runtime.Watched(ev.Kind) {
				continue
			}
			if !yield(ev) {
				return last, true
			}
			if !ev.Time.IsZero() {
				last = ev.Time
				s.storeCursor(ctx, last)
			}
		}
	}
}

func (s *Source) loadCursor(ctx context.Context) time.Time {
	v, ok, err := s.opts.Cursor.GetCursor(ctx, CursorName)
	if err != nil {
		s.log.Warn("failed to load event cursor, starting from now", "err", err)
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.log.Warn("ignoring malformed event cursor", "value", v)
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Source) storeCursor(ctx context.Context, t time.Time) {
	if err := s.opts.Cursor.SetCursor(ctx, CursorName, strconv.FormatInt(t.UnixNano(), 10), time.Now()); err != nil {
		s.log.Warn("failed to persist event cursor", "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
