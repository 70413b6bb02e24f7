package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/runtime"
)

var _ runtime.Runtime = (*Runtime)(nil)

// Call records a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Container is a fake container.
type Container struct {
	ID     string
	Name   string
	Image  string
	Status string
	State  entity.State
	Stats  runtime.StatsSample
}

type feed struct {
	events chan runtime.Event
	errs   chan error
}

// Runtime is an in-memory implementation of runtime.Runtime.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container
	hostCPUs   int
	calls      []Call
	feed       *feed
	pending    []runtime.Event
	feeds      int

	// ExtraStats are appended to every Stats snapshot, e.g. for containers
	// the bridge has never seen.
	ExtraStats []runtime.StatsSample

	EventsErr   func(ctx context.Context) error
	StatsErr    func(ctx context.Context) error
	ListErr     func(ctx context.Context) error
	StatusErr   func(ctx context.Context, id string) error
	HostCPUsErr func(ctx context.Context) error
	StartErr    func(ctx context.Context, id string) error
	StopErr     func(ctx context.Context, id string) error
	RestartErr  func(ctx context.Context, id string) error
}

// NewRuntime creates an empty Runtime on a 4-CPU host.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		hostCPUs:   4,
	}
}

func (r *Runtime) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns recorded calls. If method is "", returns all calls.
func (r *Runtime) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Put adds or replaces a container.
func (r *Runtime) Put(c Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Stats.ID == "" {
		c.Stats.ID = c.ID
	}
	cp := c
	r.containers[c.ID] = &cp
}

// Delete removes a container.
func (r *Runtime) Delete(id string) {
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
}

// SetHostCPUs sets the value reported by HostCPUs.
func (r *Runtime) SetHostCPUs(n int) {
	r.mu.Lock()
	r.hostCPUs = n
	r.mu.Unlock()
}

// Emit delivers ev on the open event feed, or on the next one opened.
func (r *Runtime) Emit(ev runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feed == nil {
		r.pending = append(r.pending, ev)
		return
	}
	r.feed.events <- ev
}

// FailFeed ends the open event feed with err.
func (r *Runtime) FailFeed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feed == nil {
		return
	}
	r.feed.errs <- err
	close(r.feed.events)
	r.feed = nil
}

// FeedsOpened reports how many times Events was called successfully.
func (r *Runtime) FeedsOpened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds
}

func (r *Runtime) Events(ctx context.Context, since time.Time) (<-chan runtime.Event, <-chan error) {
	r.mu.Lock()
	r.record("Events", since)
	r.mu.Unlock()

	errs := make(chan error, 1)
	if r.EventsErr != nil {
		if err := r.EventsErr(ctx); err != nil {
			events := make(chan runtime.Event)
			errs <- err
			close(events)
			return events, errs
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f := &feed{events: make(chan runtime.Event, 256), errs: errs}
	for _, ev := range r.pending {
		f.events <- ev
	}
	r.pending = nil
	r.feed = f
	r.feeds++
	return f.events, f.errs
}

func (r *Runtime) Stats(ctx context.Context) ([]runtime.StatsSample, error) {
	r.mu.Lock()
	r.record("Stats")
	r.mu.Unlock()
	if r.StatsErr != nil {
		if err := r.StatsErr(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.StatsSample, 0, len(r.containers)+len(r.ExtraStats))
	for _, c := range r.sorted() {
		out = append(out, c.Stats)
	}
	return append(out, r.ExtraStats...), nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.StatusSample, error) {
	r.mu.Lock()
	r.record("List")
	r.mu.Unlock()
	if r.ListErr != nil {
		if err := r.ListErr(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.StatusSample, 0, len(r.containers))
	for _, c := range r.sorted() {
		out = append(out, status(c))
	}
	return out, nil
}

func (r *Runtime) Status(ctx context.Context, id string) (runtime.StatusSample, bool, error) {
	r.mu.Lock()
	r.record("Status", id)
	r.mu.Unlock()
	if r.StatusErr != nil {
		if err := r.StatusErr(ctx, id); err != nil {
			return runtime.StatusSample{}, false, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return runtime.StatusSample{}, false, nil
	}
	return status(c), true, nil
}

func (r *Runtime) HostCPUs(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.record("HostCPUs")
	r.mu.Unlock()
	if r.HostCPUsErr != nil {
		if err := r.HostCPUsErr(ctx); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostCPUs, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.control(ctx, "Start", r.StartErr, id, entity.StateRunning, "Up Less than a second")
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	return r.control(ctx, "Stop", r.StopErr, id, entity.StateExited, "Exited (0) Less than a second ago")
}

func (r *Runtime) Restart(ctx context.Context, id string) error {
	return r.control(ctx, "Restart", r.RestartErr, id, entity.StateRunning, "Up Less than a second")
}

func (r *Runtime) control(ctx context.Context, method string, hook func(context.Context, string) error, id string, state entity.State, status string) error {
	r.mu.Lock()
	r.record(method, id)
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", strings.ToLower(method), id, runtime.ErrContainerNotFound)
	}
	c.State = state
	c.Status = status
	return nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	r.record("Close")
	r.mu.Unlock()
	return nil
}

func (r *Runtime) sorted() []*Container {
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func status(c *Container) runtime.StatusSample {
	return runtime.StatusSample{
		ID:     c.ID,
		Name:   c.Name,
		Image:  c.Image,
		Status: c.Status,
		State:  c.State,
	}
}
