package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docker2mqtt/internal/adapter/fake"
	"docker2mqtt/internal/discovery"
	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/registry"
	"docker2mqtt/internal/runtime"
	"docker2mqtt/internal/topic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scheme = topic.Scheme{Prefix: "docker", DiscoveryPrefix: "homeassistant", Hostname: "nas"}

const fullID = "abc123def4567890"

type env struct {
	rt     *fake.Runtime
	reg    *registry.Registry
	broker *fake.Broker
	ledger *discovery.MemoryLedger
	pub    *discovery.Publisher
	rec    *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		rt:     fake.NewRuntime(),
		reg:    registry.New(),
		broker: fake.NewBroker(),
		ledger: discovery.NewMemoryLedger(),
	}
	e.pub = discovery.NewPublisher(e.broker, e.ledger, discovery.Options{Scheme: scheme, QoS: 1, StatsInterval: 5 * time.Second})
	e.rec = New(e.reg, e.rt, e.pub, Options{PopWait: 10 * time.Millisecond})
	return e
}

func (e *env) retained(t string) string { return e.broker.Retained()[t] }

func (e *env) entityTopics(id string) []string {
	var out []string
	for _, tp := range e.broker.RetainedTopics() {
		if d, ok := scheme.ParseDiscovery(tp); ok && d.ID == id {
			out = append(out, tp)
			continue
		}
		if strings.HasPrefix(tp, "docker/"+id+"/") {
			out = append(out, tp)
		}
	}
	return out
}

func createEvent(name string) runtime.Event {
	return runtime.Event{Kind: runtime.EventCreate, ID: fullID, Name: name, Image: "nginx:latest"}
}

func TestBootstrapRegistersListingAndSweepsStale(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rt.Put(fake.Container{ID: "aaa111", Name: "db", Image: "postgres", Status: "Up 1 hour", State: entity.StateRunning})
	e.rt.Put(fake.Container{ID: "bbb222", Name: "job", Image: "busybox", Status: "Exited (0)", State: entity.StateExited})

	// Left over from a previous run.
	stale := discovery.NewPublisher(e.broker, e.ledger, discovery.Options{Scheme: scheme, QoS: 1, StatsInterval: 5 * time.Second})
	require.NoError(t, stale.RegisterEntity(ctx, entity.Record{ID: "old999", Name: "gone", State: entity.StateExited, Stats: entity.ZeroStats()}))
	require.NotEmpty(t, e.entityTopics("old999"))

	require.NoError(t, e.rec.Bootstrap(ctx))

	assert.Equal(t, 2, e.reg.Len())
	rec, ok := e.reg.Get("aaa111")
	require.True(t, ok)
	assert.Equal(t, entity.Registered, rec.Registration)
	assert.Equal(t, "running", e.retained("docker/aaa111/state"))
	assert.Equal(t, "exited", e.retained("docker/bbb222/state"))
	assert.Empty(t, e.entityTopics("old999"))
}

func TestBootstrapListFailure(t *testing.T) {
	e := newEnv(t)
	e.rt.ListErr = func(context.Context) error { return errors.New("daemon down") }
	require.Error(t, e.rec.Bootstrap(t.Context()))
	assert.Zero(t, e.reg.Len())
}

func TestCreateEventRegisters(t *testing.T) {
	e := newEnv(t)
	e.rec.HandleEvent(t.Context(), createEvent("web1"))

	rec, ok := e.reg.Get("abc123def456")
	require.True(t, ok)
	assert.Equal(t, entity.Registered, rec.Registration)
	assert.Equal(t, "web1", rec.Name)
	assert.Equal(t, "off", e.retained("docker/abc123def456/state"))
	assert.Equal(t, "created", e.retained("docker/abc123def456/status"))
	assert.Equal(t, "nginx:latest", e.retained("docker/abc123def456/image"))
	assert.Contains(t, e.broker.Retained(), scheme.Discovery("button", "abc123def456", "restart"))
	assert.Equal(t, []string{topic.Sentinel}, e.broker.PublishedTo("docker/abc123def456/commands"))
}

func TestRenamePreservesIdentity(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))
	before := e.entityTopics("abc123def456")

	e.rec.HandleEvent(ctx, runtime.Event{Kind: runtime.EventRename, ID: fullID, Name: "web2", OldName: "/web1"})

	assert.Equal(t, before, e.entityTopics("abc123def456"))
	rec, _ := e.reg.Get("abc123def456")
	assert.Equal(t, "web2", rec.Name)
	assert.Equal(t, "nginx:latest", rec.Image)
	assert.Equal(t, "abc123def456", rec.ID)
	assert.Contains(t, e.retained(scheme.Discovery("sensor", "abc123def456", "cpu")), `"name":"web2 CPU Usage"`)
	assert.Contains(t, e.retained(scheme.Discovery("sensor", "abc123def456", "cpu")), `"unique_id":"abc123def456.cpu"`)
}

func TestRenameUnknownCreates(t *testing.T) {
	e := newEnv(t)
	e.rec.HandleEvent(t.Context(), runtime.Event{Kind: runtime.EventRename, ID: fullID, Name: "web2", Image: "nginx"})
	rec, ok := e.reg.Get("abc123def456")
	require.True(t, ok)
	assert.Equal(t, "web2", rec.Name)
	assert.Equal(t, entity.StateOff, rec.State)
}

func TestDestroyTombstonesThenRemoves(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))
	e.rec.ApplyPoll(ctx, []runtime.StatsSample{{ID: "abc123def456", CPUPercent: 40}}, nil, 4)
	require.Equal(t, "10", e.retained("docker/abc123def456/1cpu"))

	e.rec.HandleEvent(ctx, runtime.Event{Kind: runtime.EventDestroy, ID: fullID, Name: "web1"})

	_, ok := e.reg.Get("abc123def456")
	assert.False(t, ok)
	assert.Empty(t, e.entityTopics("abc123def456"))

	// Later references are rejected as unknown.
	e.rec.ApplyPoll(ctx, []runtime.StatsSample{{ID: "abc123def456", CPUPercent: 5}}, []runtime.StatusSample{{ID: "abc123def456", Name: "web1", State: entity.StateRunning}}, 4)
	assert.Zero(t, e.reg.Len())
	assert.Empty(t, e.entityTopics("abc123def456"))

	// Destroying again is logged and ignored.
	e.broker.Reset()
	e.rec.HandleEvent(ctx, runtime.Event{Kind: runtime.EventDestroy, ID: fullID})
	assert.Empty(t, e.broker.Published())
}

func TestStateEventRefreshesFromRuntime(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))
	e.rt.Put(fake.Container{ID: "abc123def456", Name: "web1", Image: "nginx:1.27", Status: "Up 1 second", State: entity.StateRunning})

	e.rec.HandleEvent(ctx, runtime.Event{Kind: runtime.EventStart, ID: fullID, Name: "web1"})

	rec, _ := e.reg.Get("abc123def456")
	assert.Equal(t, entity.StateRunning, rec.State)
	assert.Equal(t, "nginx:1.27", rec.Image)
	assert.Equal(t, "running", e.retained("docker/abc123def456/state"))
	assert.Equal(t, "Up 1 second", e.retained("docker/abc123def456/status"))
}

func TestStateEventFallsBackToEventKind(t *testing.T) {
	tests := []struct {
		kind runtime.EventKind
		want entity.State
	}{
		{runtime.EventDie, entity.StateExited},
		{runtime.EventStop, entity.StateExited},
		{runtime.EventPause, entity.StatePaused},
		{runtime.EventUnpause, entity.StateRunning},
		{runtime.EventStart, entity.StateRunning},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := newEnv(t)
			ctx := t.Context()
			e.rec.HandleEvent(ctx, createEvent("web1"))
			e.rt.StatusErr = func(context.Context, string) error { return errors.New("timeout") }

			e.rec.HandleEvent(ctx, runtime.Event{Kind: tt.kind, ID: fullID})
			rec, _ := e.reg.Get("abc123def456")
			assert.Equal(t, tt.want, rec.State)
			assert.Equal(t, "created", rec.Status)
		})
	}
}

func TestStateEventForUnknownIsIgnored(t *testing.T) {
	e := newEnv(t)
	e.rec.HandleEvent(t.Context(), runtime.Event{Kind: runtime.EventDie, ID: fullID})
	assert.Zero(t, e.reg.Len())
	assert.Empty(t, e.rt.Calls("Status"))
	assert.Empty(t, e.broker.Published())
}

func TestPollNeverCreates(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))

	e.rec.ApplyPoll(ctx,
		[]runtime.StatsSample{{ID: "zzz", CPUPercent: 99}},
		[]runtime.StatusSample{{ID: "zzz", Name: "ghost", State: entity.StateRunning}},
		4)

	assert.Equal(t, 1, e.reg.Len())
	_, ok := e.reg.Get("zzz")
	assert.False(t, ok)
	assert.Empty(t, e.entityTopics("zzz"))
}

func TestPollMergesAndNormalizes(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))

	e.rec.ApplyPoll(ctx, []runtime.StatsSample{{
		ID: "abc123def456", CPUPercent: 200, MemoryPercent: 3.5,
		MemoryUsage: "10MiB / 1GiB", NetIO: "1kB / 2kB", PIDs: 7, BlockIO: "0B / 4kB",
	}}, []runtime.StatusSample{{ID: "abc123def456", Name: "web1", Image: "nginx:latest", Status: "Up 5 seconds", State: entity.StateRunning}}, 4)

	rec, _ := e.reg.Get("abc123def456")
	require.NotNil(t, rec.Stats.NormalizedCPUPercent)
	assert.InDelta(t, 50.0, *rec.Stats.NormalizedCPUPercent, 1e-9)
	assert.Equal(t, entity.StateRunning, rec.State)
	assert.Equal(t, "200", e.retained("docker/abc123def456/cpu"))
	assert.Equal(t, "50", e.retained("docker/abc123def456/1cpu"))
	assert.Equal(t, "7", e.retained("docker/abc123def456/pids"))
	assert.Equal(t, "10MiB / 1GiB", e.retained("docker/abc123def456/memory_usage"))

	// Without a host CPU count the normalized value is left unchanged.
	e.rec.ApplyPoll(ctx, []runtime.StatsSample{{ID: "abc123def456", CPUPercent: 100}}, nil, 0)
	rec, _ = e.reg.Get("abc123def456")
	assert.InDelta(t, 50.0, *rec.Stats.NormalizedCPUPercent, 1e-9)
	assert.Equal(t, "100", e.retained("docker/abc123def456/cpu"))
}

func TestConcurrentPollCannotResurrectDestroyed(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := newEnv(t)
		ctx := context.Background()
		e.rec.HandleEvent(ctx, createEvent("web1"))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 20; j++ {
					e.rec.ApplyPoll(ctx,
						[]runtime.StatsSample{{ID: "abc123def456", CPUPercent: float64(j)}},
						[]runtime.StatusSample{{ID: "abc123def456", Name: "web1", State: entity.StateRunning}},
						2)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			e.rec.HandleEvent(ctx, runtime.Event{Kind: runtime.EventDestroy, ID: fullID})
		}()
		close(start)
		wg.Wait()

		_, ok := e.reg.Get("abc123def456")
		require.False(t, ok, "iteration %d resurrected a destroyed container", i)
		require.Empty(t, e.entityTopics("abc123def456"), "iteration %d left retained topics", i)
	}
}

func TestClearOrphan(t *testing.T) {
	e := newEnv(t)
	e.rec.HandleEvent(t.Context(), createEvent("web1"))
	live := scheme.Discovery("sensor", "abc123def456", "state")
	orphan := scheme.Discovery("sensor", "dead00", "state")
	e.broker.Publish(orphan, `{"name":"gone"}`, true)

	assert.False(t, e.rec.ClearOrphan(live, "abc123def456"))
	assert.True(t, e.rec.ClearOrphan(orphan, "dead00"))
	assert.NotEmpty(t, e.retained(live))
	assert.NotContains(t, e.broker.Retained(), orphan)
}

func TestClearOrphanRacingBootstrapKeepsDocument(t *testing.T) {
	live := scheme.Discovery("sensor", "abc123def456", "state")
	for i := range 50 {
		e := newEnv(t)
		e.rt.Put(fake.Container{ID: fullID, Name: "web1", Image: "nginx", Status: "Up", State: entity.StateRunning})
		// The retained document left by a previous run.
		e.broker.Publish(live, `{"name":"web1 State"}`, true)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, e.rec.Bootstrap(t.Context()))
		}()
		go func() {
			defer wg.Done()
			<-start
			e.rec.ClearOrphan(live, "abc123def456")
		}()
		close(start)
		wg.Wait()

		require.NotEmpty(t, e.retained(live), "iteration %d lost the discovery document of a live container", i)
	}
}

func TestResyncRepublishesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	e.rec.HandleEvent(ctx, createEvent("web1"))
	want := e.broker.Retained()

	// A broker that lost its retained store.
	fresh := fake.NewBroker()
	e.pub = discovery.NewPublisher(fresh, e.ledger, discovery.Options{Scheme: scheme, QoS: 1, StatsInterval: 5 * time.Second})
	e.rec.pub = e.pub
	e.rec.Resync(ctx)

	assert.Equal(t, want, fresh.Retained())
	assert.Equal(t, []string{topic.Sentinel}, fresh.PublishedTo("docker/abc123def456/commands"))
}

func TestRunDrainsQueueAndBeats(t *testing.T) {
	e := newEnv(t)
	var beats atomic.Int32
	e.rec.opts.OnHeartbeat = func() { beats.Add(1) }

	q := NewQueue()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.rec.Run(ctx, q) }()

	q.Push(createEvent("web1"))
	q.Push(runtime.Event{Kind: runtime.EventRename, ID: fullID, Name: "web2"})
	require.Eventually(t, func() bool {
		rec, ok := e.reg.Get("abc123def456")
		return ok && rec.Name == "web2"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return beats.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestQueuePop(t *testing.T) {
	q := NewQueue()
	ctx := t.Context()

	_, ok := q.Pop(ctx, 10*time.Millisecond)
	assert.False(t, ok)

	q.Push(runtime.Event{ID: "a"})
	q.Push(runtime.Event{ID: "b"})
	assert.Equal(t, 2, q.Len())
	ev, ok := q.Pop(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "a", ev.ID)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(runtime.Event{ID: "c"})
	}()
	ev, _ = q.Pop(ctx, time.Second)
	assert.Equal(t, "b", ev.ID)
	ev, ok = q.Pop(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "c", ev.ID)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, ok = q.Pop(cctx, time.Second)
	assert.False(t, ok)
}
