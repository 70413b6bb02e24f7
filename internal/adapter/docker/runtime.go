package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/runtime"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"golang.org/x/sync/errgroup"
)

const statsConcurrency = 8

var _ runtime.Runtime = (*Runtime)(nil)

// Runtime implements runtime.Runtime using the Docker Engine API.
type Runtime struct {
	cli *client.Client
	log *slog.Logger
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewRuntimeFromClient(cli), nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli, log: slog.With("component", "docker")}
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

func (r *Runtime) Events(ctx context.Context, since time.Time) (<-chan runtime.Event, <-chan error) {
	opts := events.ListOptions{
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("type", string(events.ContainerEventType))),
	}
	if !since.IsZero() {
		opts.Since = fmt.Sprintf("%d.%09d", since.Unix(), since.Nanosecond())
	}
	msgs, errs := r.cli.Events(ctx, opts)

	out := make(chan runtime.Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && ctx.Err() == nil {
					outErr <- fmt.Errorf("docker events: %w", err)
				}
				return
			case m := <-msgs:
				select {
				case out <- toEvent(m):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}

func toEvent(m events.Message) runtime.Event {
	t := time.Unix(0, m.TimeNano)
	if m.TimeNano == 0 {
		t = time.Unix(m.Time, 0)
	}
	return runtime.Event{
		Kind:    runtime.EventKind(m.Action),
		ID:      m.Actor.ID,
		Image:   m.Actor.Attributes["image"],
		Name:    m.Actor.Attributes["name"],
		OldName: m.Actor.Attributes["oldName"],
		Time:    t,
	}
}

// Stats samples every container once. Running containers are sampled in
// parallel with stream=false so the previous CPU reading is populated;
// other containers report zero usage like `docker stats -a`.
func (r *Runtime) Stats(ctx context.Context) ([]runtime.StatsSample, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]runtime.StatsSample, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, c := range list {
		id := entity.ShortID(c.ID)
		if string(c.State) != string(entity.StateRunning) {
			out[i] = idleSample(id)
			continue
		}
		g.Go(func() error {
			s, err := r.sample(gctx, c.ID)
			if err != nil {
				if errdefs.IsNotFound(err) {
					r.log.Debug("container removed before stats sample", "id", id)
					out[i] = idleSample(id)
					return nil
				}
				return err
			}
			s.ID = id
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runtime) sample(ctx context.Context, id string) (runtime.StatsSample, error) {
	resp, err := r.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return runtime.StatsSample{}, fmt.Errorf("stats %s: %w", entity.ShortID(id), err)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return runtime.StatsSample{}, fmt.Errorf("decode stats %s: %w", entity.ShortID(id), err)
	}
	return sampleFromStats(&st), nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.StatusSample, error) {
	return r.list(ctx, container.ListOptions{All: true})
}

func (r *Runtime) Status(ctx context.Context, id string) (runtime.StatusSample, bool, error) {
	list, err := r.list(ctx, container.ListOptions{
		All:     true,
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("id", id)),
	})
	if err != nil {
		return runtime.StatusSample{}, false, err
	}
	s, ok := findStatus(list, id)
	return s, ok, nil
}

// findStatus picks the sample for id out of a listing. The id filter of the
// engine matches any id prefix, so unrelated containers can be listed too.
func findStatus(list []runtime.StatusSample, id string) (runtime.StatusSample, bool) {
	short := entity.ShortID(id)
	if short == "" {
		return runtime.StatusSample{}, false
	}
	for _, s := range list {
		if strings.HasPrefix(s.ID, short) {
			return s, true
		}
	}
	return runtime.StatusSample{}, false
}

func (r *Runtime) list(ctx context.Context, opts container.ListOptions) ([]runtime.StatusSample, error) {
	list, err := r.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]runtime.StatusSample, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, runtime.StatusSample{
			ID:     entity.ShortID(c.ID),
			Name:   name,
			Image:  c.Image,
			Status: c.Status,
			State:  entity.ParseState(string(c.State)),
		})
	}
	return out, nil
}

func (r *Runtime) HostCPUs(ctx context.Context) (int, error) {
	info, err := r.cli.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("docker info: %w", err)
	}
	return info.NCPU, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return classify("start", id, r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	return classify("stop", id, r.cli.ContainerStop(ctx, id, container.StopOptions{}))
}

func (r *Runtime) Restart(ctx context.Context, id string) error {
	return classify("restart", id, r.cli.ContainerRestart(ctx, id, container.StopOptions{}))
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func classify(action, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s %s: %w", action, id, runtime.ErrContainerNotFound)
	default:
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
}
