// Package dockercli implements the runtime port on top of the docker CLI,
// reading its `--format {{json .}}` output one line at a time.
package dockercli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/runtime"
)

const jsonFormat = "{{json .}}"

var _ runtime.Runtime = (*Runtime)(nil)

// Runtime drives the docker CLI.
type Runtime struct {
	run Runner
	log *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBinary sets the docker executable. Defaults to "docker" (found via PATH).
func WithBinary(path string) Option {
	return func(r *Runtime) { r.run = execRunner{binary: path} }
}

// WithRunner replaces process execution entirely.
func WithRunner(run Runner) Option {
	return func(r *Runtime) { r.run = run }
}

func New(opts ...Option) *Runtime {
	r := &Runtime{
		run: execRunner{binary: "docker"},
		log: slog.With("component", "dockercli"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Events(ctx context.Context, since time.Time) (<-chan runtime.Event, <-chan error) {
	out := make(chan runtime.Event)
	errs := make(chan error, 1)

	args := []string{"events", "--filter", "type=container", "--format", jsonFormat}
	if !since.IsZero() {
		args = append(args, "--since", fmt.Sprintf("%d.%09d", since.Unix(), since.Nanosecond()))
	}
	stream, err := r.run.Stream(ctx, args...)
	if err != nil {
		errs <- err
		close(out)
		return out, errs
	}

	go func() {
		defer close(out)
		sc := bufio.NewScanner(stream)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			ev, err := runtime.ParseEventLine(line)
			if err != nil {
				r.log.Warn("dropping malformed event line", "err", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				_ = stream.Close()
				return
			}
		}
		scanErr := sc.Err()
		closeErr := stream.Close()
		if ctx.Err() != nil {
			return
		}
		switch {
		case scanErr != nil:
			errs <- fmt.Errorf("read docker events: %w", scanErr)
		case closeErr != nil:
			errs <- fmt.Errorf("docker events exited: %w", closeErr)
		default:
			errs <- errors.New("docker events exited")
		}
	}()
	return out, errs
}

func (r *Runtime) Stats(ctx context.Context) ([]runtime.StatsSample, error) {
	out, err := r.run.Output(ctx, "stats", "-a", "--no-stream", "--format", jsonFormat)
	if err != nil {
		return nil, err
	}
	return parseLines(r.log, out, runtime.ParseStatsLine), nil
}

func (r *Runtime) List(ctx context.Context) ([]runtime.StatusSample, error) {
	out, err := r.run.Output(ctx, "ps", "-a", "--no-trunc", "--format", jsonFormat)
	if err != nil {
		return nil, err
	}
	return parseLines(r.log, out, runtime.ParseStatusLine), nil
}

func (r *Runtime) Status(ctx context.Context, id string) (runtime.StatusSample, bool, error) {
	out, err := r.run.Output(ctx, "ps", "-a", "--no-trunc", "--filter", "id="+id, "--format", jsonFormat)
	if err != nil {
		return runtime.StatusSample{}, false, err
	}
	short := entity.ShortID(id)
	for _, s := range parseLines(r.log, out, runtime.ParseStatusLine) {
		if s.ID == short {
			return s, true, nil
		}
	}
	return runtime.StatusSample{}, false, nil
}

func (r *Runtime) HostCPUs(ctx context.Context) (int, error) {
	out, err := r.run.Output(ctx, "system", "info", "--format", jsonFormat)
	if err != nil {
		return 0, err
	}
	var info struct {
		NCPU int `json:"NCPU"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("decode docker info: %w", err)
	}
	return info.NCPU, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.control(ctx, "start", id)
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	return r.control(ctx, "stop", id)
}

func (r *Runtime) Restart(ctx context.Context, id string) error {
	return r.control(ctx, "restart", id)
}

func (r *Runtime) Close() error { return nil }

func (r *Runtime) control(ctx context.Context, action, id string) error {
	if _, err := r.run.Output(ctx, action, id); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return fmt.Errorf("%s %s: %w", action, id, runtime.ErrContainerNotFound)
		}
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
	return nil
}

func parseLines[T any](log *slog.Logger, out []byte, parse func([]byte) (T, error)) []T {
	var samples []T
	for line := range bytes.Lines(out) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s, err := parse(line)
		if err != nil {
			log.Warn("dropping malformed line", "err", err)
			continue
		}
		samples = append(samples, s)
	}
	return samples
}
