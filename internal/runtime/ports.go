// Package runtime describes the container runtime the bridge observes and
// controls. Production: adapter/docker (Engine API) or adapter/dockercli
// (docker CLI JSON lines). Testing: adapter/fake.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned by control actions on a missing container.
var ErrContainerNotFound = errors.New("container not found")

// Runtime is the bridge's only view of the container runtime.
type Runtime interface {
	// Events streams lifecycle events starting at since (zero means now).
	// The event channel is closed when the feed ends; a feed failure is
	// reported on the error channel first.
	Events(ctx context.Context, since time.Time) (<-chan Event, <-chan error)
	// Stats takes one resource-usage snapshot of every container.
	Stats(ctx context.Context) ([]StatsSample, error)
	// List takes one status snapshot of every container.
	List(ctx context.Context) ([]StatusSample, error)
	// Status looks up a single container by short id.
	Status(ctx context.Context, id string) (StatusSample, bool, error)
	// HostCPUs reports the CPU count of the runtime's host.
	HostCPUs(ctx context.Context) (int, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error

	Close() error
}
