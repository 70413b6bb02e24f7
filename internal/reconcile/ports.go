package reconcile

import (
	"context"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/runtime"
)

// Runtime is the read side of the container runtime.
// Production: adapter/docker.Runtime or adapter/dockercli.Runtime
// Testing: adapter/fake.Runtime
type Runtime interface {
	List(ctx context.Context) ([]runtime.StatusSample, error)
	Status(ctx context.Context, id string) (runtime.StatusSample, bool, error)
}

// Discovery publishes and tombstones the retained metadata of entities.
// Production: *discovery.Publisher
type Discovery interface {
	RegisterEntity(ctx context.Context, rec entity.Record) error
	PublishState(rec entity.Record)
	Tombstone(ctx context.Context, id string) error
	Known(ctx context.Context) ([]string, error)
	Clear(topic string)
}
