package events

import (
	"context"
	"sync"
	"time"
)

// CursorStore persists named stream positions.
// Production: adapter/sqlite.Store. Default: MemoryCursor.
type CursorStore interface {
	GetCursor(ctx context.Context, name string) (string, bool, error)
	SetCursor(ctx context.Context, name, value string, updatedAt time.Time) error
}

var _ CursorStore = (*MemoryCursor)(nil)

// MemoryCursor keeps cursors for the life of the process.
type MemoryCursor struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{values: make(map[string]string)}
}

func (c *MemoryCursor) GetCursor(_ context.Context, name string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return v, ok, nil
}

func (c *MemoryCursor) SetCursor(_ context.Context, name, value string, _ time.Time) error {
	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
	return nil
}
