package discovery

import (
	"context"
	"sort"
	"sync"
)

// Ledger remembers every topic published for an entity so a tombstone can
// clear all of them, across restarts when persistent.
// Production: adapter/sqlite.Store. Default: MemoryLedger.
type Ledger interface {
	RecordTopics(ctx context.Context, id string, topics []string) error
	Topics(ctx context.Context, id string) ([]string, error)
	Entities(ctx context.Context) ([]string, error)
	Forget(ctx context.Context, id string) error
}

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is a process-lifetime Ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	topics map[string]map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{topics: make(map[string]map[string]struct{})}
}

func (l *MemoryLedger) RecordTopics(_ context.Context, id string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.topics[id]
	if !ok {
		set = make(map[string]struct{}, len(topics))
		l.topics[id] = set
	}
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return nil
}

func (l *MemoryLedger) Topics(_ context.Context, id string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.topics[id]))
	for t := range l.topics[id] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) Entities(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.topics))
	for id := range l.topics {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.topics, id)
	l.mu.Unlock()
	return nil
}
