package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/procflow/pkg/api"
)

// EventStore is an append-only history store for process execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.HistoryEvent) error
	ListEvents(ctx context.Context, processID string) ([]api.HistoryEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, processID string) ([]api.HistoryEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in a map keyed by process id.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.HistoryEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.HistoryEvent)}
}

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ProcessID] = append(s.events[ev.ProcessID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, processID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.HistoryEvent(nil), s.events[processID]...), nil
}
