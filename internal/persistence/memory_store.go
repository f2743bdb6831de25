package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore and TaskStore backed by maps. Values are copied on the way
// in and out so callers never share memory with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.ProcessInstance
	tasks     map[string]*api.TaskInstance
	leases    map[string]lease
	order     map[string]int64 // insertion sequence, for stable listing
	seq       int64
	now       api.Clock
}

type lease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.ProcessInstance),
		tasks:     make(map[string]*api.TaskInstance),
		leases:    make(map[string]lease),
		order:     make(map[string]int64),
	}
}

// WithClock sets the clock used for lease expiry and transition timestamps.
func (s *InMemoryStore) WithClock(c api.Clock) *InMemoryStore {
	s.now = c
	return s
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ TaskStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.order[inst.ID] = s.seq
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}

	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}

	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.ProcessInstance

	for _, inst := range s.instances {
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool { return s.order[result[i].ID] < s.order[result[j].ID] })
	return result, nil
}

func (s *InMemoryStore) TransitionInstance(ctx context.Context, id string, to api.ProcessStatus, from ...api.ProcessStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, ErrInstanceNotFound
	}
	if !statusIn(inst.Status, from) {
		return false, nil
	}
	inst.Status = to
	inst.UpdatedAt = s.now.Now()
	return true, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now.Now()
	if l, ok := s.leases[instanceID]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	s.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[instanceID]; ok && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) CreateTask(ctx context.Context, task *api.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.order[task.ID] = s.seq
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) UpdateTask(ctx context.Context, task *api.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, id string) (*api.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*api.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.TaskInstance
	for _, task := range s.tasks {
		if filter.TenantID != "" && task.TenantID != filter.TenantID {
			continue
		}
		if filter.ProcessID != "" && task.ProcessID != filter.ProcessID {
			continue
		}
		if filter.AssigneeID != "" && task.AssigneeID != filter.AssigneeID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(task.Status, filter.Statuses) {
			continue
		}
		result = append(result, task.Clone())
	}

	sort.Slice(result, func(i, j int) bool { return s.order[result[i].ID] < s.order[result[j].ID] })
	return result, nil
}

func (s *InMemoryStore) TransitionTask(ctx context.Context, id string, to api.TaskStatus, from ...api.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return false, ErrTaskNotFound
	}
	if !statusIn(task.Status, from) {
		return false, nil
	}
	task.Status = to
	task.UpdatedAt = s.now.Now()
	return true, nil
}
