package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a process instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrTaskNotFound is returned when a task instance is not found.
	ErrTaskNotFound = errors.New("task not found")
)

// InstanceFilter is used to select instances from the store.
// Empty strings mean "no filter" for that field.
type InstanceFilter struct {
	TenantID     string
	DefinitionID string
	Status       api.ProcessStatus
}

// InstanceStore handles storage of process instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.ProcessInstance) error
	// UpdateInstance overwrites the stored instance (variables, position,
	// tokens, status).
	UpdateInstance(ctx context.Context, inst *api.ProcessInstance) error
	GetInstance(ctx context.Context, id string) (*api.ProcessInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.ProcessInstance, error)

	// TransitionInstance atomically moves an instance to status `to` if its
	// current status is one of `from`. It reports whether the transition
	// happened.
	TransitionInstance(ctx context.Context, id string, to api.ProcessStatus, from ...api.ProcessStatus) (bool, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// TaskFilter selects task instances. Zero values mean "no filter".
type TaskFilter struct {
	TenantID   string
	ProcessID  string
	AssigneeID string
	Statuses   []api.TaskStatus
}

// TaskStore handles storage of task instances.
type TaskStore interface {
	CreateTask(ctx context.Context, task *api.TaskInstance) error
	UpdateTask(ctx context.Context, task *api.TaskInstance) error
	GetTask(ctx context.Context, id string) (*api.TaskInstance, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*api.TaskInstance, error)

	// TransitionTask atomically moves a task to status `to` if its current
	// status is one of `from`, and reports whether it did.
	TransitionTask(ctx context.Context, id string, to api.TaskStatus, from ...api.TaskStatus) (bool, error)
}

func statusIn[S comparable](s S, set []S) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
