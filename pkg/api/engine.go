package api

import (
	"context"
	"time"
)

// ProcessListOptions controls how process instances are listed.
// Zero values mean "no filter" for that field.
type ProcessListOptions struct {
	DefinitionID string
	Status       ProcessStatus
}

// TaskListOptions controls how task instances are listed.
type TaskListOptions struct {
	ProcessID  string
	AssigneeID string
	Statuses   []TaskStatus
}

// Engine is the process runtime façade. All operations are scoped to the
// tenant carried by ctx (see WithTenant); DefaultTenant otherwise.
type Engine interface {
	// RegisterDefinition validates and registers a definition version.
	// Registering an identical (id, version) twice is a no-op.
	RegisterDefinition(def ProcessDefinition) error

	// StartProcess registers def if needed and starts a new instance at its
	// start event. It fails with a DefinitionError if def has no start event.
	StartProcess(ctx context.Context, def ProcessDefinition, variables map[string]any, startedBy string) (*ProcessInstance, error)

	// StartProcessByID starts the latest registered version of a definition.
	StartProcessByID(ctx context.Context, definitionID string, variables map[string]any, startedBy string) (*ProcessInstance, error)

	// CompleteTask completes a user task and resumes the process at the
	// task's outgoing flows. Completing an already completed task is a no-op.
	CompleteTask(ctx context.Context, taskID, outcome string, formData map[string]any, userID string) (*TaskInstance, error)

	// AssignTask moves a pending user task to assigned.
	AssignTask(ctx context.Context, taskID, assigneeID string) (*TaskInstance, error)

	// CorrelateEvent resumes a process waiting on a catching message or
	// signal intermediate event, merging variables first.
	CorrelateEvent(ctx context.Context, processID, elementID string, variables map[string]any) (*ProcessInstance, error)

	// ContinueFrom resumes flow at the outgoing flows of elementID using the
	// instance's current variables. It is the single re-entry point used by
	// task completion, job completion and event correlation.
	ContinueFrom(ctx context.Context, processID, elementID string) (*ProcessInstance, error)

	// CancelProcess, SuspendProcess and ResumeProcess are no-ops against
	// instances already in the target or a terminal state.
	CancelProcess(ctx context.Context, processID, reason string) (*ProcessInstance, error)
	SuspendProcess(ctx context.Context, processID string) (*ProcessInstance, error)
	ResumeProcess(ctx context.Context, processID string) (*ProcessInstance, error)

	GetProcess(ctx context.Context, processID string) (*ProcessInstance, error)
	ListProcesses(ctx context.Context, opts ProcessListOptions) ([]*ProcessInstance, error)
	GetTask(ctx context.Context, taskID string) (*TaskInstance, error)
	ListTasks(ctx context.Context, opts TaskListOptions) ([]*TaskInstance, error)
	GetJob(ctx context.Context, jobID string) (*EngineJob, error)

	// RetryJob re-queues a dead job with a fresh attempt budget.
	RetryJob(ctx context.Context, jobID string) (*EngineJob, error)

	// QueueStats reports job counts and mean execution time for the tenant.
	QueueStats(ctx context.Context) (QueueStats, error)

	// History returns the instance's events in chronological order.
	History(ctx context.Context, processID string) ([]HistoryEvent, error)
}

// JobExecutor runs claimed jobs on behalf of the scheduler.
type JobExecutor interface {
	// ExecuteJob performs the job's side effect and any resulting flow
	// continuation. Returning ErrDeferred postpones the job without
	// consuming an attempt.
	ExecuteJob(ctx context.Context, job *EngineJob) error

	// JobDead is called once after a job exhausted its retry budget.
	JobDead(ctx context.Context, job *EngineJob, cause error)
}

// SchedulerStats are in-memory counters maintained by a scheduler.
type SchedulerStats struct {
	Ticks        int64         `json:"ticks"`
	SkippedTicks int64         `json:"skippedTicks"`
	Executed     int64         `json:"executed"`
	Succeeded    int64         `json:"succeeded"`
	Failed       int64         `json:"failed"`
	Deferred     int64         `json:"deferred"`
	Dead         int64         `json:"dead"`
	Purged       int64         `json:"purged"`
	AvgExecution time.Duration `json:"avgExecution"`
}
