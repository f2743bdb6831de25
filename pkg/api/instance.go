package api

import (
	"maps"
	"time"
)

// ProcessStatus represents the lifecycle state of a process instance.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessCancelled ProcessStatus = "cancelled"
	ProcessSuspended ProcessStatus = "suspended"
)

// Terminal reports whether no further element execution may occur.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessCancelled
}

// ProcessInstance is one execution of a process definition.
type ProcessInstance struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenantId"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion int            `json:"definitionVersion"`
	Name              string         `json:"name"`
	Status            ProcessStatus  `json:"status"`
	Variables         map[string]any `json:"variables"`
	StartedBy         string         `json:"startedBy"`

	// CurrentElement is the element most recently entered.
	CurrentElement string `json:"currentElement,omitempty"`

	// ActiveTokens counts the live execution paths. Forks add tokens, joins
	// and none end events consume them; the instance completes when the
	// last token reaches a none end event.
	ActiveTokens int `json:"activeTokens"`

	// JoinArrivals records, per parallel join gateway, the incoming flows
	// that have already arrived.
	JoinArrivals map[string][]string `json:"joinArrivals,omitempty"`

	// Waiting lists the wait-state elements (tasks, catching events) that
	// currently hold a parked token, one entry per token.
	Waiting []string `json:"waiting,omitempty"`

	// EndReason describes why a cancelled instance ended (error code,
	// terminate, explicit cancel).
	EndReason string `json:"endReason,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by a caller.
func (p *ProcessInstance) Clone() *ProcessInstance {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Variables = maps.Clone(p.Variables)
	if p.JoinArrivals != nil {
		cp.JoinArrivals = make(map[string][]string, len(p.JoinArrivals))
		for k, v := range p.JoinArrivals {
			cp.JoinArrivals[k] = append([]string(nil), v...)
		}
	}
	cp.Waiting = append([]string(nil), p.Waiting...)
	if p.EndedAt != nil {
		t := *p.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// TaskType distinguishes human and automated tasks.
type TaskType string

const (
	TaskUser    TaskType = "user"
	TaskService TaskType = "service"
)

// TaskStatus represents the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Open reports whether the task still awaits completion.
func (s TaskStatus) Open() bool {
	return s == TaskPending || s == TaskAssigned
}

// TaskInstance is created when a process reaches a task element.
type TaskInstance struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	ProcessID    string         `json:"processId"`
	TaskKey      string         `json:"taskKey"`
	Name         string         `json:"name"`
	Type         TaskType       `json:"type"`
	Status       TaskStatus     `json:"status"`
	AssigneeID   string         `json:"assigneeId,omitempty"`
	AssigneeRole string         `json:"assigneeRole,omitempty"`
	DueDate      *time.Time     `json:"dueDate,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	FormData     map[string]any `json:"formData,omitempty"`
	CompletedBy  string         `json:"completedBy,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Clone returns a copy safe for mutation.
func (t *TaskInstance) Clone() *TaskInstance {
	if t == nil {
		return nil
	}
	cp := *t
	cp.FormData = maps.Clone(t.FormData)
	if t.DueDate != nil {
		d := *t.DueDate
		cp.DueDate = &d
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		cp.CompletedAt = &c
	}
	return &cp
}

// JobKind identifies why a job exists.
type JobKind string

const (
	JobServiceExec JobKind = "service_exec"
	JobTimer       JobKind = "timer"
	JobRetry       JobKind = "retry"
)

// JobStatus represents the lifecycle state of an engine job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// JobAction tells the job executor what a job does when it runs. It is
// stored in the job payload under PayloadAction.
type JobAction string

const (
	ActionServiceTask  JobAction = "service-task"
	ActionTimerEvent   JobAction = "timer-event"
	ActionThrowMessage JobAction = "throw-message"
	ActionThrowSignal  JobAction = "throw-signal"
)

// Well-known job payload keys.
const (
	PayloadAction    = "action"
	PayloadElementID = "elementId"
	PayloadName      = "name"
	PayloadData      = "data"
)

// EngineJob is a durable unit of asynchronous work.
type EngineJob struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	ProcessID      string         `json:"processId"`
	TaskID         string         `json:"taskId,omitempty"`
	Kind           JobKind        `json:"kind"`
	Status         JobStatus      `json:"status"`
	RunAt          time.Time      `json:"runAt"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`

	// Duration is the wall time of the last execution.
	Duration time.Duration `json:"duration,omitempty"`
}

// Action returns the job's action from its payload.
func (j *EngineJob) Action() JobAction {
	if j.Payload == nil {
		return ""
	}
	s, _ := j.Payload[PayloadAction].(string)
	return JobAction(s)
}

// ElementID returns the element the job belongs to, from its payload.
func (j *EngineJob) ElementID() string {
	if j.Payload == nil {
		return ""
	}
	s, _ := j.Payload[PayloadElementID].(string)
	return s
}

// Clone returns a copy safe for mutation.
func (j *EngineJob) Clone() *EngineJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Payload = maps.Clone(j.Payload)
	if j.StartedAt != nil {
		s := *j.StartedAt
		cp.StartedAt = &s
	}
	if j.FinishedAt != nil {
		f := *j.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// QueueStats summarizes the job queue.
type QueueStats struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Dead    int64 `json:"dead"`

	// AvgExecution is the mean execution time of done jobs.
	AvgExecution time.Duration `json:"avgExecution"`
}

// Clock returns the current time. Engines and queues accept one so tests
// can control time.
type Clock func() time.Time

// Now returns c(), or time.Now when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}
