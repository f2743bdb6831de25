package api

import "time"

// HistoryType identifies a process history event.
type HistoryType string

const (
	HistoryProcessStarted   HistoryType = "process.started"
	HistoryProcessCompleted HistoryType = "process.completed"
	HistoryProcessCancelled HistoryType = "process.cancelled"
	HistoryProcessSuspended HistoryType = "process.suspended"
	HistoryProcessResumed   HistoryType = "process.resumed"

	HistoryElementEntered  HistoryType = "element.entered"
	HistoryEventCorrelated HistoryType = "event.correlated"

	HistoryTaskCreated   HistoryType = "task.created"
	HistoryTaskAssigned  HistoryType = "task.assigned"
	HistoryTaskCompleted HistoryType = "task.completed"
	HistoryTaskCancelled HistoryType = "task.cancelled"

	HistoryJobEnqueued HistoryType = "job.enqueued"
	HistoryJobRetried  HistoryType = "job.retried"
	HistoryJobDead     HistoryType = "job.dead"
)

// HistoryEvent is a minimal append-only history record for audit/debugging.
type HistoryEvent struct {
	ProcessID string      `json:"processId" bson:"process_id"`
	TenantID  string      `json:"tenantId" bson:"tenant_id"`
	At        time.Time   `json:"at" bson:"at"`
	Type      HistoryType `json:"type" bson:"type"`

	// Optional context.
	ElementID string `json:"elementId,omitempty" bson:"element_id,omitempty"`
	TaskID    string `json:"taskId,omitempty" bson:"task_id,omitempty"`
	JobID     string `json:"jobId,omitempty" bson:"job_id,omitempty"`

	// Small, human-oriented details (e.g. error string, outcome).
	// Keep this low-volume: do NOT dump variables here.
	Detail string `json:"detail,omitempty" bson:"detail,omitempty"`
}
