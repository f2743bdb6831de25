package api

import (
	"context"
	"log/slog"
	"time"
)

// ServiceRequest is handed to a service-task handler. Config has already
// been interpolated against Variables.
type ServiceRequest struct {
	TenantID    string
	ProcessID   string
	TaskID      string
	ElementID   string
	ServiceType string
	Attempt     int
	Config      map[string]any
	Variables   map[string]any
}

// ServiceHandler performs the side effect of a service task. A non-nil
// output map is merged into the process variables.
type ServiceHandler interface {
	Execute(ctx context.Context, req ServiceRequest) (map[string]any, error)
}

// ServiceHandlerFunc adapts a function to ServiceHandler.
type ServiceHandlerFunc func(ctx context.Context, req ServiceRequest) (map[string]any, error)

func (f ServiceHandlerFunc) Execute(ctx context.Context, req ServiceRequest) (map[string]any, error) {
	return f(ctx, req)
}

// NotificationKind classifies notifications.
type NotificationKind string

const (
	NotifyJobDead          NotificationKind = "job.dead"
	NotifyProcessError     NotificationKind = "process.error"
	NotifyProcessTerminate NotificationKind = "process.terminated"
	NotifyMessage          NotificationKind = "message"
	NotifySignal           NotificationKind = "signal"
)

// Notification is a fire-and-forget message to operators or integrations.
type Notification struct {
	Kind      NotificationKind
	TenantID  string
	ProcessID string
	TaskID    string
	JobID     string
	Message   string
	Data      map[string]any
	At        time.Time
}

// Notifier receives notifications. Errors are logged by the engine and never
// affect engine state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a slog.Logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// NewLogNotifier returns a Notifier that logs with logger, or slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	level := slog.LevelInfo
	if note.Kind == NotifyJobDead || note.Kind == NotifyProcessError {
		level = slog.LevelWarn
	}
	n.Logger.Log(ctx, level, "notification",
		slog.String("kind", string(note.Kind)),
		slog.String("tenant_id", note.TenantID),
		slog.String("process_id", note.ProcessID),
		slog.String("task_id", note.TaskID),
		slog.String("job_id", note.JobID),
		slog.String("message", note.Message),
	)
	return nil
}

// Authorizer decides whether a user may complete a task.
type Authorizer interface {
	AuthorizeCompletion(ctx context.Context, task *TaskInstance, userID string) error
}

// AllowAllAuthorizer authorizes every completion.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) AuthorizeCompletion(context.Context, *TaskInstance, string) error {
	return nil
}

// AssigneeAuthorizer only lets the assignee complete an assigned task.
// Unassigned tasks may be completed by anyone with a non-empty user id.
type AssigneeAuthorizer struct{}

func (AssigneeAuthorizer) AuthorizeCompletion(_ context.Context, task *TaskInstance, userID string) error {
	if userID == "" {
		return &AuthorizationError{TaskID: task.ID, Reason: "anonymous user"}
	}
	if task.AssigneeID != "" && task.AssigneeID != userID {
		return &AuthorizationError{UserID: userID, TaskID: task.ID, Reason: "task is assigned to another user"}
	}
	return nil
}
