package procflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/procflow/internal/engine"
	"github.com/petrijr/procflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	ProcessDefinition    = api.ProcessDefinition
	Element              = api.Element
	SequenceFlow         = api.SequenceFlow
	ProcessInstance      = api.ProcessInstance
	TaskInstance         = api.TaskInstance
	EngineJob            = api.EngineJob
	HistoryEvent         = api.HistoryEvent
	ProcessListOptions   = api.ProcessListOptions
	TaskListOptions      = api.TaskListOptions
	ProcessStatus        = api.ProcessStatus
	TaskStatus           = api.TaskStatus
	RetryPolicy          = api.RetryPolicy
	ServiceHandler       = api.ServiceHandler
	ServiceHandlerFunc   = api.ServiceHandlerFunc
	ServiceRequest       = api.ServiceRequest
	Notifier             = api.Notifier
	Notification         = api.Notification
	Authorizer           = api.Authorizer
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Runtime is an Engine that also executes its own jobs; pass it to a
	// scheduler to drive service tasks, timers and throw events.
	Runtime = engine.Runtime

	// EngineConfig configures NewEngine.
	EngineConfig = engine.Config
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithTenant           = api.WithTenant
	LoadDefinitionYAML   = api.LoadDefinitionYAML
	IsNotFound           = api.IsNotFound
)

// Re-export status values for convenience.

const (
	ProcessRunning   = api.ProcessRunning
	ProcessCompleted = api.ProcessCompleted
	ProcessCancelled = api.ProcessCancelled
	ProcessSuspended = api.ProcessSuspended

	TaskPending   = api.TaskPending
	TaskAssigned  = api.TaskAssigned
	TaskCompleted = api.TaskCompleted
	TaskCancelled = api.TaskCancelled
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns a Runtime backed entirely by in-memory stores.
func NewInMemoryEngine() Runtime {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Runtime with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Runtime {
	return engine.NewEngineWithConfig(engine.Config{Observer: obs})
}

// NewSQLiteEngine returns a Runtime that persists instances, tasks, history
// and jobs in a SQLite database. Definitions are kept in memory and must be
// registered again after a restart.
func NewSQLiteEngine(db *sql.DB) (Runtime, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns a Runtime that persists everything in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Runtime, error) {
	return engine.NewPostgresEngine(db)
}

// NewEngine returns a Runtime built from cfg. Unset stores default to
// memory.
func NewEngine(cfg EngineConfig) Runtime {
	return engine.NewEngineWithConfig(cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// Start starts the latest registered version of definitionID.
func Start(ctx context.Context, eng Engine, definitionID string, variables map[string]any, startedBy string) (*ProcessInstance, error) {
	return eng.StartProcessByID(ctx, definitionID, variables, startedBy)
}

// OpenTasks lists the pending and assigned tasks of a process.
func OpenTasks(ctx context.Context, eng Engine, processID string) ([]*TaskInstance, error) {
	return eng.ListTasks(ctx, TaskListOptions{
		ProcessID: processID,
		Statuses:  []TaskStatus{TaskPending, TaskAssigned},
	})
}

// GetProcess fetches a process instance by ID.
func GetProcess(ctx context.Context, eng Engine, id string) (*ProcessInstance, error) {
	return eng.GetProcess(ctx, id)
}
