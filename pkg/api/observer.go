package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and scheduler for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay process execution.
type Observer interface {
	// OnProcessStart is called once when an instance has been created, before
	// its start event is executed.
	OnProcessStart(ctx context.Context, inst *ProcessInstance)

	// OnProcessCompleted is called when an instance reaches ProcessCompleted.
	OnProcessCompleted(ctx context.Context, inst *ProcessInstance)

	// OnProcessCancelled is called when an instance reaches ProcessCancelled.
	OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string)

	// OnElementEnter is called before an element is executed.
	OnElementEnter(ctx context.Context, inst *ProcessInstance, el *Element)

	// OnTaskCreated is called after a task instance was persisted.
	OnTaskCreated(ctx context.Context, task *TaskInstance)

	// OnTaskCompleted is called after a task instance reached TaskCompleted.
	OnTaskCompleted(ctx context.Context, task *TaskInstance)

	// OnJobExecuted is called after a job ran, for both successes and
	// failures (err != nil).
	OnJobExecuted(ctx context.Context, job *EngineJob, err error, duration time.Duration)

	// OnJobDead is called when a job exhausted its retry budget.
	OnJobDead(ctx context.Context, job *EngineJob, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnProcessStart(ctx context.Context, inst *ProcessInstance)                    {}
func (NoopObserver) OnProcessCompleted(ctx context.Context, inst *ProcessInstance)                {}
func (NoopObserver) OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string) {}
func (NoopObserver) OnElementEnter(ctx context.Context, inst *ProcessInstance, el *Element)        {}
func (NoopObserver) OnTaskCreated(ctx context.Context, task *TaskInstance)                        {}
func (NoopObserver) OnTaskCompleted(ctx context.Context, task *TaskInstance)                      {}
func (NoopObserver) OnJobExecuted(ctx context.Context, job *EngineJob, err error, d time.Duration) {
}
func (NoopObserver) OnJobDead(ctx context.Context, job *EngineJob, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnProcessStart(ctx context.Context, inst *ProcessInstance) {
	for _, o := range c.observers {
		o.OnProcessStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnProcessCompleted(ctx context.Context, inst *ProcessInstance) {
	for _, o := range c.observers {
		o.OnProcessCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string) {
	for _, o := range c.observers {
		o.OnProcessCancelled(ctx, inst, reason)
	}
}

func (c *CompositeObserver) OnElementEnter(ctx context.Context, inst *ProcessInstance, el *Element) {
	for _, o := range c.observers {
		o.OnElementEnter(ctx, inst, el)
	}
}

func (c *CompositeObserver) OnTaskCreated(ctx context.Context, task *TaskInstance) {
	for _, o := range c.observers {
		o.OnTaskCreated(ctx, task)
	}
}

func (c *CompositeObserver) OnTaskCompleted(ctx context.Context, task *TaskInstance) {
	for _, o := range c.observers {
		o.OnTaskCompleted(ctx, task)
	}
}

func (c *CompositeObserver) OnJobExecuted(ctx context.Context, job *EngineJob, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnJobExecuted(ctx, job, err, d)
	}
}

func (c *CompositeObserver) OnJobDead(ctx context.Context, job *EngineJob, err error) {
	for _, o := range c.observers {
		o.OnJobDead(ctx, job, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs process, task and job
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnProcessStart(ctx context.Context, inst *ProcessInstance) {
	o.Logger.InfoContext(ctx, "process_start",
		slog.String("definition", inst.DefinitionID),
		slog.Int("version", inst.DefinitionVersion),
		slog.String("process_id", inst.ID),
		slog.String("tenant_id", inst.TenantID),
	)
}

func (o *LoggingObserver) OnProcessCompleted(ctx context.Context, inst *ProcessInstance) {
	o.Logger.InfoContext(ctx, "process_completed",
		slog.String("definition", inst.DefinitionID),
		slog.String("process_id", inst.ID),
	)
}

func (o *LoggingObserver) OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string) {
	o.Logger.WarnContext(ctx, "process_cancelled",
		slog.String("definition", inst.DefinitionID),
		slog.String("process_id", inst.ID),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnElementEnter(ctx context.Context, inst *ProcessInstance, el *Element) {
	o.Logger.DebugContext(ctx, "element_enter",
		slog.String("process_id", inst.ID),
		slog.String("element", el.ID),
		slog.String("type", string(el.Type)),
	)
}

func (o *LoggingObserver) OnTaskCreated(ctx context.Context, task *TaskInstance) {
	o.Logger.InfoContext(ctx, "task_created",
		slog.String("process_id", task.ProcessID),
		slog.String("task_id", task.ID),
		slog.String("task_key", task.TaskKey),
		slog.String("type", string(task.Type)),
	)
}

func (o *LoggingObserver) OnTaskCompleted(ctx context.Context, task *TaskInstance) {
	o.Logger.InfoContext(ctx, "task_completed",
		slog.String("process_id", task.ProcessID),
		slog.String("task_id", task.ID),
		slog.String("outcome", task.Outcome),
	)
}

func (o *LoggingObserver) OnJobExecuted(ctx context.Context, job *EngineJob, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "job_executed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("process_id", job.ProcessID),
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnJobDead(ctx context.Context, job *EngineJob, err error) {
	o.Logger.ErrorContext(ctx, "job_dead",
		slog.String("job_id", job.ID),
		slog.String("process_id", job.ProcessID),
		slog.String("task_id", job.TaskID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	processesStarted   atomic.Int64
	processesCompleted atomic.Int64
	processesCancelled atomic.Int64
	tasksCreated       atomic.Int64
	jobsSucceeded      atomic.Int64
	jobsFailed         atomic.Int64
	jobsDead           atomic.Int64
	totalJobDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ProcessesStarted   int64
	ProcessesCompleted int64
	ProcessesCancelled int64
	ActiveProcesses    int64

	TasksCreated   int64
	JobsSucceeded  int64
	JobsFailed     int64
	JobsDead       int64
	AvgJobDuration time.Duration
}

func (m *BasicMetrics) OnProcessStart(ctx context.Context, inst *ProcessInstance) {
	m.processesStarted.Add(1)
}

func (m *BasicMetrics) OnProcessCompleted(ctx context.Context, inst *ProcessInstance) {
	m.processesCompleted.Add(1)
}

func (m *BasicMetrics) OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string) {
	m.processesCancelled.Add(1)
}

func (m *BasicMetrics) OnTaskCreated(ctx context.Context, task *TaskInstance) {
	m.tasksCreated.Add(1)
}

func (m *BasicMetrics) OnJobExecuted(ctx context.Context, job *EngineJob, err error, d time.Duration) {
	// Only successful jobs count towards the average duration.
	if err != nil {
		m.jobsFailed.Add(1)
		return
	}
	m.jobsSucceeded.Add(1)
	m.totalJobDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnJobDead(ctx context.Context, job *EngineJob, err error) {
	m.jobsDead.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.processesStarted.Load()
	completed := m.processesCompleted.Load()
	cancelled := m.processesCancelled.Load()
	succeeded := m.jobsSucceeded.Load()
	totalNs := m.totalJobDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		ProcessesStarted:   started,
		ProcessesCompleted: completed,
		ProcessesCancelled: cancelled,
		ActiveProcesses:    started - completed - cancelled,
		TasksCreated:       m.tasksCreated.Load(),
		JobsSucceeded:      succeeded,
		JobsFailed:         m.jobsFailed.Load(),
		JobsDead:           m.jobsDead.Load(),
		AvgJobDuration:     avg,
	}
}
