package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/petrijr/procflow/internal/condition"
	"github.com/petrijr/procflow/internal/jobqueue"
	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/internal/services"
	"github.com/petrijr/procflow/pkg/api"
)

// Defaults applied by NewEngineWithConfig.
const (
	DefaultTimerDelay = 30 * time.Second
	DefaultLeaseTTL   = 30 * time.Second
	DefaultLeaseWait  = 10 * time.Second
)

// Runtime is an api.Engine that also executes the jobs it enqueues.
type Runtime interface {
	api.Engine
	api.JobExecutor

	// Queue returns the job queue the engine enqueues into.
	Queue() *jobqueue.Queue
}

// Config describes how to construct an engine. Zero fields get in-memory
// or no-op defaults.
type Config struct {
	Persistence persistence.Persistence
	Queue       *jobqueue.Queue
	Services    api.ServiceHandler
	Observer    api.Observer
	Notifier    api.Notifier
	Authorizer  api.Authorizer
	Logger      *slog.Logger
	Clock       api.Clock

	// RetryPolicy applies when the engine creates its own queue (Queue
	// nil, or a SQL engine). Zero means api.DefaultRetryPolicy.
	RetryPolicy api.RetryPolicy

	// TimerDelay is used by timer events without a delay property.
	TimerDelay time.Duration

	// LeaseTTL and LeaseWait control the per-instance store lease.
	LeaseTTL  time.Duration
	LeaseWait time.Duration

	// Owner identifies this engine in instance leases. Defaults to a
	// random id.
	Owner string
}

// engineImpl interprets process definitions over the configured stores.
type engineImpl struct {
	instances persistence.InstanceStore
	tasks     persistence.TaskStore
	events    persistence.EventStore
	queue     *jobqueue.Queue

	registry   *definitionRegistry
	evaluator  *condition.Evaluator
	services   api.ServiceHandler
	observer   api.Observer
	notifier   api.Notifier
	authorizer api.Authorizer
	logger     *slog.Logger
	now        api.Clock

	locks      *instanceLocks
	owner      string
	leaseTTL   time.Duration
	leaseWait  time.Duration
	timerDelay time.Duration
}

var _ Runtime = (*engineImpl)(nil)

// NewInMemoryEngine returns an engine whose instances, tasks, history and
// jobs live in memory.
func NewInMemoryEngine() Runtime {
	return NewEngineWithConfig(Config{})
}

// NewSQLiteEngine returns an engine storing everything in the given
// SQLite database.
func NewSQLiteEngine(db *sql.DB) (Runtime, error) {
	return newSQLEngine(db, persistence.SQLite, Config{})
}

// NewPostgresEngine returns an engine storing everything in the given
// Postgres database (pgx stdlib driver).
func NewPostgresEngine(db *sql.DB) (Runtime, error) {
	return newSQLEngine(db, persistence.Postgres, Config{})
}

// NewSQLEngine is NewSQLiteEngine/NewPostgresEngine with extra options.
// Store fields in cfg are overwritten.
func NewSQLEngine(db *sql.DB, dialect persistence.Dialect, cfg Config) (Runtime, error) {
	return newSQLEngine(db, dialect, cfg)
}

func newSQLEngine(db *sql.DB, dialect persistence.Dialect, cfg Config) (Runtime, error) {
	store, err := persistence.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLEventStore(db, dialect)
	if err != nil {
		return nil, err
	}
	jobs, err := jobqueue.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Clock != nil {
		store.WithClock(cfg.Clock)
		events.WithClock(cfg.Clock)
	}

	cfg.Persistence = persistence.Persistence{Instances: store, Tasks: store, Events: events}
	cfg.Queue = jobqueue.New(jobs, queueOptions(cfg, cfg.Logger)...)
	return NewEngineWithConfig(cfg), nil
}

// NewEngineWithConfig creates a new engine using the given configuration.
func NewEngineWithConfig(cfg Config) Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.Persistence
	if p.Instances == nil || p.Tasks == nil {
		mem := persistence.NewInMemoryStore().WithClock(cfg.Clock)
		if p.Instances == nil {
			p.Instances = mem
		}
		if p.Tasks == nil {
			p.Tasks = mem
		}
		if p.Events == nil {
			p.Events = persistence.NewInMemoryEventStore()
		}
	}
	p = p.WithDefaults()

	q := cfg.Queue
	if q == nil {
		q = jobqueue.New(jobqueue.NewMemoryStore(), queueOptions(cfg, logger)...)
	}

	e := &engineImpl{
		instances:  p.Instances,
		tasks:      p.Tasks,
		events:     p.Events,
		queue:      q,
		registry:   newDefinitionRegistry(),
		evaluator:  condition.NewEvaluator(logger),
		services:   cfg.Services,
		observer:   cfg.Observer,
		notifier:   cfg.Notifier,
		authorizer: cfg.Authorizer,
		logger:     logger,
		now:        cfg.Clock,
		locks:      newInstanceLocks(),
		owner:      cfg.Owner,
		leaseTTL:   cfg.LeaseTTL,
		leaseWait:  cfg.LeaseWait,
		timerDelay: cfg.TimerDelay,
	}
	if e.services == nil {
		e.services = services.NewDefaultRegistry(services.Options{Logger: logger})
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.notifier == nil {
		e.notifier = api.NewLogNotifier(logger)
	}
	if e.authorizer == nil {
		e.authorizer = api.AllowAllAuthorizer{}
	}
	if e.owner == "" {
		e.owner = "engine-" + uuid.NewString()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.leaseWait <= 0 {
		e.leaseWait = DefaultLeaseWait
	}
	if e.timerDelay <= 0 {
		e.timerDelay = DefaultTimerDelay
	}
	return e
}

func queueOptions(cfg Config, logger *slog.Logger) []jobqueue.Option {
	opts := []jobqueue.Option{jobqueue.WithClock(cfg.Clock), jobqueue.WithLogger(logger)}
	if cfg.RetryPolicy.MaxAttempts > 0 {
		opts = append(opts, jobqueue.WithRetryPolicy(cfg.RetryPolicy))
	}
	return opts
}

func (e *engineImpl) Queue() *jobqueue.Queue { return e.queue }

func (e *engineImpl) RegisterDefinition(def api.ProcessDefinition) error {
	_, err := e.registry.Register(def)
	return err
}

func (e *engineImpl) StartProcess(ctx context.Context, def api.ProcessDefinition, variables map[string]any, startedBy string) (*api.ProcessInstance, error) {
	compiled, err := e.registry.Register(def)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, compiled, variables, startedBy)
}

func (e *engineImpl) StartProcessByID(ctx context.Context, definitionID string, variables map[string]any, startedBy string) (*api.ProcessInstance, error) {
	compiled, err := e.registry.Latest(definitionID)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, compiled, variables, startedBy)
}

func (e *engineImpl) start(ctx context.Context, def *api.CompiledDefinition, variables map[string]any, startedBy string) (*api.ProcessInstance, error) {
	now := e.now.Now()
	vars := maps.Clone(variables)
	if vars == nil {
		vars = make(map[string]any)
	}

	inst := &api.ProcessInstance{
		ID:                uuid.NewString(),
		TenantID:          api.TenantOrDefault(ctx),
		DefinitionID:      def.ID(),
		DefinitionVersion: def.Version(),
		Name:              def.Name(),
		Status:            api.ProcessRunning,
		Variables:         vars,
		StartedBy:         startedBy,
		ActiveTokens:      1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.instances.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	e.record(ctx, inst, api.HistoryEvent{Type: api.HistoryProcessStarted, Detail: "started by " + startedBy})
	e.observer.OnProcessStart(ctx, inst)

	var out *api.ProcessInstance
	err := e.withInstance(ctx, inst.ID, func() error {
		ex := &execution{inst: inst, def: def}
		err := e.drive(ctx, ex, []arrival{{elementID: def.StartEvent().ID}})
		if err == nil {
			err = e.save(ctx, ex.inst)
		}
		if err != nil {
			return e.abortStart(ctx, ex, err)
		}
		out = ex.inst.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// abortStart ends an instance whose first walk failed. It is cancelled
// rather than left running without a position.
func (e *engineImpl) abortStart(ctx context.Context, ex *execution, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := e.rollback(ctx, ex, cause)
	errs = multierr.Append(errs, e.end(ctx, ex, api.ProcessCancelled, "start failed: "+cause.Error()))
	return multierr.Append(errs, e.save(ctx, ex.inst))
}

func (e *engineImpl) ContinueFrom(ctx context.Context, processID, elementID string) (*api.ProcessInstance, error) {
	var out *api.ProcessInstance
	err := e.withInstance(ctx, processID, func() error {
		ex, err := e.load(ctx, processID, true)
		if err != nil {
			return err
		}
		if ex.inst.Status.Terminal() {
			out = ex.inst
			return nil
		}
		if ex.inst.Status == api.ProcessSuspended {
			return stateError(ex.inst, "continue")
		}
		if _, ok := ex.def.Element(elementID); !ok {
			return &api.NotFoundError{Kind: "element", ID: elementID}
		}
		if _, err := e.advance(ctx, ex, elementID); err != nil {
			return err
		}
		out = ex.inst
		return nil
	})
	return out, err
}

func (e *engineImpl) CorrelateEvent(ctx context.Context, processID, elementID string, variables map[string]any) (*api.ProcessInstance, error) {
	var out *api.ProcessInstance
	err := e.withInstance(ctx, processID, func() error {
		ex, err := e.load(ctx, processID, true)
		if err != nil {
			return err
		}
		if ex.inst.Status != api.ProcessRunning {
			return stateError(ex.inst, "correlate event "+elementID)
		}
		el, ok := ex.def.Element(elementID)
		if !ok {
			return &api.NotFoundError{Kind: "element", ID: elementID}
		}
		trig := el.Trigger()
		if el.Type != api.ElementIntermediateEvent || (trig != api.TriggerMessage && trig != api.TriggerSignal) {
			return &api.StateError{Kind: "element", ID: elementID, Status: string(el.Type), Op: "correlate event at"}
		}
		if !ex.waitingAt(elementID) {
			return stateError(ex.inst, "correlate event "+elementID)
		}

		maps.Copy(ex.inst.Variables, variables)
		e.record(ctx, ex.inst, api.HistoryEvent{
			Type:      api.HistoryEventCorrelated,
			ElementID: elementID,
			Detail:    string(trig),
		})
		if _, err := e.advance(ctx, ex, elementID); err != nil {
			return err
		}
		out = ex.inst
		return nil
	})
	return out, err
}

func (e *engineImpl) CancelProcess(ctx context.Context, processID, reason string) (*api.ProcessInstance, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var out *api.ProcessInstance
	err := e.withInstance(ctx, processID, func() error {
		ex, err := e.load(ctx, processID, true)
		if err != nil {
			return err
		}
		if ex.inst.Status.Terminal() {
			out = ex.inst
			return nil
		}
		ok, err := e.instances.TransitionInstance(ctx, processID, api.ProcessCancelled, api.ProcessRunning, api.ProcessSuspended)
		if err != nil {
			return err
		}
		if !ok {
			out, err = e.instances.GetInstance(ctx, processID)
			return err
		}
		err = e.end(ctx, ex, api.ProcessCancelled, reason)
		if saveErr := e.save(ctx, ex.inst); saveErr != nil {
			return saveErr
		}
		out = ex.inst
		return err
	})
	return out, err
}

func (e *engineImpl) SuspendProcess(ctx context.Context, processID string) (*api.ProcessInstance, error) {
	return e.switchStatus(ctx, processID, api.ProcessRunning, api.ProcessSuspended, api.HistoryProcessSuspended)
}

func (e *engineImpl) ResumeProcess(ctx context.Context, processID string) (*api.ProcessInstance, error) {
	return e.switchStatus(ctx, processID, api.ProcessSuspended, api.ProcessRunning, api.HistoryProcessResumed)
}

// switchStatus moves an instance from -> to. Instances in any other status
// are returned unchanged.
func (e *engineImpl) switchStatus(ctx context.Context, processID string, from, to api.ProcessStatus, typ api.HistoryType) (*api.ProcessInstance, error) {
	var out *api.ProcessInstance
	err := e.withInstance(ctx, processID, func() error {
		inst, err := e.getInstance(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status != from {
			out = inst
			return nil
		}
		ok, err := e.instances.TransitionInstance(ctx, processID, to, from)
		if err != nil {
			return err
		}
		if out, err = e.instances.GetInstance(ctx, processID); err != nil {
			return err
		}
		if ok {
			e.record(ctx, out, api.HistoryEvent{Type: typ})
		}
		return nil
	})
	return out, err
}

func (e *engineImpl) GetProcess(ctx context.Context, processID string) (*api.ProcessInstance, error) {
	return e.getInstance(ctx, processID)
}

func (e *engineImpl) ListProcesses(ctx context.Context, opts api.ProcessListOptions) ([]*api.ProcessInstance, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		TenantID:     api.TenantOrDefault(ctx),
		DefinitionID: opts.DefinitionID,
		Status:       opts.Status,
	})
}

func (e *engineImpl) GetTask(ctx context.Context, taskID string) (*api.TaskInstance, error) {
	return e.getTask(ctx, taskID)
}

func (e *engineImpl) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]*api.TaskInstance, error) {
	return e.tasks.ListTasks(ctx, persistence.TaskFilter{
		TenantID:   api.TenantOrDefault(ctx),
		ProcessID:  opts.ProcessID,
		AssigneeID: opts.AssigneeID,
		Statuses:   opts.Statuses,
	})
}

func (e *engineImpl) QueueStats(ctx context.Context) (api.QueueStats, error) {
	return e.queue.Stats(ctx, api.TenantOrDefault(ctx))
}

func (e *engineImpl) History(ctx context.Context, processID string) ([]api.HistoryEvent, error) {
	if _, err := e.getInstance(ctx, processID); err != nil {
		return nil, err
	}
	return e.events.ListEvents(ctx, processID)
}
