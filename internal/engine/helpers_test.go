package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/procflow/internal/jobqueue"
	"github.com/petrijr/procflow/internal/testutil"
	"github.com/petrijr/procflow/pkg/api"
	"github.com/petrijr/procflow/pkg/scheduler"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// harness wires an in-memory engine to a scheduler on a fake clock.
type harness struct {
	t      *testing.T
	ctx    context.Context
	eng    Runtime
	sched  *scheduler.Scheduler
	clock  *testutil.Clock
	notes  *recordingNotifier
	events *fakeObserver
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	clock := testutil.NewClock(epoch)
	notes := &recordingNotifier{}
	obs := &fakeObserver{}
	cfg := Config{
		Clock:    clock.Now,
		Notifier: notes,
		Observer: obs,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	eng := NewEngineWithConfig(cfg)
	return &harness{
		t:      t,
		ctx:    context.Background(),
		eng:    eng,
		sched:  scheduler.New(eng.Queue(), eng, scheduler.Config{Observer: cfg.Observer}),
		clock:  clock,
		notes:  notes,
		events: obs,
	}
}

// drain runs every job that is ready at the current fake time.
func (h *harness) drain() {
	h.t.Helper()
	if _, err := h.sched.RunUntilIdle(h.ctx); err != nil {
		h.t.Fatalf("scheduler run failed: %v", err)
	}
}

// advance moves the clock and runs what became ready.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) start(def api.ProcessDefinition, vars map[string]any) *api.ProcessInstance {
	h.t.Helper()
	inst, err := h.eng.StartProcess(h.ctx, def, vars, "tester")
	if err != nil {
		h.t.Fatalf("StartProcess failed: %v", err)
	}
	return inst
}

func (h *harness) process(id string) *api.ProcessInstance {
	h.t.Helper()
	inst, err := h.eng.GetProcess(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetProcess failed: %v", err)
	}
	return inst
}

func (h *harness) tasks(processID string, statuses ...api.TaskStatus) []*api.TaskInstance {
	h.t.Helper()
	tasks, err := h.eng.ListTasks(h.ctx, api.TaskListOptions{ProcessID: processID, Statuses: statuses})
	if err != nil {
		h.t.Fatalf("ListTasks failed: %v", err)
	}
	return tasks
}

// task returns the single task created for taskKey.
func (h *harness) task(processID, taskKey string) *api.TaskInstance {
	h.t.Helper()
	var found *api.TaskInstance
	for _, task := range h.tasks(processID) {
		if task.TaskKey != taskKey {
			continue
		}
		if found != nil {
			h.t.Fatalf("more than one task for %q", taskKey)
		}
		found = task
	}
	if found == nil {
		h.t.Fatalf("no task for %q", taskKey)
	}
	return found
}

func (h *harness) complete(taskID, outcome string, form map[string]any) *api.TaskInstance {
	h.t.Helper()
	task, err := h.eng.CompleteTask(h.ctx, taskID, outcome, form, "alice")
	if err != nil {
		h.t.Fatalf("CompleteTask failed: %v", err)
	}
	return task
}

func (h *harness) jobs(processID string) []*api.EngineJob {
	h.t.Helper()
	jobs, err := h.eng.Queue().List(h.ctx, jobqueue.JobFilter{ProcessID: processID})
	if err != nil {
		h.t.Fatalf("List jobs failed: %v", err)
	}
	return jobs
}

func (h *harness) history(processID string) []api.HistoryEvent {
	h.t.Helper()
	events, err := h.eng.History(h.ctx, processID)
	if err != nil {
		h.t.Fatalf("History failed: %v", err)
	}
	return events
}

func countHistory(events []api.HistoryEvent, typ api.HistoryType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Definition helpers.

func node(id string, typ api.ElementType, props map[string]any) api.Element {
	return api.Element{ID: id, Type: typ, Properties: props}
}

func flow(id, from, to string) api.SequenceFlow {
	return api.SequenceFlow{ID: id, SourceRef: from, TargetRef: to}
}

func guarded(id, from, to, cond string) api.SequenceFlow {
	return api.SequenceFlow{ID: id, SourceRef: from, TargetRef: to, Condition: cond}
}

func definition(id string, elements []api.Element, flows ...api.SequenceFlow) api.ProcessDefinition {
	return api.ProcessDefinition{ID: id, Version: 1, Name: id, Elements: elements, SequenceFlows: flows}
}

// linearUserTask is start -> review -> end.
func linearUserTask() api.ProcessDefinition {
	return definition("linear",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("review", api.ElementUserTask, nil),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f1", "start", "review"),
		flow("f2", "review", "end"),
	)
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []api.Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note api.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) failWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) ofKind(kind api.NotificationKind) []api.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []api.Notification
	for _, note := range n.notes {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

// fakeObserver records all calls from the engine so we can assert on them.
type fakeObserver struct {
	mu sync.Mutex

	started   []string
	completed []string
	cancelled []string
	entered   []string
	created   []string
	done      []string
	executed  int
	dead      []string
}

func (o *fakeObserver) OnProcessStart(ctx context.Context, inst *api.ProcessInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, inst.ID)
}

func (o *fakeObserver) OnProcessCompleted(ctx context.Context, inst *api.ProcessInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, inst.ID)
}

func (o *fakeObserver) OnProcessCancelled(ctx context.Context, inst *api.ProcessInstance, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = append(o.cancelled, reason)
}

func (o *fakeObserver) OnElementEnter(ctx context.Context, inst *api.ProcessInstance, el *api.Element) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entered = append(o.entered, el.ID)
}

func (o *fakeObserver) OnTaskCreated(ctx context.Context, task *api.TaskInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, task.TaskKey)
}

func (o *fakeObserver) OnTaskCompleted(ctx context.Context, task *api.TaskInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, task.TaskKey)
}

func (o *fakeObserver) OnJobExecuted(ctx context.Context, job *api.EngineJob, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executed++
}

func (o *fakeObserver) OnJobDead(ctx context.Context, job *api.EngineJob, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dead = append(o.dead, job.ID)
}
