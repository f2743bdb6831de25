package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts every callback it receives.
type testObserver struct {
	mu sync.Mutex

	starts     int
	completes  int
	cancels    int
	enters     int
	created    int
	finished   int
	executions int
	deaths     int

	lastCancelReason string
	lastElement      string
	lastJobErr       error
	lastJobDuration  time.Duration
}

func (o *testObserver) OnProcessStart(ctx context.Context, inst *ProcessInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
}

func (o *testObserver) OnProcessCompleted(ctx context.Context, inst *ProcessInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnProcessCancelled(ctx context.Context, inst *ProcessInstance, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels++
	o.lastCancelReason = reason
}

func (o *testObserver) OnElementEnter(ctx context.Context, inst *ProcessInstance, el *Element) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enters++
	o.lastElement = el.ID
}

func (o *testObserver) OnTaskCreated(ctx context.Context, task *TaskInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnTaskCompleted(ctx context.Context, task *TaskInstance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *testObserver) OnJobExecuted(ctx context.Context, job *EngineJob, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executions++
	o.lastJobErr = err
	o.lastJobDuration = d
}

func (o *testObserver) OnJobDead(ctx context.Context, job *EngineJob, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deaths++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(name string) slog.Handler { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestInstance() *ProcessInstance {
	return &ProcessInstance{
		ID:                "proc-123",
		TenantID:          "acme",
		DefinitionID:      "order",
		DefinitionVersion: 2,
		Status:            ProcessRunning,
	}
}

func newTestJob() *EngineJob {
	return &EngineJob{
		ID:        "job-1",
		ProcessID: "proc-123",
		TaskID:    "task-9",
		Kind:      JobServiceExec,
		Attempts:  1,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	var o Observer = NoopObserver{}

	o.OnProcessStart(ctx, inst)
	o.OnProcessCompleted(ctx, inst)
	o.OnProcessCancelled(ctx, inst, "stop")
	o.OnElementEnter(ctx, inst, &Element{ID: "start"})
	o.OnTaskCreated(ctx, &TaskInstance{})
	o.OnTaskCompleted(ctx, &TaskInstance{})
	o.OnJobExecuted(ctx, newTestJob(), errors.New("boom"), time.Second)
	o.OnJobDead(ctx, newTestJob(), errors.New("boom"))
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestNewCompositeObserver_MultipleReturnsComposite(t *testing.T) {
	o := NewCompositeObserver(&testObserver{}, &testObserver{})
	if _, ok := o.(*CompositeObserver); !ok {
		t.Fatalf("expected *CompositeObserver, got %T", o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	inst := newTestInstance()
	job := newTestJob()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co := NewCompositeObserver(o1, o2)

	err := errors.New("service down")
	co.OnProcessStart(ctx, inst)
	co.OnProcessCompleted(ctx, inst)
	co.OnProcessCancelled(ctx, inst, "customer left")
	co.OnElementEnter(ctx, inst, &Element{ID: "approve", Type: ElementUserTask})
	co.OnTaskCreated(ctx, &TaskInstance{ID: "t1"})
	co.OnTaskCompleted(ctx, &TaskInstance{ID: "t1"})
	co.OnJobExecuted(ctx, job, err, 2*time.Second)
	co.OnJobDead(ctx, job, err)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.cancels != 1 || o.enters != 1 ||
			o.created != 1 || o.finished != 1 || o.executions != 1 || o.deaths != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastCancelReason != "customer left" {
			t.Fatalf("observer %d cancel reason = %q", i+1, o.lastCancelReason)
		}
		if o.lastElement != "approve" {
			t.Fatalf("observer %d element = %q", i+1, o.lastElement)
		}
		if o.lastJobErr != err || o.lastJobDuration != 2*time.Second {
			t.Fatalf("observer %d job mismatch: %v %v", i+1, o.lastJobErr, o.lastJobDuration)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnProcessStart_EmitsInfoLog(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	inst := newTestInstance()

	o.OnProcessStart(context.Background(), inst)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "process_start" {
		t.Fatalf("expected message process_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["definition"] != "order" {
		t.Fatalf("expected definition=order, got %v", attrs["definition"])
	}
	if attrs["process_id"] != inst.ID {
		t.Fatalf("expected process_id=%q, got %v", inst.ID, attrs["process_id"])
	}
	if attrs["tenant_id"] != "acme" {
		t.Fatalf("expected tenant_id=acme, got %v", attrs["tenant_id"])
	}
}

func TestLoggingObserver_OnProcessCancelled_Warns(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnProcessCancelled(context.Background(), newTestInstance(), "terminated at end")

	rec := h.records[0]
	if rec.Level != slog.LevelWarn || rec.Message != "process_cancelled" {
		t.Fatalf("unexpected record %v %q", rec.Level, rec.Message)
	}
	if got := attrsToMap(rec)["reason"]; got != "terminated at end" {
		t.Fatalf("reason = %v", got)
	}
}

func TestLoggingObserver_OnJobExecuted_LevelDependsOnError(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	ctx := context.Background()

	o.OnJobExecuted(ctx, newTestJob(), nil, time.Second)
	o.OnJobExecuted(ctx, newTestJob(), errors.New("boom"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	successRec, failRec := h.records[0], h.records[1]

	if successRec.Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", successRec.Level)
	}
	if failRec.Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", failRec.Level)
	}
	if successRec.Message != "job_executed" || failRec.Message != "job_executed" {
		t.Fatalf("expected job_executed messages, got %q and %q", successRec.Message, failRec.Message)
	}

	attrs := attrsToMap(failRec)
	if attrs["job_id"] != "job-1" {
		t.Fatalf("expected job_id=job-1, got %v", attrs["job_id"])
	}
	if attrs["kind"] != string(JobServiceExec) {
		t.Fatalf("expected kind=%s, got %v", JobServiceExec, attrs["kind"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

func TestLoggingObserver_OnJobDead_LogsError(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnJobDead(context.Background(), newTestJob(), errors.New("exhausted"))

	rec := h.records[0]
	if rec.Level != slog.LevelError || rec.Message != "job_dead" {
		t.Fatalf("unexpected record %v %q", rec.Level, rec.Message)
	}
	if got := attrsToMap(rec)["task_id"]; got != "task-9" {
		t.Fatalf("task_id = %v", got)
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_ProcessCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	inst := newTestInstance()

	// 3 started, 1 completed, 1 cancelled -> 1 active
	m.OnProcessStart(ctx, inst)
	m.OnProcessStart(ctx, inst)
	m.OnProcessStart(ctx, inst)
	m.OnProcessCompleted(ctx, inst)
	m.OnProcessCancelled(ctx, inst, "stop")
	m.OnTaskCreated(ctx, &TaskInstance{})

	snap := m.Snapshot()

	if snap.ProcessesStarted != 3 {
		t.Fatalf("ProcessesStarted=%d, want 3", snap.ProcessesStarted)
	}
	if snap.ProcessesCompleted != 1 {
		t.Fatalf("ProcessesCompleted=%d, want 1", snap.ProcessesCompleted)
	}
	if snap.ProcessesCancelled != 1 {
		t.Fatalf("ProcessesCancelled=%d, want 1", snap.ProcessesCancelled)
	}
	if snap.ActiveProcesses != 1 {
		t.Fatalf("ActiveProcesses=%d, want 1", snap.ActiveProcesses)
	}
	if snap.TasksCreated != 1 {
		t.Fatalf("TasksCreated=%d, want 1", snap.TasksCreated)
	}
	if snap.JobsSucceeded != 0 || snap.AvgJobDuration != 0 {
		t.Fatalf("unexpected job metrics: %+v", snap)
	}
}

func TestBasicMetrics_OnJobExecuted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	job := newTestJob()

	m.OnJobExecuted(ctx, job, nil, 1*time.Second)
	m.OnJobExecuted(ctx, job, nil, 3*time.Second)
	m.OnJobExecuted(ctx, job, errors.New("fail"), 10*time.Second)
	m.OnJobDead(ctx, job, errors.New("fail"))

	snap := m.Snapshot()

	if snap.JobsSucceeded != 2 {
		t.Fatalf("JobsSucceeded=%d, want 2", snap.JobsSucceeded)
	}
	if snap.JobsFailed != 1 {
		t.Fatalf("JobsFailed=%d, want 1", snap.JobsFailed)
	}
	if snap.JobsDead != 1 {
		t.Fatalf("JobsDead=%d, want 1", snap.JobsDead)
	}
	wantAvg := 2 * time.Second
	if snap.AvgJobDuration != wantAvg {
		t.Fatalf("AvgJobDuration=%v, want %v", snap.AvgJobDuration, wantAvg)
	}
}

func TestBasicMetrics_SnapshotZeroJobsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	snap := m.Snapshot()
	if snap.JobsSucceeded != 0 {
		t.Fatalf("JobsSucceeded=%d, want 0", snap.JobsSucceeded)
	}
	if snap.AvgJobDuration != 0 {
		t.Fatalf("AvgJobDuration=%v, want 0", snap.AvgJobDuration)
	}
}
