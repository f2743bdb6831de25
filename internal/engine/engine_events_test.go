package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/procflow/pkg/api"
)

func awaitPayment() api.ProcessDefinition {
	return definition("payment",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("paid", api.ElementIntermediateEvent, map[string]any{"eventType": "message", "message": "payment.received"}),
			node("ship", api.ElementUserTask, nil),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f1", "start", "paid"),
		flow("f2", "paid", "ship"),
		flow("f3", "ship", "end"),
	)
}

func TestEngine_CorrelateEventResumesWaitingProcess(t *testing.T) {
	h := newHarness(t)
	inst := h.start(awaitPayment(), map[string]any{"orderId": "o-1"})
	require.Equal(t, []string{"paid"}, inst.Waiting)
	require.Empty(t, h.jobs(inst.ID), "catching events do not enqueue jobs")

	got, err := h.eng.CorrelateEvent(h.ctx, inst.ID, "paid", map[string]any{"amount": 120})
	require.NoError(t, err)
	require.Equal(t, api.ProcessRunning, got.Status)
	require.Equal(t, 120, got.Variables["amount"])
	require.Equal(t, "o-1", got.Variables["orderId"])
	require.Equal(t, []string{"ship"}, got.Waiting)
	h.task(inst.ID, "ship")

	// The token has moved on; a second delivery is rejected.
	_, err = h.eng.CorrelateEvent(h.ctx, inst.ID, "paid", nil)
	var se *api.StateError
	require.ErrorAs(t, err, &se)
	require.Len(t, h.tasks(inst.ID), 1)

	require.Equal(t, 1, countHistory(h.history(inst.ID), api.HistoryEventCorrelated))
}

func TestEngine_CorrelateEventRejectsWrongTargets(t *testing.T) {
	h := newHarness(t)
	inst := h.start(awaitPayment(), nil)

	_, err := h.eng.CorrelateEvent(h.ctx, inst.ID, "ship", nil)
	var se *api.StateError
	require.ErrorAs(t, err, &se, "user tasks are not correlation targets")

	_, err = h.eng.CorrelateEvent(h.ctx, inst.ID, "nope", nil)
	require.True(t, api.IsNotFound(err), "unknown element: %v", err)

	_, err = h.eng.CorrelateEvent(h.ctx, "missing-process", "paid", nil)
	require.True(t, api.IsNotFound(err), "unknown process: %v", err)

	_, err = h.eng.SuspendProcess(h.ctx, inst.ID)
	require.NoError(t, err)
	_, err = h.eng.CorrelateEvent(h.ctx, inst.ID, "paid", nil)
	require.ErrorAs(t, err, &se, "suspended processes do not accept events")
	require.Equal(t, []string{"paid"}, h.process(inst.ID).Waiting)
}

func TestEngine_SignalCatchIsCorrelatedLikeMessage(t *testing.T) {
	h := newHarness(t)
	def := definition("signal",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("go", api.ElementIntermediateEvent, map[string]any{"eventType": "signal", "catching": true}),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f1", "start", "go"),
		flow("f2", "go", "end"),
	)
	inst := h.start(def, nil)

	got, err := h.eng.CorrelateEvent(h.ctx, inst.ID, "go", nil)
	require.NoError(t, err)
	require.Equal(t, api.ProcessCompleted, got.Status)
}

func TestEngine_ContinueFrom(t *testing.T) {
	h := newHarness(t)
	inst := h.start(awaitPayment(), nil)

	// Nothing waits at ship yet.
	got, err := h.eng.ContinueFrom(h.ctx, inst.ID, "ship")
	require.NoError(t, err)
	require.Equal(t, []string{"paid"}, got.Waiting)
	require.Empty(t, h.tasks(inst.ID))

	got, err = h.eng.ContinueFrom(h.ctx, inst.ID, "paid")
	require.NoError(t, err)
	require.Equal(t, []string{"ship"}, got.Waiting)

	// Continuing twice from the same element does not run it twice.
	_, err = h.eng.ContinueFrom(h.ctx, inst.ID, "paid")
	require.NoError(t, err)
	require.Len(t, h.tasks(inst.ID), 1)

	_, err = h.eng.ContinueFrom(h.ctx, inst.ID, "unknown")
	require.True(t, api.IsNotFound(err))
}

func TestEngine_ErrorEndEventCancelsProcess(t *testing.T) {
	h := newHarness(t)
	def := definition("failing",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("fork", api.ElementParallelGateway, nil),
			node("side", api.ElementUserTask, nil),
			node("fail", api.ElementEndEvent, map[string]any{
				"eventType":    "error",
				"errorCode":    "E42",
				"errorMessage": "boom",
			}),
		},
		flow("f1", "start", "fork"),
		flow("f2", "fork", "side"),
		flow("f3", "fork", "fail"),
	)
	inst := h.start(def, nil)

	if inst.Status != api.ProcessCancelled {
		t.Fatalf("expected cancelled, got %q", inst.Status)
	}
	if inst.EndReason != "error: E42: boom" {
		t.Fatalf("unexpected end reason %q", inst.EndReason)
	}
	if task := h.task(inst.ID, "side"); task.Status != api.TaskCancelled {
		t.Fatalf("expected side task cancelled, got %q", task.Status)
	}

	notes := h.notes.ofKind(api.NotifyProcessError)
	if len(notes) != 1 {
		t.Fatalf("expected 1 error notification, got %d", len(notes))
	}
	if notes[0].Data["errorCode"] != "E42" {
		t.Fatalf("unexpected notification data %v", notes[0].Data)
	}
	if len(h.events.cancelled) != 1 || h.events.cancelled[0] != "error: E42: boom" {
		t.Fatalf("unexpected cancel callbacks %v", h.events.cancelled)
	}
}

func TestEngine_NotifierFailureDoesNotFailOperation(t *testing.T) {
	h := newHarness(t)
	h.notes.failWith(errors.New("smtp down"))
	def := definition("terminate-now",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("stop", api.ElementEndEvent, map[string]any{"eventType": "terminate"}),
		},
		flow("f1", "start", "stop"),
	)

	inst := h.start(def, nil)
	require.Equal(t, api.ProcessCancelled, inst.Status)
}

func TestEngine_DefinitionVersions(t *testing.T) {
	h := newHarness(t)

	v1 := linearUserTask()
	require.NoError(t, h.eng.RegisterDefinition(v1))
	require.NoError(t, h.eng.RegisterDefinition(v1), "identical registration is a no-op")

	conflicting := linearUserTask()
	conflicting.Name = "renamed"
	err := h.eng.RegisterDefinition(conflicting)
	var de *api.DefinitionError
	require.ErrorAs(t, err, &de)

	v2 := reviewAndPublish()
	v2.ID = "linear"
	v2.Version = 2
	require.NoError(t, h.eng.RegisterDefinition(v2))

	inst, err := h.eng.StartProcessByID(h.ctx, "linear", nil, "tester")
	require.NoError(t, err)
	require.Equal(t, 2, inst.DefinitionVersion)
	h.task(inst.ID, "review")

	// Instances keep running on the version they started with.
	old, err := h.eng.StartProcess(h.ctx, v1, nil, "tester")
	require.NoError(t, err)
	require.Equal(t, 1, old.DefinitionVersion)
	h.complete(h.task(old.ID, "review").ID, "approve", nil)
	require.Equal(t, api.ProcessCompleted, h.process(old.ID).Status)

	_, err = h.eng.StartProcessByID(h.ctx, "unknown", nil, "tester")
	require.True(t, api.IsNotFound(err))
}

func TestEngine_TenantIsolation(t *testing.T) {
	h := newHarness(t)
	acme := api.WithTenant(h.ctx, "acme")
	other := api.WithTenant(h.ctx, "globex")

	inst, err := h.eng.StartProcess(acme, linearUserTask(), nil, "tester")
	require.NoError(t, err)
	require.Equal(t, "acme", inst.TenantID)

	tasks, err := h.eng.ListTasks(acme, api.TaskListOptions{ProcessID: inst.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "acme", tasks[0].TenantID)

	_, err = h.eng.GetProcess(other, inst.ID)
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.GetTask(other, tasks[0].ID)
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.CompleteTask(other, tasks[0].ID, "ok", nil, "alice")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.CancelProcess(other, inst.ID, "")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.History(other, inst.ID)
	require.True(t, api.IsNotFound(err))

	listed, err := h.eng.ListProcesses(other, api.ProcessListOptions{})
	require.NoError(t, err)
	require.Empty(t, listed)

	// The default tenant does not see acme's work either.
	_, err = h.eng.GetProcess(h.ctx, inst.ID)
	require.True(t, api.IsNotFound(err))

	_, err = h.eng.CompleteTask(acme, tasks[0].ID, "ok", nil, "alice")
	require.NoError(t, err)
}

func TestEngine_TenantJobsRunInTheirTenant(t *testing.T) {
	h := newHarness(t)
	acme := api.WithTenant(h.ctx, "acme")

	inst, err := h.eng.StartProcess(acme, approvalRouting(), map[string]any{"amount": 1}, "tester")
	require.NoError(t, err)

	h.drain()

	got, err := h.eng.GetProcess(acme, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.ProcessCompleted, got.Status)

	jobs := h.jobs(inst.ID)
	require.Equal(t, "acme", jobs[0].TenantID)
	_, err = h.eng.GetJob(h.ctx, jobs[0].ID)
	require.True(t, api.IsNotFound(err))
	job, err := h.eng.GetJob(acme, jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, api.JobDone, job.Status)

	stats, err := h.eng.QueueStats(acme)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Done)
	stats, err = h.eng.QueueStats(h.ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Done)
}

func TestEngine_NotFoundErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.GetProcess(h.ctx, "nope")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.GetTask(h.ctx, "nope")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.GetJob(h.ctx, "nope")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.CompleteTask(h.ctx, "nope", "ok", nil, "alice")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.CancelProcess(h.ctx, "nope", "")
	require.True(t, api.IsNotFound(err))
	_, err = h.eng.RetryJob(h.ctx, "nope")
	require.True(t, api.IsNotFound(err))
}
