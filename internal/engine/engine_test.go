package engine

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/procflow/pkg/api"
)

// approvalRouting routes by amount: large amounts need a manager, small
// ones are handled by an automated email step.
func approvalRouting() api.ProcessDefinition {
	return definition("routing",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("gw", api.ElementExclusiveGateway, nil),
			node("managerApproval", api.ElementUserTask, nil),
			node("serviceA", api.ElementServiceTask, map[string]any{
				"serviceType": "email",
				"to":          "ops@example.com",
				"subject":     "order {{orderId}}",
			}),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f0", "start", "gw"),
		guarded("f_high", "gw", "managerApproval", "variables.amount > 1000"),
		guarded("f_low", "gw", "serviceA", "variables.amount <= 1000"),
		flow("f_m_end", "managerApproval", "end"),
		flow("f_s_end", "serviceA", "end"),
	)
}

func TestEngine_ExclusiveGatewayRoutesToServiceTask(t *testing.T) {
	h := newHarness(t)

	inst := h.start(approvalRouting(), map[string]any{"amount": 500, "orderId": "o-1"})
	if inst.Status != api.ProcessRunning {
		t.Fatalf("expected running, got %q", inst.Status)
	}
	if !slices.Equal(inst.Waiting, []string{"serviceA"}) {
		t.Fatalf("expected token waiting at serviceA, got %v", inst.Waiting)
	}

	task := h.task(inst.ID, "serviceA")
	if task.Type != api.TaskService || task.Status != api.TaskPending {
		t.Fatalf("unexpected service task: type=%q status=%q", task.Type, task.Status)
	}
	if got := h.tasks(inst.ID); len(got) != 1 {
		t.Fatalf("expected only the service task, got %d tasks", len(got))
	}

	jobs := h.jobs(inst.ID)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].IdempotencyKey != "service:"+task.ID || jobs[0].Status != api.JobQueued {
		t.Fatalf("unexpected job: key=%q status=%q", jobs[0].IdempotencyKey, jobs[0].Status)
	}

	h.drain()

	task = h.task(inst.ID, "serviceA")
	if task.Status != api.TaskCompleted || task.Outcome != "completed" {
		t.Fatalf("expected completed service task, got status=%q outcome=%q", task.Status, task.Outcome)
	}

	got := h.process(inst.ID)
	if got.Status != api.ProcessCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.Variables["emailSent"] != true {
		t.Fatalf("expected service output merged into variables, got %v", got.Variables)
	}
	if got.EndedAt == nil {
		t.Fatalf("expected EndedAt to be set")
	}
}

func TestEngine_ExclusiveGatewayFallsBackToFirstFlow(t *testing.T) {
	h := newHarness(t)

	// No amount: both guards fail closed.
	inst := h.start(approvalRouting(), nil)

	h.task(inst.ID, "managerApproval")
	if got := h.jobs(inst.ID); len(got) != 0 {
		t.Fatalf("expected no jobs, got %d", len(got))
	}
}

func reviewAndPublish() api.ProcessDefinition {
	return definition("review",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("review", api.ElementUserTask, map[string]any{"assigneeRole": "editor"}),
			node("decide", api.ElementExclusiveGateway, nil),
			node("publish", api.ElementUserTask, nil),
			node("rework", api.ElementUserTask, nil),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f1", "start", "review"),
		flow("f2", "review", "decide"),
		guarded("f_ok", "decide", "publish", "variables.approved === true"),
		guarded("f_no", "decide", "rework", "variables.approved === false"),
		flow("f3", "publish", "end"),
		flow("f4", "rework", "end"),
	)
}

func TestEngine_ApproveOutcomeSetsApprovedVariable(t *testing.T) {
	h := newHarness(t)
	inst := h.start(reviewAndPublish(), nil)

	review := h.task(inst.ID, "review")
	if review.AssigneeRole != "editor" {
		t.Fatalf("expected assignee role from element, got %q", review.AssigneeRole)
	}

	done := h.complete(review.ID, "approve", map[string]any{"comment": "looks good"})
	if done.Status != api.TaskCompleted || done.CompletedBy != "alice" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	got := h.process(inst.ID)
	require.Equal(t, true, got.Variables["approved"])
	require.Equal(t, "approve", got.Variables["outcome"])
	require.Equal(t, "approve", got.Variables["review_outcome"])
	require.Equal(t, "looks good", got.Variables["comment"])

	h.task(inst.ID, "publish")
	for _, task := range h.tasks(inst.ID) {
		if task.TaskKey == "rework" {
			t.Fatalf("rework must not be created on approval")
		}
	}
}

func TestEngine_RejectOutcomeTakesOtherBranch(t *testing.T) {
	h := newHarness(t)
	inst := h.start(reviewAndPublish(), nil)

	h.complete(h.task(inst.ID, "review").ID, "reject", nil)

	got := h.process(inst.ID)
	require.Equal(t, false, got.Variables["approved"])
	h.task(inst.ID, "rework")
}

func TestEngine_FormDataApprovedWinsOverOutcome(t *testing.T) {
	h := newHarness(t)
	inst := h.start(reviewAndPublish(), nil)

	h.complete(h.task(inst.ID, "review").ID, "approve", map[string]any{"approved": false})

	require.Equal(t, false, h.process(inst.ID).Variables["approved"])
	h.task(inst.ID, "rework")
}

func terminateWithOpenTasks() api.ProcessDefinition {
	return definition("terminate",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("fork", api.ElementParallelGateway, nil),
			node("taskA", api.ElementUserTask, nil),
			node("taskB", api.ElementUserTask, nil),
			node("taskC", api.ElementUserTask, nil),
			node("endA", api.ElementEndEvent, nil),
			node("endB", api.ElementEndEvent, nil),
			node("kill", api.ElementEndEvent, map[string]any{"eventType": "terminate"}),
		},
		flow("f0", "start", "fork"),
		flow("fa", "fork", "taskA"),
		flow("fb", "fork", "taskB"),
		flow("fc", "fork", "taskC"),
		flow("fa_end", "taskA", "endA"),
		flow("fb_end", "taskB", "endB"),
		flow("fc_kill", "taskC", "kill"),
	)
}

func TestEngine_TerminateEndEventCancelsOpenTasks(t *testing.T) {
	h := newHarness(t)
	inst := h.start(terminateWithOpenTasks(), nil)

	if inst.ActiveTokens != 3 {
		t.Fatalf("expected 3 tokens after fork, got %d", inst.ActiveTokens)
	}
	if n := len(h.tasks(inst.ID, api.TaskPending)); n != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", n)
	}

	h.complete(h.task(inst.ID, "taskC").ID, "done", nil)

	got := h.process(inst.ID)
	if got.Status != api.ProcessCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if got.EndReason != "terminated at kill" {
		t.Fatalf("unexpected end reason %q", got.EndReason)
	}
	if len(got.Waiting) != 0 || got.ActiveTokens != 0 {
		t.Fatalf("expected no live tokens, got waiting=%v tokens=%d", got.Waiting, got.ActiveTokens)
	}

	for _, key := range []string{"taskA", "taskB"} {
		if task := h.task(inst.ID, key); task.Status != api.TaskCancelled {
			t.Fatalf("expected %s cancelled, got %q", key, task.Status)
		}
	}
	if n := countHistory(h.history(inst.ID), api.HistoryTaskCancelled); n != 2 {
		t.Fatalf("expected 2 task.cancelled events, got %d", n)
	}
	if n := len(h.notes.ofKind(api.NotifyProcessTerminate)); n != 1 {
		t.Fatalf("expected 1 terminate notification, got %d", n)
	}

	// A cancelled task cannot be completed afterwards.
	_, err := h.eng.CompleteTask(h.ctx, h.task(inst.ID, "taskA").ID, "done", nil, "alice")
	var se *api.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestEngine_CompleteTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	inst := h.start(linearUserTask(), nil)
	review := h.task(inst.ID, "review")

	first := h.complete(review.ID, "ok", nil)
	second := h.complete(review.ID, "other", nil)

	if second.Outcome != "ok" || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("second completion changed the task: %+v", second)
	}
	if got := h.process(inst.ID); got.Status != api.ProcessCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}

	events := h.history(inst.ID)
	if n := countHistory(events, api.HistoryTaskCompleted); n != 1 {
		t.Fatalf("expected one task.completed event, got %d", n)
	}
	if n := countHistory(events, api.HistoryProcessCompleted); n != 1 {
		t.Fatalf("expected one process.completed event, got %d", n)
	}
	if len(h.events.completed) != 1 {
		t.Fatalf("expected one completion callback, got %d", len(h.events.completed))
	}
}

func TestEngine_TerminalProcessIgnoresLifecycleCalls(t *testing.T) {
	h := newHarness(t)
	inst := h.start(linearUserTask(), nil)
	h.complete(h.task(inst.ID, "review").ID, "ok", nil)

	for name, call := range map[string]func() (*api.ProcessInstance, error){
		"cancel":   func() (*api.ProcessInstance, error) { return h.eng.CancelProcess(h.ctx, inst.ID, "late") },
		"suspend":  func() (*api.ProcessInstance, error) { return h.eng.SuspendProcess(h.ctx, inst.ID) },
		"resume":   func() (*api.ProcessInstance, error) { return h.eng.ResumeProcess(h.ctx, inst.ID) },
		"continue": func() (*api.ProcessInstance, error) { return h.eng.ContinueFrom(h.ctx, inst.ID, "review") },
	} {
		got, err := call()
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if got.Status != api.ProcessCompleted || got.EndReason != "" {
			t.Fatalf("%s: terminal instance changed: status=%q reason=%q", name, got.Status, got.EndReason)
		}
	}
	if len(h.events.cancelled) != 0 {
		t.Fatalf("cancel callback fired for a completed instance")
	}
}

func TestEngine_CancelProcessIsIdempotent(t *testing.T) {
	h := newHarness(t)
	inst := h.start(linearUserTask(), nil)

	got, err := h.eng.CancelProcess(h.ctx, inst.ID, "customer request")
	require.NoError(t, err)
	require.Equal(t, api.ProcessCancelled, got.Status)
	require.Equal(t, "customer request", got.EndReason)
	require.Equal(t, api.TaskCancelled, h.task(inst.ID, "review").Status)

	again, err := h.eng.CancelProcess(h.ctx, inst.ID, "second")
	require.NoError(t, err)
	require.Equal(t, "customer request", again.EndReason)
	require.Len(t, h.events.cancelled, 1)

	_, err = h.eng.CompleteTask(h.ctx, h.task(inst.ID, "review").ID, "ok", nil, "alice")
	var se *api.StateError
	require.ErrorAs(t, err, &se)
}

func TestEngine_SuspendBlocksCompletionUntilResumed(t *testing.T) {
	h := newHarness(t)
	inst := h.start(linearUserTask(), nil)
	review := h.task(inst.ID, "review")

	got, err := h.eng.SuspendProcess(h.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.ProcessSuspended, got.Status)

	_, err = h.eng.CompleteTask(h.ctx, review.ID, "ok", nil, "alice")
	var se *api.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, api.TaskPending, h.task(inst.ID, "review").Status, "rejected completion must not touch the task")

	_, err = h.eng.ContinueFrom(h.ctx, inst.ID, "review")
	require.ErrorAs(t, err, &se)

	// Suspending twice is a no-op.
	got, err = h.eng.SuspendProcess(h.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.ProcessSuspended, got.Status)

	got, err = h.eng.ResumeProcess(h.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, api.ProcessRunning, got.Status)

	h.complete(review.ID, "ok", nil)
	require.Equal(t, api.ProcessCompleted, h.process(inst.ID).Status)

	events := h.history(inst.ID)
	require.Equal(t, 1, countHistory(events, api.HistoryProcessSuspended))
	require.Equal(t, 1, countHistory(events, api.HistoryProcessResumed))
}

func TestEngine_AssignTask(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Authorizer = api.AssigneeAuthorizer{} })
	inst := h.start(linearUserTask(), nil)
	review := h.task(inst.ID, "review")

	assigned, err := h.eng.AssignTask(h.ctx, review.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, api.TaskAssigned, assigned.Status)
	require.Equal(t, "bob", assigned.AssigneeID)

	again, err := h.eng.AssignTask(h.ctx, review.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, assigned.UpdatedAt, again.UpdatedAt)

	_, err = h.eng.CompleteTask(h.ctx, review.ID, "ok", nil, "alice")
	var ae *api.AuthorizationError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, api.TaskAssigned, h.task(inst.ID, "review").Status)

	_, err = h.eng.CompleteTask(h.ctx, review.ID, "ok", nil, "bob")
	require.NoError(t, err)

	_, err = h.eng.AssignTask(h.ctx, review.ID, "carol")
	var se *api.StateError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 1, countHistory(h.history(inst.ID), api.HistoryTaskAssigned))
}

func TestEngine_ParallelJoinWaitsForAllBranches(t *testing.T) {
	h := newHarness(t)
	def := definition("join",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("fork", api.ElementParallelGateway, nil),
			node("a", api.ElementUserTask, nil),
			node("b", api.ElementUserTask, nil),
			node("join", api.ElementParallelGateway, nil),
			node("after", api.ElementUserTask, nil),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f0", "start", "fork"),
		flow("fa", "fork", "a"),
		flow("fb", "fork", "b"),
		flow("fa_join", "a", "join"),
		flow("fb_join", "b", "join"),
		flow("f_after", "join", "after"),
		flow("f_end", "after", "end"),
	)
	inst := h.start(def, nil)

	h.complete(h.task(inst.ID, "a").ID, "done", nil)

	got := h.process(inst.ID)
	require.Equal(t, api.ProcessRunning, got.Status)
	require.Equal(t, []string{"fa_join"}, got.JoinArrivals["join"])
	require.Len(t, h.tasks(inst.ID), 2, "join must hold until b arrives")

	h.complete(h.task(inst.ID, "b").ID, "done", nil)

	got = h.process(inst.ID)
	require.Empty(t, got.JoinArrivals)
	require.Equal(t, []string{"after"}, got.Waiting)
	require.Equal(t, 1, got.ActiveTokens)

	h.complete(h.task(inst.ID, "after").ID, "done", nil)
	require.Equal(t, api.ProcessCompleted, h.process(inst.ID).Status)
}

func TestEngine_InclusiveGatewayActivatesEveryMatchingFlow(t *testing.T) {
	h := newHarness(t)
	def := definition("inclusive",
		[]api.Element{
			node("start", api.ElementStartEvent, nil),
			node("incl", api.ElementInclusiveGateway, nil),
			node("t1", api.ElementUserTask, nil),
			node("t2", api.ElementUserTask, nil),
			node("t3", api.ElementUserTask, nil),
			node("end", api.ElementEndEvent, nil),
		},
		flow("f0", "start", "incl"),
		guarded("f1", "incl", "t1", "variables.x > 1"),
		guarded("f2", "incl", "t2", "variables.y > 1"),
		guarded("f3", "incl", "t3", "variables.z > 1"),
		flow("f1_end", "t1", "end"),
		flow("f2_end", "t2", "end"),
		flow("f3_end", "t3", "end"),
	)
	inst := h.start(def, map[string]any{"x": 5, "y": 5, "z": 0})

	require.Len(t, h.tasks(inst.ID), 2)
	h.task(inst.ID, "t1")
	h.task(inst.ID, "t2")

	h.complete(h.task(inst.ID, "t1").ID, "done", nil)
	require.Equal(t, api.ProcessRunning, h.process(inst.ID).Status, "one branch still open")

	h.complete(h.task(inst.ID, "t2").ID, "done", nil)
	require.Equal(t, api.ProcessCompleted, h.process(inst.ID).Status)
}

func TestEngine_StartCopiesVariables(t *testing.T) {
	h := newHarness(t)
	vars := map[string]any{"amount": 10}
	inst := h.start(linearUserTask(), vars)

	vars["amount"] = 99
	require.Equal(t, 10, h.process(inst.ID).Variables["amount"])
}

func TestEngine_StartWithoutStartEventFails(t *testing.T) {
	h := newHarness(t)
	def := definition("broken", []api.Element{node("task", api.ElementUserTask, nil)})

	_, err := h.eng.StartProcess(h.ctx, def, nil, "tester")
	var de *api.DefinitionError
	require.ErrorAs(t, err, &de)
}

func TestEngine_ObserverSeesLifecycle(t *testing.T) {
	h := newHarness(t)
	inst := h.start(linearUserTask(), nil)
	h.complete(h.task(inst.ID, "review").ID, "ok", nil)

	require.Equal(t, []string{inst.ID}, h.events.started)
	require.Equal(t, []string{inst.ID}, h.events.completed)
	require.Equal(t, []string{"start", "review", "end"}, h.events.entered)
	require.Equal(t, []string{"review"}, h.events.created)
	require.Equal(t, []string{"review"}, h.events.done)

	types := make([]api.HistoryType, 0)
	for _, ev := range h.history(inst.ID) {
		types = append(types, ev.Type)
	}
	require.Equal(t, api.HistoryProcessStarted, types[0])
	require.Equal(t, api.HistoryProcessCompleted, types[len(types)-1])
}

func TestEngine_ListProcessesFilters(t *testing.T) {
	h := newHarness(t)
	done := h.start(linearUserTask(), nil)
	h.complete(h.task(done.ID, "review").ID, "ok", nil)
	open := h.start(linearUserTask(), nil)
	h.start(reviewAndPublish(), nil)

	running, err := h.eng.ListProcesses(h.ctx, api.ProcessListOptions{DefinitionID: "linear", Status: api.ProcessRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, open.ID, running[0].ID)

	all, err := h.eng.ListProcesses(h.ctx, api.ProcessListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}
