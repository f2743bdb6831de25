package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTenantContext(t *testing.T) {
	ctx := context.Background()

	_, ok := TenantFromContext(ctx)
	require.False(t, ok)
	require.Equal(t, DefaultTenant, TenantOrDefault(ctx))

	acme := WithTenant(ctx, "acme")
	got, ok := TenantFromContext(acme)
	require.True(t, ok)
	require.Equal(t, "acme", got)
	require.Equal(t, "acme", TenantOrDefault(acme))

	empty := WithTenant(ctx, "")
	_, ok = TenantFromContext(empty)
	require.False(t, ok, "an empty tenant counts as unset")
	require.Equal(t, DefaultTenant, TenantOrDefault(empty))
}

func TestClock_Now(t *testing.T) {
	var nilClock Clock
	before := time.Now()
	require.False(t, nilClock.Now().Before(before.Add(-time.Second)))

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, fixed, Clock(func() time.Time { return fixed }).Now())
}

func TestStatusPredicates(t *testing.T) {
	require.False(t, ProcessRunning.Terminal())
	require.False(t, ProcessSuspended.Terminal())
	require.True(t, ProcessCompleted.Terminal())
	require.True(t, ProcessCancelled.Terminal())

	require.True(t, TaskPending.Open())
	require.True(t, TaskAssigned.Open())
	require.False(t, TaskCompleted.Open())
	require.True(t, TaskCancelled.Terminal())
	require.False(t, TaskAssigned.Terminal())
}

func TestCloneIsIndependent(t *testing.T) {
	inst := &ProcessInstance{
		ID:           "p1",
		Variables:    map[string]any{"a": 1},
		Waiting:      []string{"review"},
		JoinArrivals: map[string][]string{"join": {"f1"}},
	}
	cp := inst.Clone()
	cp.Variables["a"] = 2
	cp.Waiting[0] = "other"
	cp.JoinArrivals["join"][0] = "f2"
	require.Equal(t, 1, inst.Variables["a"])
	require.Equal(t, "review", inst.Waiting[0])
	require.Equal(t, "f1", inst.JoinArrivals["join"][0])

	task := &TaskInstance{ID: "t1", FormData: map[string]any{"x": "y"}}
	tc := task.Clone()
	tc.FormData["x"] = "z"
	require.Equal(t, "y", task.FormData["x"])

	job := &EngineJob{ID: "j1", Payload: map[string]any{PayloadAction: string(ActionServiceTask), PayloadElementID: "charge"}}
	jc := job.Clone()
	jc.Payload[PayloadElementID] = "other"
	require.Equal(t, "charge", job.ElementID())
	require.Equal(t, ActionServiceTask, job.Action())
	require.Nil(t, (*EngineJob)(nil).Clone())
	require.Equal(t, JobAction(""), (&EngineJob{}).Action())
}
