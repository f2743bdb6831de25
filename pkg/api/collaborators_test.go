package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceHandlerFunc(t *testing.T) {
	h := ServiceHandlerFunc(func(ctx context.Context, req ServiceRequest) (map[string]any, error) {
		return map[string]any{"echo": req.Config["msg"], "attempt": req.Attempt}, nil
	})

	out, err := h.Execute(context.Background(), ServiceRequest{Attempt: 2, Config: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echo": "hi", "attempt": 2}, out)
}

func TestLogNotifier_LevelByKind(t *testing.T) {
	h := &recordingHandler{}
	n := NewLogNotifier(slog.New(h))
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Notification{Kind: NotifyMessage, ProcessID: "p1", Message: "order.paid"}))
	require.NoError(t, n.Notify(ctx, Notification{Kind: NotifyJobDead, JobID: "j1", Message: "gave up"}))
	require.NoError(t, n.Notify(ctx, Notification{Kind: NotifyProcessError, ProcessID: "p1"}))

	require.Len(t, h.records, 3)
	require.Equal(t, slog.LevelInfo, h.records[0].Level)
	require.Equal(t, slog.LevelWarn, h.records[1].Level)
	require.Equal(t, slog.LevelWarn, h.records[2].Level)

	attrs := attrsToMap(h.records[0])
	require.Equal(t, "message", attrs["kind"])
	require.Equal(t, "order.paid", attrs["message"])
	require.Equal(t, "j1", attrsToMap(h.records[1])["job_id"])
}

func TestNewLogNotifier_NilLoggerUsesDefault(t *testing.T) {
	require.NotNil(t, NewLogNotifier(nil).Logger)
	require.NoError(t, NoopNotifier{}.Notify(context.Background(), Notification{}))
}

func TestAssigneeAuthorizer(t *testing.T) {
	ctx := context.Background()
	var a Authorizer = AssigneeAuthorizer{}

	unassigned := &TaskInstance{ID: "t1", Status: TaskPending}
	assigned := &TaskInstance{ID: "t2", Status: TaskAssigned, AssigneeID: "alice"}

	require.NoError(t, a.AuthorizeCompletion(ctx, unassigned, "bob"))
	require.NoError(t, a.AuthorizeCompletion(ctx, assigned, "alice"))

	var authErr *AuthorizationError
	require.ErrorAs(t, a.AuthorizeCompletion(ctx, assigned, "bob"), &authErr)
	require.Equal(t, "bob", authErr.UserID)
	require.Equal(t, "t2", authErr.TaskID)

	require.ErrorAs(t, a.AuthorizeCompletion(ctx, unassigned, ""), &authErr)
	require.Equal(t, "anonymous user", authErr.Reason)

	require.NoError(t, AllowAllAuthorizer{}.AuthorizeCompletion(ctx, assigned, ""))
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&DefinitionError{Reason: "decode: boom"}, "definition: decode: boom"},
		{&DefinitionError{DefinitionID: "order", Reason: "no start event"}, "definition order: no start event"},
		{&DefinitionError{DefinitionID: "order", ElementID: "x", Reason: "duplicate element id"}, "definition order: element x: duplicate element id"},
		{&ConditionEvaluationError{Expression: "a >", Reason: "unexpected end"}, `condition "a >": unexpected end`},
		{&ServiceExecutionError{ServiceType: "http", TaskID: "t1", Err: errors.New("502")}, "service http (task t1): 502"},
		{&AuthorizationError{UserID: "bob", TaskID: "t1", Reason: "nope"}, `user "bob" not authorized for task t1: nope`},
		{&NotFoundError{Kind: "process", ID: "p1"}, "process not found: p1"},
		{&StateError{Kind: "task", ID: "t1", Status: "cancelled", Op: "complete"}, "cannot complete task t1 in status cancelled"},
	}
	for _, tt := range tests {
		require.EqualError(t, tt.err, tt.want)
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("execute: %w", &ServiceExecutionError{ServiceType: "http", Err: cause})
	require.ErrorIs(t, err, cause)

	require.True(t, IsNotFound(fmt.Errorf("load: %w", &NotFoundError{Kind: "job", ID: "j"})))
	require.False(t, IsNotFound(cause))
	require.False(t, IsNotFound(nil))
}
