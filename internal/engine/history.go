package engine

import (
	"context"
	"errors"

	"github.com/petrijr/procflow/internal/jobqueue"
	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/pkg/api"
)

// record appends a history event for inst. History is best effort: a
// failing event store is logged and never fails the operation.
func (e *engineImpl) record(ctx context.Context, inst *api.ProcessInstance, ev api.HistoryEvent) {
	ev.ProcessID = inst.ID
	ev.TenantID = inst.TenantID
	if ev.At.IsZero() {
		ev.At = e.now.Now()
	}
	if err := e.events.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("history_append_failed",
			"process_id", inst.ID,
			"type", string(ev.Type),
			"error", err,
		)
	}
}

// notify sends n without letting a notifier failure reach the caller.
func (e *engineImpl) notify(ctx context.Context, n api.Notification) {
	if n.At.IsZero() {
		n.At = e.now.Now()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification_failed",
			"kind", string(n.Kind),
			"process_id", n.ProcessID,
			"error", err,
		)
	}
}

// getInstance loads an instance visible to the context tenant.
func (e *engineImpl) getInstance(ctx context.Context, id string) (*api.ProcessInstance, error) {
	inst, err := e.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, translate(err, "process", id)
	}
	if inst.TenantID != api.TenantOrDefault(ctx) {
		return nil, &api.NotFoundError{Kind: "process", ID: id}
	}
	return inst, nil
}

// getTask loads a task visible to the context tenant.
func (e *engineImpl) getTask(ctx context.Context, id string) (*api.TaskInstance, error) {
	task, err := e.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, translate(err, "task", id)
	}
	if task.TenantID != api.TenantOrDefault(ctx) {
		return nil, &api.NotFoundError{Kind: "task", ID: id}
	}
	return task, nil
}

// translate maps store sentinels to api.NotFoundError.
func translate(err error, kind, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrInstanceNotFound),
		errors.Is(err, persistence.ErrTaskNotFound),
		errors.Is(err, jobqueue.ErrJobNotFound):
		return &api.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func stateError(inst *api.ProcessInstance, op string) error {
	return &api.StateError{Kind: "process", ID: inst.ID, Status: string(inst.Status), Op: op}
}
