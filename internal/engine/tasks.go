package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/petrijr/procflow/pkg/api"
)

func (e *engineImpl) newTask(ex *execution, el *api.Element, typ api.TaskType) *api.TaskInstance {
	now := e.now.Now()
	name := el.Name
	if name == "" {
		name = el.ID
	}
	task := &api.TaskInstance{
		ID:           uuid.NewString(),
		TenantID:     ex.inst.TenantID,
		ProcessID:    ex.inst.ID,
		TaskKey:      el.ID,
		Name:         name,
		Type:         typ,
		Status:       api.TaskPending,
		AssigneeID:   el.StringProp(api.PropAssignee, ""),
		AssigneeRole: el.StringProp(api.PropAssigneeRole, ""),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if due := el.DurationProp(api.PropDueIn, 0); due > 0 {
		d := now.Add(due)
		task.DueDate = &d
	}
	return task
}

func (e *engineImpl) createTask(ctx context.Context, ex *execution, task *api.TaskInstance) error {
	if err := e.tasks.CreateTask(ctx, task); err != nil {
		return err
	}
	ex.created = append(ex.created, task.ID)
	e.record(ctx, ex.inst, api.HistoryEvent{
		Type:      api.HistoryTaskCreated,
		ElementID: task.TaskKey,
		TaskID:    task.ID,
		Detail:    string(task.Type),
	})
	e.observer.OnTaskCreated(ctx, task)
	return nil
}

// enterUserTask creates a pending task and parks the token until the task
// is completed.
func (e *engineImpl) enterUserTask(ctx context.Context, ex *execution, el *api.Element) error {
	if err := e.createTask(ctx, ex, e.newTask(ex, el, api.TaskUser)); err != nil {
		return err
	}
	ex.park(el.ID)
	return nil
}

// enterServiceTask creates the task and queues the job that runs its
// handler, then parks the token.
func (e *engineImpl) enterServiceTask(ctx context.Context, ex *execution, el *api.Element) error {
	task := e.newTask(ex, el, api.TaskService)
	if err := e.createTask(ctx, ex, task); err != nil {
		return err
	}

	job, created, err := e.queue.Enqueue(ctx, &api.EngineJob{
		TenantID:       ex.inst.TenantID,
		ProcessID:      ex.inst.ID,
		TaskID:         task.ID,
		Kind:           api.JobServiceExec,
		MaxAttempts:    el.IntProp(api.PropMaxAttempts, 0),
		IdempotencyKey: "service:" + task.ID,
		Payload: map[string]any{
			api.PayloadAction:    string(api.ActionServiceTask),
			api.PayloadElementID: el.ID,
		},
	})
	if err != nil {
		return err
	}
	if created {
		ex.queued = append(ex.queued, job)
	}
	e.record(ctx, ex.inst, api.HistoryEvent{
		Type:      api.HistoryJobEnqueued,
		ElementID: el.ID,
		TaskID:    task.ID,
		JobID:     job.ID,
		Detail:    el.StringProp(api.PropServiceType, ""),
	})

	ex.park(el.ID)
	return nil
}

func (e *engineImpl) CompleteTask(ctx context.Context, taskID, outcome string, formData map[string]any, userID string) (*api.TaskInstance, error) {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == api.TaskCompleted {
		return task, nil
	}
	if task.Type != api.TaskUser {
		return nil, &api.StateError{Kind: "task", ID: taskID, Status: string(task.Type), Op: "complete"}
	}
	if task.Status.Terminal() {
		return nil, &api.StateError{Kind: "task", ID: taskID, Status: string(task.Status), Op: "complete"}
	}
	if err := e.authorizer.AuthorizeCompletion(ctx, task, userID); err != nil {
		return nil, err
	}

	var out *api.TaskInstance
	err = e.withInstance(ctx, task.ProcessID, func() error {
		ex, err := e.load(ctx, task.ProcessID, false)
		if err != nil {
			return err
		}
		if ex.inst.Status != api.ProcessRunning {
			return stateError(ex.inst, "complete task "+taskID)
		}
		before, err := e.getTask(ctx, taskID)
		if err != nil {
			return err
		}

		ok, err := e.tasks.TransitionTask(ctx, taskID, api.TaskCompleted, api.TaskPending, api.TaskAssigned)
		if err != nil {
			return translate(err, "task", taskID)
		}
		if !ok {
			// Lost a race with another completion or a cancellation.
			current, err := e.getTask(ctx, taskID)
			if err != nil {
				return err
			}
			if current.Status == api.TaskCompleted {
				out = current
				return nil
			}
			return &api.StateError{Kind: "task", ID: taskID, Status: string(current.Status), Op: "complete"}
		}

		done, err := e.tasks.GetTask(ctx, taskID)
		if err != nil {
			return translate(err, "task", taskID)
		}
		now := e.now.Now()
		done.Outcome = outcome
		done.FormData = maps.Clone(formData)
		done.CompletedBy = userID
		done.CompletedAt = &now
		done.UpdatedAt = now
		if err := e.tasks.UpdateTask(ctx, done); err != nil {
			return e.reopenTask(ctx, before, err)
		}

		mergeCompletion(ex.inst.Variables, done.TaskKey, outcome, formData)
		e.record(ctx, ex.inst, api.HistoryEvent{
			Type:      api.HistoryTaskCompleted,
			ElementID: done.TaskKey,
			TaskID:    done.ID,
			Detail:    outcome,
		})
		e.observer.OnTaskCompleted(ctx, done)

		if _, err := e.advance(ctx, ex, done.TaskKey); err != nil {
			return e.reopenTask(ctx, before, err)
		}
		out = done.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *engineImpl) AssignTask(ctx context.Context, taskID, assigneeID string) (*api.TaskInstance, error) {
	task, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Type != api.TaskUser {
		return nil, &api.StateError{Kind: "task", ID: taskID, Status: string(task.Type), Op: "assign"}
	}
	if task.Status.Terminal() {
		return nil, &api.StateError{Kind: "task", ID: taskID, Status: string(task.Status), Op: "assign"}
	}
	if task.Status == api.TaskAssigned && task.AssigneeID == assigneeID {
		return task, nil
	}

	var out *api.TaskInstance
	err = e.withInstance(ctx, task.ProcessID, func() error {
		ok, err := e.tasks.TransitionTask(ctx, taskID, api.TaskAssigned, api.TaskPending, api.TaskAssigned)
		if err != nil {
			return translate(err, "task", taskID)
		}
		current, err := e.getTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return &api.StateError{Kind: "task", ID: taskID, Status: string(current.Status), Op: "assign"}
		}

		current.AssigneeID = assigneeID
		current.UpdatedAt = e.now.Now()
		if err := e.tasks.UpdateTask(ctx, current); err != nil {
			return err
		}

		if inst, err := e.instances.GetInstance(ctx, task.ProcessID); err == nil {
			e.record(ctx, inst, api.HistoryEvent{
				Type:      api.HistoryTaskAssigned,
				ElementID: current.TaskKey,
				TaskID:    current.ID,
				Detail:    assigneeID,
			})
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reopenTask writes back the task as it was before a completion whose
// follow-up failed, so the completion can be retried.
func (e *engineImpl) reopenTask(ctx context.Context, before *api.TaskInstance, cause error) error {
	before.UpdatedAt = e.now.Now()
	if err := e.tasks.UpdateTask(context.WithoutCancel(ctx), before); err != nil {
		return multierr.Append(cause, fmt.Errorf("reopen task %s: %w", before.ID, err))
	}
	e.logger.Warn("task_reopened", "task_id", before.ID, "process_id", before.ProcessID, "error", cause)
	return cause
}

// mergeCompletion applies a task result to the process variables: formData
// is merged shallowly, then the outcome is stored as "outcome" and
// "<taskKey>_outcome". Approve/reject outcomes also set "approved" unless
// formData already did.
func mergeCompletion(vars map[string]any, taskKey, outcome string, formData map[string]any) {
	maps.Copy(vars, formData)
	if outcome == "" {
		return
	}
	vars["outcome"] = outcome
	vars[taskKey+"_outcome"] = outcome

	if _, set := formData["approved"]; set {
		return
	}
	switch strings.ToLower(outcome) {
	case "approve", "approved":
		vars["approved"] = true
	case "reject", "rejected":
		vars["approved"] = false
	}
}
