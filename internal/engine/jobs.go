package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/petrijr/procflow/pkg/api"
)

// ExecuteJob runs a claimed job. It returns api.ErrDeferred while the
// process is suspended and api.ErrJobObsolete when the process or task has
// already ended; any other error counts as a failed attempt.
func (e *engineImpl) ExecuteJob(ctx context.Context, job *api.EngineJob) error {
	ctx = api.WithTenant(ctx, job.TenantID)

	switch action := job.Action(); action {
	case api.ActionServiceTask:
		return e.runServiceTask(ctx, job)
	case api.ActionTimerEvent:
		return e.runTimer(ctx, job)
	case api.ActionThrowMessage, api.ActionThrowSignal:
		return e.runThrow(ctx, job, action)
	default:
		return fmt.Errorf("job %s: unknown action %q", job.ID, action)
	}
}

// runServiceTask invokes the service handler without holding the instance
// lock, then applies the result under the lock.
func (e *engineImpl) runServiceTask(ctx context.Context, job *api.EngineJob) error {
	ex, err := e.load(ctx, job.ProcessID, false)
	if err != nil {
		return err
	}
	if err := jobGate(ex.inst); err != nil {
		return err
	}
	task, err := e.tasks.GetTask(ctx, job.TaskID)
	if err != nil {
		return translate(err, "task", job.TaskID)
	}
	if task.Status.Terminal() {
		return api.ErrJobObsolete
	}
	el, ok := ex.def.Element(job.ElementID())
	if !ok {
		return &api.DefinitionError{DefinitionID: ex.def.ID(), ElementID: job.ElementID(), Reason: "element not found"}
	}

	serviceType := el.StringProp(api.PropServiceType, "")
	out, err := e.services.Execute(ctx, api.ServiceRequest{
		TenantID:    job.TenantID,
		ProcessID:   job.ProcessID,
		TaskID:      job.TaskID,
		ElementID:   el.ID,
		ServiceType: serviceType,
		Attempt:     job.Attempts + 1,
		Config:      maps.Clone(el.Properties),
		Variables:   maps.Clone(ex.inst.Variables),
	})
	if err != nil {
		var se *api.ServiceExecutionError
		if !errors.As(err, &se) {
			err = &api.ServiceExecutionError{ServiceType: serviceType, TaskID: job.TaskID, Err: err}
		}
		return err
	}

	return e.withInstance(ctx, job.ProcessID, func() error {
		ex, err := e.load(ctx, job.ProcessID, false)
		if err != nil {
			return err
		}
		if err := jobGate(ex.inst); err != nil {
			return err
		}

		ok, err := e.tasks.TransitionTask(ctx, job.TaskID, api.TaskCompleted, api.TaskPending, api.TaskAssigned)
		if err != nil {
			return translate(err, "task", job.TaskID)
		}
		if !ok {
			return api.ErrJobObsolete
		}
		done, err := e.tasks.GetTask(ctx, job.TaskID)
		if err != nil {
			return translate(err, "task", job.TaskID)
		}
		now := e.now.Now()
		done.Outcome = "completed"
		done.FormData = out
		done.CompletedAt = &now
		done.UpdatedAt = now
		if err := e.tasks.UpdateTask(ctx, done); err != nil {
			return e.reopenTask(ctx, task, err)
		}

		result := out
		if name := el.StringProp(api.PropResultVariable, ""); name != "" && out != nil {
			result = map[string]any{name: out}
		}
		mergeCompletion(ex.inst.Variables, el.ID, "", result)

		e.record(ctx, ex.inst, api.HistoryEvent{
			Type:      api.HistoryTaskCompleted,
			ElementID: el.ID,
			TaskID:    done.ID,
			JobID:     job.ID,
			Detail:    done.Outcome,
		})
		e.observer.OnTaskCompleted(ctx, done)

		if _, err := e.advance(ctx, ex, el.ID); err != nil {
			// The task goes back to pending so the retry runs the handler again.
			return e.reopenTask(ctx, task, err)
		}
		return nil
	})
}

func (e *engineImpl) runTimer(ctx context.Context, job *api.EngineJob) error {
	return e.withInstance(ctx, job.ProcessID, func() error {
		ex, err := e.load(ctx, job.ProcessID, false)
		if err != nil {
			return err
		}
		if err := jobGate(ex.inst); err != nil {
			return err
		}
		if !ex.waitingAt(job.ElementID()) {
			return api.ErrJobObsolete
		}
		_, err = e.advance(ctx, ex, job.ElementID())
		return err
	})
}

// runThrow delivers a thrown message or signal through the notifier. It
// runs even after the process ended, since end events throw on the way out.
func (e *engineImpl) runThrow(ctx context.Context, job *api.EngineJob, action api.JobAction) error {
	kind := api.NotifyMessage
	if action == api.ActionThrowSignal {
		kind = api.NotifySignal
	}
	name, _ := job.Payload[api.PayloadName].(string)
	data, _ := job.Payload[api.PayloadData].(map[string]any)

	return e.notifier.Notify(ctx, api.Notification{
		Kind:      kind,
		TenantID:  job.TenantID,
		ProcessID: job.ProcessID,
		JobID:     job.ID,
		Message:   name,
		Data:      data,
		At:        e.now.Now(),
	})
}

// JobDead cancels the job's task with an error outcome and raises a
// notification. The process keeps waiting at the task so the job can be
// replayed with RetryJob.
func (e *engineImpl) JobDead(ctx context.Context, job *api.EngineJob, cause error) {
	ctx = api.WithTenant(ctx, job.TenantID)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	err := e.withInstance(ctx, job.ProcessID, func() error {
		inst, err := e.instances.GetInstance(ctx, job.ProcessID)
		if err != nil {
			return translate(err, "process", job.ProcessID)
		}
		e.record(ctx, inst, api.HistoryEvent{
			Type:      api.HistoryJobDead,
			ElementID: job.ElementID(),
			TaskID:    job.TaskID,
			JobID:     job.ID,
			Detail:    msg,
		})

		if job.TaskID == "" {
			return nil
		}
		ok, err := e.tasks.TransitionTask(ctx, job.TaskID, api.TaskCancelled, api.TaskPending, api.TaskAssigned)
		if err != nil || !ok {
			return translate(err, "task", job.TaskID)
		}
		task, err := e.tasks.GetTask(ctx, job.TaskID)
		if err != nil {
			return translate(err, "task", job.TaskID)
		}
		task.Outcome = "error: " + msg
		task.UpdatedAt = e.now.Now()
		if err := e.tasks.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.record(ctx, inst, api.HistoryEvent{
			Type:      api.HistoryTaskCancelled,
			ElementID: task.TaskKey,
			TaskID:    task.ID,
			JobID:     job.ID,
			Detail:    task.Outcome,
		})
		return nil
	})
	if err != nil {
		e.logger.Error("job_dead_handling_failed", "job_id", job.ID, "process_id", job.ProcessID, "error", err)
	}

	e.notify(ctx, api.Notification{
		Kind:      api.NotifyJobDead,
		TenantID:  job.TenantID,
		ProcessID: job.ProcessID,
		TaskID:    job.TaskID,
		JobID:     job.ID,
		Message:   fmt.Sprintf("job %s dead after %d attempts: %s", job.ID, job.Attempts, msg),
	})
	e.observer.OnJobDead(ctx, job, cause)
}

func (e *engineImpl) GetJob(ctx context.Context, jobID string) (*api.EngineJob, error) {
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return nil, translate(err, "job", jobID)
	}
	if job.TenantID != api.TenantOrDefault(ctx) {
		return nil, &api.NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// RetryJob replays a dead job: the job is queued again with a fresh attempt
// budget and its cancelled task returns to pending.
func (e *engineImpl) RetryJob(ctx context.Context, jobID string) (*api.EngineJob, error) {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != api.JobDead {
		return nil, &api.StateError{Kind: "job", ID: jobID, Status: string(job.Status), Op: "retry"}
	}

	var out *api.EngineJob
	err = e.withInstance(ctx, job.ProcessID, func() error {
		inst, err := e.getInstance(ctx, job.ProcessID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return stateError(inst, "retry job "+jobID)
		}

		if job.TaskID != "" {
			ok, err := e.tasks.TransitionTask(ctx, job.TaskID, api.TaskPending, api.TaskCancelled)
			if err != nil {
				return translate(err, "task", job.TaskID)
			}
			if ok {
				task, err := e.tasks.GetTask(ctx, job.TaskID)
				if err != nil {
					return translate(err, "task", job.TaskID)
				}
				task.Outcome = ""
				task.UpdatedAt = e.now.Now()
				if err := e.tasks.UpdateTask(ctx, task); err != nil {
					return err
				}
			}
		}

		replayed, err := e.queue.Replay(ctx, jobID)
		if err != nil {
			return translate(err, "job", jobID)
		}
		e.record(ctx, inst, api.HistoryEvent{
			Type:      api.HistoryJobRetried,
			ElementID: replayed.ElementID(),
			TaskID:    replayed.TaskID,
			JobID:     replayed.ID,
		})
		out = replayed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// jobGate reports whether a job may act on inst now.
func jobGate(inst *api.ProcessInstance) error {
	switch {
	case inst.Status.Terminal():
		return api.ErrJobObsolete
	case inst.Status == api.ProcessSuspended:
		return api.ErrDeferred
	}
	return nil
}
