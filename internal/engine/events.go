package engine

import (
	"context"
	"fmt"

	"github.com/petrijr/procflow/internal/services"
	"github.com/petrijr/procflow/pkg/api"
)

func (e *engineImpl) startEvent(ctx context.Context, ex *execution, el *api.Element) ([]arrival, error) {
	switch trig := el.Trigger(); trig {
	case api.TriggerNone:
	case api.TriggerTimer, api.TriggerMessage, api.TriggerSignal:
		// The instance already exists, so the trigger is informational.
		e.logger.Info("start_trigger",
			"process_id", ex.inst.ID,
			"element_id", el.ID,
			"trigger", string(trig),
		)
	default:
		e.logger.Warn("start_trigger_unsupported", "process_id", ex.inst.ID, "element_id", el.ID, "trigger", string(trig))
	}
	return e.forward(ctx, ex, el, e.outgoingFlows(ex, el)), nil
}

func (e *engineImpl) endEvent(ctx context.Context, ex *execution, el *api.Element) error {
	switch trig := el.Trigger(); trig {
	case api.TriggerError:
		code := el.StringProp(api.PropErrorCode, "error")
		msg := el.StringProp(api.PropErrorMessage, "")
		reason := "error: " + code
		if msg != "" {
			reason += ": " + msg
		}
		e.logger.Warn("process_error_end",
			"process_id", ex.inst.ID,
			"element_id", el.ID,
			"error_code", code,
			"error_message", msg,
		)
		err := e.end(ctx, ex, api.ProcessCancelled, reason)
		e.notify(ctx, api.Notification{
			Kind:      api.NotifyProcessError,
			TenantID:  ex.inst.TenantID,
			ProcessID: ex.inst.ID,
			Message:   reason,
			Data:      map[string]any{"errorCode": code, "errorMessage": msg, "elementId": el.ID},
		})
		return err

	case api.TriggerTerminate:
		err := e.end(ctx, ex, api.ProcessCancelled, "terminated at "+el.ID)
		e.notify(ctx, api.Notification{
			Kind:      api.NotifyProcessTerminate,
			TenantID:  ex.inst.TenantID,
			ProcessID: ex.inst.ID,
			Message:   "terminate end event " + el.ID,
		})
		return err

	case api.TriggerMessage:
		if err := e.enqueueThrow(ctx, ex, el, api.ActionThrowMessage); err != nil {
			return err
		}
	case api.TriggerSignal:
		if err := e.enqueueThrow(ctx, ex, el, api.ActionThrowSignal); err != nil {
			return err
		}
	}

	e.consumeToken(ctx, ex)
	return nil
}

func (e *engineImpl) intermediateEvent(ctx context.Context, ex *execution, el *api.Element) ([]arrival, error) {
	trig := el.Trigger()
	catching := el.BoolProp(api.PropCatching, trig == api.TriggerTimer)

	switch {
	case trig == api.TriggerTimer:
		if err := e.enqueueTimer(ctx, ex, el); err != nil {
			return nil, err
		}
		ex.park(el.ID)
		return nil, nil

	case catching && (trig == api.TriggerMessage || trig == api.TriggerSignal):
		// Resumed by CorrelateEvent.
		ex.park(el.ID)
		return nil, nil

	case trig == api.TriggerMessage:
		if err := e.enqueueThrow(ctx, ex, el, api.ActionThrowMessage); err != nil {
			return nil, err
		}
	case trig == api.TriggerSignal:
		if err := e.enqueueThrow(ctx, ex, el, api.ActionThrowSignal); err != nil {
			return nil, err
		}
	case trig != api.TriggerNone:
		e.logger.Warn("intermediate_trigger_unsupported", "process_id", ex.inst.ID, "element_id", el.ID, "trigger", string(trig))
	}
	return e.forward(ctx, ex, el, e.outgoingFlows(ex, el)), nil
}

// enqueueTimer schedules the timer job for a catching timer event. Its
// idempotency key is derived from the element and the instance; when the
// key belongs to a finished job (the flow looped back to the element) a
// numbered key is used for the new visit.
func (e *engineImpl) enqueueTimer(ctx context.Context, ex *execution, el *api.Element) error {
	delay := el.DurationProp(api.PropDelay, e.timerDelay)
	base := fmt.Sprintf("timer:%s:%s", el.ID, ex.inst.ID)

	key := base
	for n := 2; ; n++ {
		job, created, err := e.queue.Enqueue(ctx, &api.EngineJob{
			TenantID:       ex.inst.TenantID,
			ProcessID:      ex.inst.ID,
			Kind:           api.JobTimer,
			RunAt:          e.now.Now().Add(delay),
			IdempotencyKey: key,
			Payload: map[string]any{
				api.PayloadAction:    string(api.ActionTimerEvent),
				api.PayloadElementID: el.ID,
			},
		})
		if err != nil {
			return err
		}
		if created {
			ex.queued = append(ex.queued, job)
			e.record(ctx, ex.inst, api.HistoryEvent{
				Type:      api.HistoryJobEnqueued,
				ElementID: el.ID,
				JobID:     job.ID,
				Detail:    "timer " + delay.String(),
			})
			return nil
		}
		if job.Status == api.JobQueued || job.Status == api.JobRunning {
			return nil
		}
		key = fmt.Sprintf("%s:%d", base, n)
	}
}

// enqueueThrow queues delivery of a thrown message or signal. The name
// comes from the "message" property (the element id otherwise) and the
// payload is interpolated against the current variables.
func (e *engineImpl) enqueueThrow(ctx context.Context, ex *execution, el *api.Element, action api.JobAction) error {
	name := el.StringProp(api.PropMessage, el.ID)
	data := services.InterpolateConfig(el.MapProp(api.PropPayload), ex.inst.Variables)

	job, _, err := e.queue.Enqueue(ctx, &api.EngineJob{
		TenantID:  ex.inst.TenantID,
		ProcessID: ex.inst.ID,
		Kind:      api.JobServiceExec,
		Payload: map[string]any{
			api.PayloadAction:    string(action),
			api.PayloadElementID: el.ID,
			api.PayloadName:      name,
			api.PayloadData:      data,
		},
	})
	if err != nil {
		return err
	}
	ex.queued = append(ex.queued, job)
	e.record(ctx, ex.inst, api.HistoryEvent{
		Type:      api.HistoryJobEnqueued,
		ElementID: el.ID,
		JobID:     job.ID,
		Detail:    string(action) + " " + name,
	})
	return nil
}
