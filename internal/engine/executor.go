package engine

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/multierr"

	"github.com/petrijr/procflow/internal/persistence"
	"github.com/petrijr/procflow/pkg/api"
)

// execution is one instance loaded together with its definition. It is
// only touched while the instance lock is held.
type execution struct {
	inst *api.ProcessInstance
	def  *api.CompiledDefinition

	// Store writes made by the current walk, undone by rollback.
	created []string
	queued  []*api.EngineJob
}

func (ex *execution) waitingAt(elementID string) bool {
	return slices.Contains(ex.inst.Waiting, elementID)
}

// park leaves the current token waiting at elementID.
func (ex *execution) park(elementID string) {
	ex.inst.Waiting = append(ex.inst.Waiting, elementID)
}

// unpark removes one waiting token at elementID and reports whether there
// was one.
func (ex *execution) unpark(elementID string) bool {
	i := slices.Index(ex.inst.Waiting, elementID)
	if i < 0 {
		return false
	}
	ex.inst.Waiting = slices.Delete(ex.inst.Waiting, i, i+1)
	return true
}

// arrival is a token reaching an element, through flowID when it came
// along a sequence flow.
type arrival struct {
	elementID string
	flowID    string
}

// drive runs arrivals breadth first until every token is parked, consumed
// or the instance reaches a terminal status.
func (e *engineImpl) drive(ctx context.Context, ex *execution, pending []arrival) error {
	for len(pending) > 0 && !ex.inst.Status.Terminal() {
		a := pending[0]
		pending = pending[1:]

		el, ok := ex.def.Element(a.elementID)
		if !ok {
			return &api.DefinitionError{DefinitionID: ex.def.ID(), ElementID: a.elementID, Reason: "element not found"}
		}

		next, err := e.executeElement(ctx, ex, el, a.flowID)
		if err != nil {
			return err
		}
		pending = append(pending, next...)
	}
	return nil
}

// executeElement runs a single element for one token and returns the
// arrivals it produces.
func (e *engineImpl) executeElement(ctx context.Context, ex *execution, el *api.Element, via string) ([]arrival, error) {
	ex.inst.CurrentElement = el.ID
	e.observer.OnElementEnter(ctx, ex.inst, el)
	e.record(ctx, ex.inst, api.HistoryEvent{Type: api.HistoryElementEntered, ElementID: el.ID, Detail: string(el.Type)})

	switch el.Type {
	case api.ElementStartEvent:
		return e.startEvent(ctx, ex, el)
	case api.ElementEndEvent:
		return nil, e.endEvent(ctx, ex, el)
	case api.ElementIntermediateEvent:
		return e.intermediateEvent(ctx, ex, el)
	case api.ElementUserTask:
		return nil, e.enterUserTask(ctx, ex, el)
	case api.ElementServiceTask:
		return nil, e.enterServiceTask(ctx, ex, el)
	case api.ElementExclusiveGateway, api.ElementInclusiveGateway:
		return e.forward(ctx, ex, el, e.selectFlows(ex, el)), nil
	case api.ElementParallelGateway:
		return e.parallelGateway(ctx, ex, el, via), nil
	default:
		return nil, &api.DefinitionError{
			DefinitionID: ex.def.ID(),
			ElementID:    el.ID,
			Reason:       fmt.Sprintf("unsupported element type %q", el.Type),
		}
	}
}

// forward moves the current token along flows, splitting it when there is
// more than one. Without flows the token ends here.
func (e *engineImpl) forward(ctx context.Context, ex *execution, el *api.Element, flows []*api.SequenceFlow) []arrival {
	if len(flows) == 0 {
		e.consumeToken(ctx, ex)
		return nil
	}
	ex.inst.ActiveTokens += len(flows) - 1
	out := make([]arrival, len(flows))
	for i, f := range flows {
		out[i] = arrival{elementID: f.TargetRef, flowID: f.ID}
	}
	return out
}

// consumeToken ends one token. The instance completes with its last token.
func (e *engineImpl) consumeToken(ctx context.Context, ex *execution) {
	ex.inst.ActiveTokens--
	if ex.inst.ActiveTokens <= 0 && len(ex.inst.Waiting) == 0 {
		e.complete(ctx, ex)
	}
}

// continueFrom takes the token parked at elementID and drives it along the
// element's outgoing flows. It reports false, without doing anything, when
// no token waits there.
func (e *engineImpl) continueFrom(ctx context.Context, ex *execution, elementID string) (bool, error) {
	if !ex.unpark(elementID) {
		e.logger.Debug("continue_skipped",
			"process_id", ex.inst.ID,
			"element_id", elementID,
			"reason", "no waiting token",
		)
		return false, nil
	}
	el, ok := ex.def.Element(elementID)
	if !ok {
		return false, &api.DefinitionError{DefinitionID: ex.def.ID(), ElementID: elementID, Reason: "element not found"}
	}
	next := e.forward(ctx, ex, el, e.outgoingFlows(ex, el))
	return true, e.drive(ctx, ex, next)
}

// advance continues the token parked at elementID and saves the instance.
// When the walk or the save fails, the walk's store writes are rolled back
// and the stored instance keeps its previous position.
func (e *engineImpl) advance(ctx context.Context, ex *execution, elementID string) (bool, error) {
	moved, err := e.continueFrom(ctx, ex, elementID)
	if err == nil {
		err = e.save(ctx, ex.inst)
	}
	if err != nil {
		return false, e.rollback(ctx, ex, err)
	}
	return moved, nil
}

// rollback cancels the tasks and finishes the jobs created by a walk that
// failed before its instance was saved. It returns cause, joined with any
// error hit while undoing.
func (e *engineImpl) rollback(ctx context.Context, ex *execution, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := cause
	for _, id := range ex.created {
		if _, err := e.tasks.TransitionTask(ctx, id, api.TaskCancelled, api.TaskPending, api.TaskAssigned); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rollback task %s: %w", id, err))
		}
	}
	for _, job := range ex.queued {
		if err := e.queue.Finish(ctx, job, "rolled back: "+cause.Error()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rollback job %s: %w", job.ID, err))
		}
	}
	e.logger.Warn("walk_rolled_back",
		"process_id", ex.inst.ID,
		"tasks", len(ex.created),
		"jobs", len(ex.queued),
		"error", cause,
	)
	ex.created, ex.queued = nil, nil
	return errs
}

func (e *engineImpl) complete(ctx context.Context, ex *execution) {
	now := e.now.Now()
	ex.inst.Status = api.ProcessCompleted
	ex.inst.ActiveTokens = 0
	ex.inst.JoinArrivals = nil
	ex.inst.EndedAt = &now
	e.record(ctx, ex.inst, api.HistoryEvent{Type: api.HistoryProcessCompleted})
	e.observer.OnProcessCompleted(ctx, ex.inst)
}

// end cancels every open task of the instance and moves it to the terminal
// status with reason. Task cancellation failures are collected; the
// instance ends regardless.
func (e *engineImpl) end(ctx context.Context, ex *execution, status api.ProcessStatus, reason string) error {
	err := e.cancelOpenTasks(ctx, ex.inst, reason)

	now := e.now.Now()
	ex.inst.Status = status
	ex.inst.EndReason = reason
	ex.inst.ActiveTokens = 0
	ex.inst.Waiting = nil
	ex.inst.JoinArrivals = nil
	ex.inst.EndedAt = &now

	e.record(ctx, ex.inst, api.HistoryEvent{Type: api.HistoryProcessCancelled, Detail: reason})
	e.observer.OnProcessCancelled(ctx, ex.inst, reason)
	return err
}

func (e *engineImpl) cancelOpenTasks(ctx context.Context, inst *api.ProcessInstance, reason string) error {
	open, err := e.tasks.ListTasks(ctx, persistence.TaskFilter{
		ProcessID: inst.ID,
		Statuses:  []api.TaskStatus{api.TaskPending, api.TaskAssigned},
	})
	if err != nil {
		return err
	}

	var errs error
	for _, task := range open {
		ok, err := e.tasks.TransitionTask(ctx, task.ID, api.TaskCancelled, api.TaskPending, api.TaskAssigned)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel task %s: %w", task.ID, err))
			continue
		}
		if ok {
			e.record(ctx, inst, api.HistoryEvent{
				Type:      api.HistoryTaskCancelled,
				ElementID: task.TaskKey,
				TaskID:    task.ID,
				Detail:    reason,
			})
		}
	}
	return errs
}

// save persists the instance. The lease columns are left alone.
func (e *engineImpl) save(ctx context.Context, inst *api.ProcessInstance) error {
	inst.UpdatedAt = e.now.Now()
	if err := e.instances.UpdateInstance(ctx, inst); err != nil {
		return translate(err, "process", inst.ID)
	}
	return nil
}

// load reads an instance and resolves its definition. With tenantScoped
// the instance must belong to the context tenant.
func (e *engineImpl) load(ctx context.Context, processID string, tenantScoped bool) (*execution, error) {
	var (
		inst *api.ProcessInstance
		err  error
	)
	if tenantScoped {
		inst, err = e.getInstance(ctx, processID)
	} else {
		inst, err = e.instances.GetInstance(ctx, processID)
		err = translate(err, "process", processID)
	}
	if err != nil {
		return nil, err
	}
	if inst.Variables == nil {
		inst.Variables = make(map[string]any)
	}
	def, err := e.registry.Get(inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return &execution{inst: inst, def: def}, nil
}
