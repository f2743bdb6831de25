package engine

import (
	"context"
	"slices"

	"github.com/petrijr/procflow/pkg/api"
)

// selectFlows picks the flows a gateway activates.
//
// Exclusive: the first flow, in definition order, without a condition or
// whose condition is true. Inclusive: every such flow. Both fall back to
// the first outgoing flow when nothing matches. Parallel: all flows.
func (e *engineImpl) selectFlows(ex *execution, el *api.Element) []*api.SequenceFlow {
	flows := ex.def.Outgoing(el.ID)
	if len(flows) == 0 {
		return nil
	}

	switch el.Type {
	case api.ElementParallelGateway:
		return flows
	case api.ElementExclusiveGateway:
		for _, f := range flows {
			if e.flowTaken(ex, f) {
				return []*api.SequenceFlow{f}
			}
		}
		e.logger.Debug("gateway_default_flow", "process_id", ex.inst.ID, "element_id", el.ID, "flow_id", flows[0].ID)
		return flows[:1]
	default:
		var taken []*api.SequenceFlow
		for _, f := range flows {
			if e.flowTaken(ex, f) {
				taken = append(taken, f)
			}
		}
		if len(taken) == 0 {
			e.logger.Debug("gateway_default_flow", "process_id", ex.inst.ID, "element_id", el.ID, "flow_id", flows[0].ID)
			return flows[:1]
		}
		return taken
	}
}

// outgoingFlows selects the flows leaving a non-gateway element: every
// flow whose condition holds, so several unconditional flows split the
// token.
func (e *engineImpl) outgoingFlows(ex *execution, el *api.Element) []*api.SequenceFlow {
	if el.Type == api.ElementExclusiveGateway || el.Type == api.ElementParallelGateway {
		return e.selectFlows(ex, el)
	}
	return e.selectFlows(ex, &api.Element{ID: el.ID, Type: api.ElementInclusiveGateway})
}

func (e *engineImpl) flowTaken(ex *execution, f *api.SequenceFlow) bool {
	if f.Condition == "" {
		return true
	}
	return e.evaluator.Check(f.Condition, ex.inst.Variables)
}

// parallelGateway joins and forks. With several incoming flows the gateway
// holds arriving tokens until every incoming flow has delivered one, then
// releases a single token to all outgoing flows.
func (e *engineImpl) parallelGateway(ctx context.Context, ex *execution, el *api.Element, via string) []arrival {
	incoming := ex.def.Incoming(el.ID)
	if len(incoming) > 1 && via != "" {
		if ex.inst.JoinArrivals == nil {
			ex.inst.JoinArrivals = make(map[string][]string)
		}
		arrived := ex.inst.JoinArrivals[el.ID]
		if !slices.Contains(arrived, via) {
			arrived = append(arrived, via)
		}

		// The arriving token is absorbed; the join re-emits one when complete.
		ex.inst.ActiveTokens--
		if len(arrived) < len(incoming) {
			ex.inst.JoinArrivals[el.ID] = arrived
			e.logger.Debug("join_waiting",
				"process_id", ex.inst.ID,
				"element_id", el.ID,
				"arrived", len(arrived),
				"expected", len(incoming),
			)
			return nil
		}
		delete(ex.inst.JoinArrivals, el.ID)
		ex.inst.ActiveTokens++
	}
	return e.forward(ctx, ex, el, e.selectFlows(ex, el))
}
