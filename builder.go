package procflow

import (
	"fmt"
	"maps"

	"github.com/petrijr/procflow/pkg/api"
)

// Props are element properties (see the api.Prop* keys).
type Props map[string]any

// DefinitionBuilder provides a fluent API for defining processes:
//
//	def, err := procflow.NewDefinition("expense", 1).
//	    Start("start").
//	    ExclusiveGateway("route").
//	    UserTask("approve", procflow.Props{"assigneeRole": "manager"}).
//	    ServiceTask("pay", "http", procflow.Props{"url": payURL}).
//	    End("end").
//	    Sequence("start", "route").
//	    When("route", "approve", "amount > 1000").
//	    Otherwise("route", "pay").
//	    Sequence("approve", "pay", "end").
//	    Build()
//
// Flows are named "<source>_<target>" unless given explicitly with FlowID.
type DefinitionBuilder struct {
	def api.ProcessDefinition
	ids map[string]bool
	err error
}

// NewDefinition creates a builder for the given definition id and version.
// Versions below 1 are treated as 1.
func NewDefinition(id string, version int) *DefinitionBuilder {
	if version < 1 {
		version = 1
	}
	return &DefinitionBuilder{
		def: api.ProcessDefinition{ID: id, Version: version},
		ids: make(map[string]bool),
	}
}

// Name sets the display name.
func (b *DefinitionBuilder) Name(name string) *DefinitionBuilder {
	b.def.Name = name
	return b
}

// Element appends an element of any type.
func (b *DefinitionBuilder) Element(id string, typ api.ElementType, props Props) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if id == "" {
		b.err = fmt.Errorf("procflow: element id must not be empty")
		return b
	}
	if b.ids[id] {
		b.err = fmt.Errorf("procflow: duplicate id %q", id)
		return b
	}
	b.ids[id] = true
	b.def.Elements = append(b.def.Elements, api.Element{
		ID:         id,
		Type:       typ,
		Properties: maps.Clone(props),
	})
	return b
}

// Start appends a start event.
func (b *DefinitionBuilder) Start(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementStartEvent, nil)
}

// End appends a none end event.
func (b *DefinitionBuilder) End(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementEndEvent, nil)
}

// TerminateEnd appends an end event that cancels the whole process and
// its open tasks.
func (b *DefinitionBuilder) TerminateEnd(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementEndEvent, Props{api.PropEventType: string(api.TriggerTerminate)})
}

// ErrorEnd appends an end event that cancels the process with an error code.
func (b *DefinitionBuilder) ErrorEnd(id, code, message string) *DefinitionBuilder {
	return b.Element(id, api.ElementEndEvent, Props{
		api.PropEventType:    string(api.TriggerError),
		api.PropErrorCode:    code,
		api.PropErrorMessage: message,
	})
}

// UserTask appends a user task. Useful props: assignee, assigneeRole, dueIn.
func (b *DefinitionBuilder) UserTask(id string, props Props) *DefinitionBuilder {
	return b.Element(id, api.ElementUserTask, props)
}

// ServiceTask appends a service task executed asynchronously by the
// handler registered for serviceType.
func (b *DefinitionBuilder) ServiceTask(id, serviceType string, props Props) *DefinitionBuilder {
	p := maps.Clone(props)
	if p == nil {
		p = Props{}
	}
	p[api.PropServiceType] = serviceType
	return b.Element(id, api.ElementServiceTask, p)
}

// Timer appends a catching timer event. delay accepts a duration string
// ("30s") or milliseconds; empty uses the engine's default delay.
func (b *DefinitionBuilder) Timer(id string, delay any) *DefinitionBuilder {
	props := Props{api.PropEventType: string(api.TriggerTimer)}
	if delay != nil && delay != "" {
		props[api.PropDelay] = delay
	}
	return b.Element(id, api.ElementIntermediateEvent, props)
}

// CatchMessage appends an intermediate event that waits for CorrelateEvent.
func (b *DefinitionBuilder) CatchMessage(id, message string) *DefinitionBuilder {
	return b.Element(id, api.ElementIntermediateEvent, Props{
		api.PropEventType: string(api.TriggerMessage),
		api.PropCatching:  true,
		api.PropMessage:   message,
	})
}

// CatchSignal appends an intermediate event that waits for a signal.
func (b *DefinitionBuilder) CatchSignal(id, signal string) *DefinitionBuilder {
	return b.Element(id, api.ElementIntermediateEvent, Props{
		api.PropEventType: string(api.TriggerSignal),
		api.PropCatching:  true,
		api.PropMessage:   signal,
	})
}

// ThrowMessage appends an intermediate event that emits a message through
// the engine's Notifier and continues.
func (b *DefinitionBuilder) ThrowMessage(id, message string, payload Props) *DefinitionBuilder {
	props := Props{
		api.PropEventType: string(api.TriggerMessage),
		api.PropMessage:   message,
	}
	if payload != nil {
		props[api.PropPayload] = map[string]any(payload)
	}
	return b.Element(id, api.ElementIntermediateEvent, props)
}

// ExclusiveGateway appends a gateway that takes the first flow whose
// condition holds.
func (b *DefinitionBuilder) ExclusiveGateway(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementExclusiveGateway, nil)
}

// ParallelGateway appends a fork (several outgoing flows) or join
// (several incoming flows).
func (b *DefinitionBuilder) ParallelGateway(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementParallelGateway, nil)
}

// InclusiveGateway appends a gateway that takes every flow whose condition
// holds.
func (b *DefinitionBuilder) InclusiveGateway(id string) *DefinitionBuilder {
	return b.Element(id, api.ElementInclusiveGateway, nil)
}

// FlowID adds a sequence flow with an explicit id and optional condition.
func (b *DefinitionBuilder) FlowID(id, source, target, condition string) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if b.ids[id] {
		b.err = fmt.Errorf("procflow: duplicate id %q", id)
		return b
	}
	b.ids[id] = true
	b.def.SequenceFlows = append(b.def.SequenceFlows, api.SequenceFlow{
		ID:        id,
		SourceRef: source,
		TargetRef: target,
		Condition: condition,
	})
	return b
}

// Flow adds an unconditional flow from source to target.
func (b *DefinitionBuilder) Flow(source, target string) *DefinitionBuilder {
	return b.FlowID(source+"_"+target, source, target, "")
}

// When adds a flow guarded by condition.
func (b *DefinitionBuilder) When(source, target, condition string) *DefinitionBuilder {
	return b.FlowID(source+"_"+target, source, target, condition)
}

// Otherwise adds an unguarded flow out of a gateway. An exclusive gateway
// takes the first flow that holds, so add it after the guarded flows.
func (b *DefinitionBuilder) Otherwise(source, target string) *DefinitionBuilder {
	return b.Flow(source, target)
}

// Sequence chains the given elements with unconditional flows.
func (b *DefinitionBuilder) Sequence(ids ...string) *DefinitionBuilder {
	for i := 1; i < len(ids); i++ {
		b.Flow(ids[i-1], ids[i])
	}
	return b
}

// Build validates and returns the definition.
func (b *DefinitionBuilder) Build() (api.ProcessDefinition, error) {
	if b.err != nil {
		return api.ProcessDefinition{}, b.err
	}
	if _, err := api.Compile(b.def); err != nil {
		return api.ProcessDefinition{}, err
	}
	return b.def, nil
}

// MustBuild is like Build but panics on error.
// Useful for package-level definitions.
func (b *DefinitionBuilder) MustBuild() api.ProcessDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Register builds the definition and registers it with eng.
func (b *DefinitionBuilder) Register(eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterDefinition(def)
}

// MustRegister is like Register but panics on error.
func (b *DefinitionBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
