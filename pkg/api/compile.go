package api

import "fmt"

// CompiledDefinition is a validated ProcessDefinition with id-indexed
// lookups for elements and flows. It is built once when a definition is
// registered and is safe for concurrent reads.
type CompiledDefinition struct {
	def      ProcessDefinition
	elements map[string]*Element
	flows    map[string]*SequenceFlow
	outgoing map[string][]*SequenceFlow
	incoming map[string][]*SequenceFlow
	start    *Element
}

// Compile validates def and builds its lookup index.
//
// Validation rules:
//   - id is required and element/flow ids are unique
//   - every element type is known
//   - every flow references existing source and target elements
//   - explicit incoming/outgoing lists only name flows that touch the element
//   - at least one start event exists
//
// Elements without explicit outgoing (incoming) lists get them derived from
// the flows, in definition order.
func Compile(def ProcessDefinition) (*CompiledDefinition, error) {
	if def.ID == "" {
		return nil, &DefinitionError{Reason: "definition id is required"}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	// Incoming/outgoing are normalized in place; keep the caller's slices intact.
	def.Elements = append([]Element(nil), def.Elements...)
	def.SequenceFlows = append([]SequenceFlow(nil), def.SequenceFlows...)

	c := &CompiledDefinition{
		def:      def,
		elements: make(map[string]*Element, len(def.Elements)),
		flows:    make(map[string]*SequenceFlow, len(def.SequenceFlows)),
		outgoing: make(map[string][]*SequenceFlow),
		incoming: make(map[string][]*SequenceFlow),
	}

	for i := range c.def.Elements {
		el := &c.def.Elements[i]
		if el.ID == "" {
			return nil, c.errorf("", "element at index %d has no id", i)
		}
		if !el.Type.Valid() {
			return nil, c.errorf(el.ID, "unknown element type %q", el.Type)
		}
		if _, dup := c.elements[el.ID]; dup {
			return nil, c.errorf(el.ID, "duplicate element id")
		}
		c.elements[el.ID] = el
		if el.Type == ElementStartEvent && c.start == nil {
			c.start = el
		}
	}

	for i := range c.def.SequenceFlows {
		f := &c.def.SequenceFlows[i]
		if f.ID == "" {
			return nil, c.errorf("", "sequence flow at index %d has no id", i)
		}
		if _, dup := c.flows[f.ID]; dup {
			return nil, c.errorf(f.ID, "duplicate sequence flow id")
		}
		if _, ok := c.elements[f.SourceRef]; !ok {
			return nil, c.errorf(f.ID, "unknown sourceRef %q", f.SourceRef)
		}
		if _, ok := c.elements[f.TargetRef]; !ok {
			return nil, c.errorf(f.ID, "unknown targetRef %q", f.TargetRef)
		}
		c.flows[f.ID] = f
	}

	for i := range c.def.Elements {
		el := &c.def.Elements[i]

		out, err := c.resolveFlows(el, el.Outgoing, func(f *SequenceFlow) bool { return f.SourceRef == el.ID })
		if err != nil {
			return nil, err
		}
		c.outgoing[el.ID] = out
		el.Outgoing = flowIDs(out)

		in, err := c.resolveFlows(el, el.Incoming, func(f *SequenceFlow) bool { return f.TargetRef == el.ID })
		if err != nil {
			return nil, err
		}
		c.incoming[el.ID] = in
		el.Incoming = flowIDs(in)
	}

	if c.start == nil {
		return nil, &DefinitionError{DefinitionID: def.ID, Reason: "no start event"}
	}

	return c, nil
}

func (c *CompiledDefinition) resolveFlows(el *Element, explicit []string, touches func(*SequenceFlow) bool) ([]*SequenceFlow, error) {
	if len(explicit) > 0 {
		out := make([]*SequenceFlow, 0, len(explicit))
		for _, id := range explicit {
			f, ok := c.flows[id]
			if !ok {
				return nil, c.errorf(el.ID, "references unknown flow %q", id)
			}
			if !touches(f) {
				return nil, c.errorf(el.ID, "flow %q does not connect to this element", id)
			}
			out = append(out, f)
		}
		return out, nil
	}

	var out []*SequenceFlow
	for i := range c.def.SequenceFlows {
		f := &c.def.SequenceFlows[i]
		if touches(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (c *CompiledDefinition) errorf(elementID, format string, args ...any) error {
	return &DefinitionError{
		DefinitionID: c.def.ID,
		ElementID:    elementID,
		Reason:       fmt.Sprintf(format, args...),
	}
}

func flowIDs(flows []*SequenceFlow) []string {
	if len(flows) == 0 {
		return nil
	}
	ids := make([]string, len(flows))
	for i, f := range flows {
		ids[i] = f.ID
	}
	return ids
}

// ID returns the definition id.
func (c *CompiledDefinition) ID() string { return c.def.ID }

// Version returns the definition version.
func (c *CompiledDefinition) Version() int { return c.def.Version }

// Name returns the definition name, falling back to its id.
func (c *CompiledDefinition) Name() string {
	if c.def.Name != "" {
		return c.def.Name
	}
	return c.def.ID
}

// Definition returns the (normalized) underlying definition.
func (c *CompiledDefinition) Definition() ProcessDefinition { return c.def }

// Element looks up an element by id.
func (c *CompiledDefinition) Element(id string) (*Element, bool) {
	el, ok := c.elements[id]
	return el, ok
}

// Flow looks up a sequence flow by id.
func (c *CompiledDefinition) Flow(id string) (*SequenceFlow, bool) {
	f, ok := c.flows[id]
	return f, ok
}

// Outgoing returns the outgoing flows of an element in definition order.
func (c *CompiledDefinition) Outgoing(elementID string) []*SequenceFlow {
	return c.outgoing[elementID]
}

// Incoming returns the incoming flows of an element in definition order.
func (c *CompiledDefinition) Incoming(elementID string) []*SequenceFlow {
	return c.incoming[elementID]
}

// StartEvent returns the first start event of the definition.
func (c *CompiledDefinition) StartEvent() *Element { return c.start }
