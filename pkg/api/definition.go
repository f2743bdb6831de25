package api

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ElementType identifies the kind of node in a process graph.
type ElementType string

const (
	ElementStartEvent        ElementType = "start-event"
	ElementEndEvent          ElementType = "end-event"
	ElementIntermediateEvent ElementType = "intermediate-event"
	ElementUserTask          ElementType = "user-task"
	ElementServiceTask       ElementType = "service-task"
	ElementExclusiveGateway  ElementType = "exclusive-gateway"
	ElementParallelGateway   ElementType = "parallel-gateway"
	ElementInclusiveGateway  ElementType = "inclusive-gateway"
)

// Valid reports whether t is one of the known element types.
func (t ElementType) Valid() bool {
	switch t {
	case ElementStartEvent, ElementEndEvent, ElementIntermediateEvent,
		ElementUserTask, ElementServiceTask,
		ElementExclusiveGateway, ElementParallelGateway, ElementInclusiveGateway:
		return true
	}
	return false
}

// EventTrigger is the event definition attached to an event element
// (property "eventType").
type EventTrigger string

const (
	TriggerNone      EventTrigger = "none"
	TriggerTimer     EventTrigger = "timer"
	TriggerMessage   EventTrigger = "message"
	TriggerSignal    EventTrigger = "signal"
	TriggerError     EventTrigger = "error"
	TriggerTerminate EventTrigger = "terminate"
)

// Well-known element property keys.
const (
	PropEventType      = "eventType"
	PropCatching       = "catching"
	PropDelay          = "delay"
	PropServiceType    = "serviceType"
	PropMaxAttempts    = "maxAttempts"
	PropResultVariable = "resultVariable"
	PropAssignee       = "assignee"
	PropAssigneeRole   = "assigneeRole"
	PropDueIn          = "dueIn"
	PropErrorCode      = "errorCode"
	PropErrorMessage   = "errorMessage"
	PropMessage        = "message"
	PropPayload        = "payload"
)

// Element is a node in the process graph.
type Element struct {
	ID         string         `json:"id" yaml:"id"`
	Type       ElementType    `json:"type" yaml:"type"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Incoming   []string       `json:"incoming,omitempty" yaml:"incoming,omitempty"`
	Outgoing   []string       `json:"outgoing,omitempty" yaml:"outgoing,omitempty"`
}

// SequenceFlow is a directed edge between two elements, optionally guarded
// by a condition expression.
type SequenceFlow struct {
	ID        string `json:"id" yaml:"id"`
	SourceRef string `json:"sourceRef" yaml:"sourceRef"`
	TargetRef string `json:"targetRef" yaml:"targetRef"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ProcessDefinition is the static graph describing a process.
// Definitions are treated as immutable once registered.
type ProcessDefinition struct {
	ID            string         `json:"id" yaml:"id"`
	Version       int            `json:"version" yaml:"version"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Elements      []Element      `json:"elements" yaml:"elements"`
	SequenceFlows []SequenceFlow `json:"sequenceFlows" yaml:"sequenceFlows"`
}

// LoadDefinitionYAML parses a process definition from YAML (or JSON, which
// is a subset of YAML). The definition is not validated; use Compile.
func LoadDefinitionYAML(data []byte) (ProcessDefinition, error) {
	var def ProcessDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return ProcessDefinition{}, &DefinitionError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	return def, nil
}

// Prop returns the raw property value for key.
func (e *Element) Prop(key string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// StringProp returns a property as a string, or def when absent.
func (e *Element) StringProp(key, def string) string {
	v, ok := e.Prop(key)
	if !ok || v == nil {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// BoolProp returns a property as a bool, or def when absent or unparsable.
func (e *Element) BoolProp(key string, def bool) bool {
	v, ok := e.Prop(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// IntProp returns a property as an int, or def when absent or unparsable.
func (e *Element) IntProp(key string, def int) int {
	v, ok := e.Prop(key)
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return int(f)
	}
	return def
}

// DurationProp returns a property as a duration. Numbers are interpreted as
// milliseconds; strings are parsed with time.ParseDuration (a bare numeric
// string is also milliseconds).
func (e *Element) DurationProp(key string, def time.Duration) time.Duration {
	v, ok := e.Prop(key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f) * time.Millisecond
	}
	return def
}

// MapProp returns a nested map property, or nil.
func (e *Element) MapProp(key string) map[string]any {
	v, ok := e.Prop(key)
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	}
	return nil
}

// Trigger returns the event definition of an event element. Elements without
// an eventType property are "none" events.
func (e *Element) Trigger() EventTrigger {
	return EventTrigger(e.StringProp(PropEventType, string(TriggerNone)))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
