// Package condition evaluates sequence-flow guard expressions against
// process variables.
//
// Expressions are restricted to variable references (${name} or
// variables.name, with dotted paths into nested maps), literals
// (string, number, boolean, null), one binary comparison and the !( … )
// negation wrapper. There is no general scripting.
//
// Guards fail closed: anything that cannot be parsed or does not produce a
// boolean evaluates to false, and the caller receives an
// api.ConditionEvaluationError describing why.
package condition

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/petrijr/procflow/pkg/api"
)

// Evaluator parses guard expressions once and caches the result.
// It is safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger
	cache  sync.Map // expression -> cached
}

type cached struct {
	n   node
	err error
}

// NewEvaluator creates an Evaluator. If logger is nil, slog.Default() is used.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger}
}

// Evaluate returns the boolean value of expr. On any parse or evaluation
// problem it returns false together with a *api.ConditionEvaluationError.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "":
		return true, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	n, err := e.compile(expr)
	if err != nil {
		return false, &api.ConditionEvaluationError{Expression: expr, Reason: err.Error()}
	}

	ok, err := truth(n, vars)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, errUnrecognized) {
			reason = "unrecognized expression: " + reason
		}
		return false, &api.ConditionEvaluationError{Expression: expr, Reason: reason}
	}
	return ok, nil
}

// Check is Evaluate for callers that only need the guard outcome: errors are
// logged at warn level and read as false.
func (e *Evaluator) Check(expr string, vars map[string]any) bool {
	ok, err := e.Evaluate(expr, vars)
	if err != nil {
		e.logger.Warn("condition_unrecognized",
			slog.String("expression", expr),
			slog.Any("error", err),
		)
		return false
	}
	return ok
}

func (e *Evaluator) compile(expr string) (node, error) {
	if v, ok := e.cache.Load(expr); ok {
		c := v.(cached)
		return c.n, c.err
	}
	n, err := parse(expr)
	e.cache.Store(expr, cached{n: n, err: err})
	return n, err
}

// Evaluate evaluates expr with a throwaway evaluator and the default logger.
func Evaluate(expr string, vars map[string]any) (bool, error) {
	return NewEvaluator(nil).Evaluate(expr, vars)
}
