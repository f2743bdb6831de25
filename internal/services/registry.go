// Package services holds the service-task handlers the engine dispatches
// to by serviceType, and the registry that routes between them.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// Built-in service types.
const (
	TypeHTTP  = "http"
	TypeEmail = "email"
	TypeTimer = "timer"
)

// DefaultHTTPTimeout bounds an http service call when neither the task nor
// the handler sets a timeout.
const DefaultHTTPTimeout = 30 * time.Second

// Registry maps service types to handlers. It is itself an
// api.ServiceHandler: Execute interpolates the request config against the
// process variables and dispatches on req.ServiceType.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]api.ServiceHandler
	logger   *slog.Logger
}

var _ api.ServiceHandler = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]api.ServiceHandler),
		logger:   logger,
	}
}

// Options configures the built-in handlers.
type Options struct {
	Logger      *slog.Logger
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
}

// NewDefaultRegistry returns a registry with the http, email and timer
// handlers installed.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts.Logger)
	r.Register(TypeHTTP, NewHTTPHandler(opts.HTTPClient, opts.HTTPTimeout))
	r.Register(TypeEmail, NewEmailHandler(r.logger))
	r.Register(TypeTimer, TimerHandler{})
	return r
}

// Register installs h for serviceType, replacing any previous handler.
func (r *Registry) Register(serviceType string, h api.ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[serviceType] = h
}

// Lookup returns the handler for serviceType.
func (r *Registry) Lookup(serviceType string) (api.ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[serviceType]
	return h, ok
}

// Types lists the registered service types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs the handler registered for req.ServiceType. Every failure is
// returned as an *api.ServiceExecutionError.
func (r *Registry) Execute(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
	h, ok := r.Lookup(req.ServiceType)
	if !ok {
		return nil, &api.ServiceExecutionError{
			ServiceType: req.ServiceType,
			TaskID:      req.TaskID,
			Err:         fmt.Errorf("no handler registered for service type %q", req.ServiceType),
		}
	}

	req.Config = InterpolateConfig(req.Config, req.Variables)

	start := time.Now()
	out, err := r.call(ctx, h, req)
	r.logger.Debug("service_executed",
		slog.String("service_type", req.ServiceType),
		slog.String("process_id", req.ProcessID),
		slog.String("task_id", req.TaskID),
		slog.Int("attempt", req.Attempt),
		slog.Duration("duration", time.Since(start)),
		slog.Any("error", err),
	)
	if err != nil {
		var se *api.ServiceExecutionError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &api.ServiceExecutionError{ServiceType: req.ServiceType, TaskID: req.TaskID, Err: err}
	}
	return out, nil
}

// call runs h, turning a panic into an error.
func (r *Registry) call(ctx context.Context, h api.ServiceHandler, req api.ServiceRequest) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("service_panicked",
				slog.String("service_type", req.ServiceType),
				slog.String("process_id", req.ProcessID),
				slog.String("task_id", req.TaskID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			out, err = nil, fmt.Errorf("panic in %s handler: %v", req.ServiceType, p)
		}
	}()
	return h.Execute(ctx, req)
}

func stringValue(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// durationValue reads a duration from cfg: numbers are milliseconds,
// strings use time.ParseDuration.
func durationValue(cfg map[string]any, key string, def time.Duration) time.Duration {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	el := api.Element{Properties: map[string]any{key: v}}
	return el.DurationProp(key, def)
}
