package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/petrijr/procflow/internal/engine"
	"github.com/petrijr/procflow/pkg/api"
	"github.com/petrijr/procflow/pkg/scheduler"
)

// TenantHeader selects the tenant for a request; DefaultTenant otherwise.
const TenantHeader = "X-Tenant-ID"

const maxBody = 1 << 20

type server struct {
	eng     engine.Runtime
	sched   *scheduler.Scheduler
	metrics *api.BasicMetrics
	logger  *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("POST /v1/definitions", s.handleRegisterDefinition)

	mux.HandleFunc("POST /v1/processes", s.handleStartProcess)
	mux.HandleFunc("GET /v1/processes", s.handleListProcesses)
	mux.HandleFunc("GET /v1/processes/{id}", s.handleGetProcess)
	mux.HandleFunc("GET /v1/processes/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /v1/processes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/processes/{id}/suspend", s.handleSuspend)
	mux.HandleFunc("POST /v1/processes/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/processes/{id}/events/{element}", s.handleCorrelate)

	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/complete", s.handleCompleteTask)
	mux.HandleFunc("POST /v1/tasks/{id}/assign", s.handleAssignTask)

	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)

	return s.withTenant(mux)
}

func (s *server) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
			r = r.WithContext(api.WithTenant(r.Context(), tenant))
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	DefinitionID string         `json:"definitionId"`
	Variables    map[string]any `json:"variables"`
	StartedBy    string         `json:"startedBy"`
}

type completeRequest struct {
	Outcome  string         `json:"outcome"`
	FormData map[string]any `json:"formData"`
	UserID   string         `json:"userId"`
}

type assignRequest struct {
	AssigneeID string `json:"assigneeId"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type correlateRequest struct {
	Variables map[string]any `json:"variables"`
}

type statsResponse struct {
	Queue     api.QueueStats           `json:"queue"`
	Scheduler api.SchedulerStats       `json:"scheduler"`
	Metrics   api.BasicMetricsSnapshot `json:"metrics"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.eng.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Queue:     qs,
		Scheduler: s.sched.Stats(),
		Metrics:   s.metrics.Snapshot(),
	})
}

func (s *server) handleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, badRequest(err))
		return
	}
	def, err := api.LoadDefinitionYAML(data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.RegisterDefinition(def); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID, "version": def.Version})
}

func (s *server) handleStartProcess(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.DefinitionID == "" {
		s.writeError(w, badRequest(errors.New("definitionId is required")))
		return
	}
	inst, err := s.eng.StartProcessByID(r.Context(), req.DefinitionID, req.Variables, req.StartedBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.eng.ListProcesses(r.Context(), api.ProcessListOptions{
		DefinitionID: q.Get("definitionId"),
		Status:       api.ProcessStatus(q.Get("status")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.GetProcess(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.eng.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.eng.CancelProcess(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.SuspendProcess(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	inst, err := s.eng.ResumeProcess(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleCorrelate(w http.ResponseWriter, r *http.Request) {
	var req correlateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.eng.CorrelateEvent(r.Context(), r.PathValue("id"), r.PathValue("element"), req.Variables)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := api.TaskListOptions{
		ProcessID:  q.Get("processId"),
		AssigneeID: q.Get("assigneeId"),
	}
	for _, st := range q["status"] {
		opts.Statuses = append(opts.Statuses, api.TaskStatus(st))
	}
	list, err := s.eng.ListTasks(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.eng.CompleteTask(r.Context(), r.PathValue("id"), req.Outcome, req.FormData, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AssigneeID == "" {
		s.writeError(w, badRequest(errors.New("assigneeId is required")))
		return
	}
	task, err := s.eng.AssignTask(r.Context(), r.PathValue("id"), req.AssigneeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.eng.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.eng.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

// decode reads an optional JSON body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(err)
	}
	return nil
}

func statusFor(err error) int {
	var (
		reqErr   *requestError
		defErr   *api.DefinitionError
		notFound *api.NotFoundError
		stateErr *api.StateError
		authErr  *api.AuthorizationError
	)
	switch {
	case errors.As(err, &reqErr), errors.As(err, &defErr):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.As(err, &authErr):
		return http.StatusForbidden
	case errors.Is(err, api.ErrLeaseHeld):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request_failed", slog.Any("error", err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
