package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/procflow/pkg/api"
)

// EmailHandler composes a message from the interpolated config and logs it
// instead of delivering it. Config keys: to (required), subject, body.
type EmailHandler struct {
	Logger *slog.Logger
}

func NewEmailHandler(logger *slog.Logger) *EmailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailHandler{Logger: logger}
}

func (h *EmailHandler) Execute(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
	to := stringValue(req.Config, "to")
	if to == "" {
		return nil, errors.New("email: recipient (to) is required")
	}
	subject := stringValue(req.Config, "subject")

	h.Logger.InfoContext(ctx, "email_sent",
		slog.String("tenant_id", req.TenantID),
		slog.String("process_id", req.ProcessID),
		slog.String("task_id", req.TaskID),
		slog.String("to", to),
		slog.String("subject", subject),
		slog.Int("body_len", len(stringValue(req.Config, "body"))),
	)
	return map[string]any{"emailSent": true}, nil
}
