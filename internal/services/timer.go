package services

import (
	"context"
	"time"

	"github.com/petrijr/procflow/pkg/api"
)

// TimerHandler waits for the configured duration (config key "duration",
// milliseconds or a Go duration string) or until ctx is done.
type TimerHandler struct{}

func (TimerHandler) Execute(ctx context.Context, req api.ServiceRequest) (map[string]any, error) {
	d := durationValue(req.Config, "duration", 0)
	if d <= 0 {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return nil, nil
	}
}
