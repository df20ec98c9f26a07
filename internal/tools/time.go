package tools

import (
	"context"
	"time"
)

// systemTimeHandler returns the system.time handler: no arguments,
// {utc, local, epoch_s}.
func systemTimeHandler() Handler {
	return func(_ context.Context, _ map[string]any, _ *Context) (map[string]any, error) {
		now := time.Now()
		return map[string]any{
			"utc":     now.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			"local":   now.Format("2006-01-02T15:04:05.000000-07:00"),
			"epoch_s": float64(now.UnixNano()) / 1e9,
		}, nil
	}
}
