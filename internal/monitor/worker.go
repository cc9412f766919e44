package monitor

import (
	"context"
	"fmt"
	"time"

	"sentra.dev/internal/alert"
	"sentra.dev/internal/obs"
)

// degradedAfter is how many consecutive failed iterations it takes before a
// worker raises its self-alert.
const degradedAfter = 3

// iterHealth tracks consecutive iteration failures for one worker. A worker
// never stops on error; after degradedAfter consecutive failures it raises a
// single monitor_degraded alert and keeps running. A successful iteration
// resets the streak so a later degradation alerts again.
type iterHealth struct {
	worker      string
	alerts      *alert.Manager
	consecutive int
}

func (h *iterHealth) ok() {
	h.consecutive = 0
	obs.WorkerIterations.WithLabelValues(h.worker).Inc()
}

func (h *iterHealth) fail(ctx context.Context, err error) {
	h.consecutive++
	obs.WorkerIterations.WithLabelValues(h.worker).Inc()
	obs.WorkerErrors.WithLabelValues(h.worker).Inc()
	obs.LogEvent(map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"level":  "error",
		"worker": h.worker,
		"msg":    "iteration failed",
		"error":  err.Error(),
	})
	if h.consecutive == degradedAfter {
		h.alerts.CreateAlert(ctx, alert.CreateInput{
			Type:        alert.TypeMonitorDegraded,
			Severity:    alert.SeverityHigh,
			Title:       "Monitor degraded",
			Description: fmt.Sprintf("%s failed %d consecutive iterations", h.worker, h.consecutive),
			Evidence: map[string]string{
				"worker":     h.worker,
				"last_error": err.Error(),
			},
		})
	}
}

// runEvery invokes fn on the given cadence until the context is cancelled.
// Cancellation is observed at the next tick boundary.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
