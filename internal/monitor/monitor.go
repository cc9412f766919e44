package monitor

import (
	"context"
	"fmt"
	"time"

	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
)

// Monitor drains the activity queue on a short cadence and flags unusual or
// rapid activity. It is the only consumer of the queue and processes strictly
// in arrival order.
type Monitor struct {
	cfg    config.SecurityConfig
	rec    *activity.Recorder
	alerts *alert.Manager
	now    func() time.Time
	health *iterHealth
}

// Option configures a worker's time source.
type Option func(*clockHolder)

type clockHolder struct {
	now func() time.Time
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(h *clockHolder) {
		if now != nil {
			h.now = now
		}
	}
}

func applyOptions(opts []Option) func() time.Time {
	h := clockHolder{now: time.Now}
	for _, opt := range opts {
		opt(&h)
	}
	return h.now
}

// NewMonitor constructs the continuous activity monitor.
func NewMonitor(cfg config.SecurityConfig, rec *activity.Recorder, alerts *alert.Manager, opts ...Option) *Monitor {
	return &Monitor{
		cfg:    cfg,
		rec:    rec,
		alerts: alerts,
		now:    applyOptions(opts),
		health: &iterHealth{worker: "activity_monitor", alerts: alerts},
	}
}

// Run polls the queue until the context is cancelled. Cancellation is
// observed at the next poll boundary, bounding shutdown latency to one
// cadence interval.
func (m *Monitor) Run(ctx context.Context) {
	runEvery(ctx, m.cfg.MonitorInterval, func(ctx context.Context) {
		if err := m.scan(ctx); err != nil {
			m.health.fail(ctx, err)
			return
		}
		m.health.ok()
	})
}

// scan drains and processes one batch. Per-item errors are collected so one
// bad activity never halts the worker or skips the rest of the batch.
func (m *Monitor) scan(ctx context.Context) error {
	batch := m.rec.Drain()
	var firstErr error
	for _, act := range batch {
		if err := m.process(ctx, act); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Monitor) process(ctx context.Context, act activity.Activity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process activity %s: %v", act.ActivityID, r)
		}
	}()

	if m.isUnusual(act) {
		m.alerts.CreateAlert(ctx, alert.CreateInput{
			Type:        alert.TypeUnusualActivity,
			Severity:    alert.SeverityMedium,
			Title:       "Unusual activity",
			Description: fmt.Sprintf("%s by user %s flagged as unusual", act.Type, act.UserID),
			UserID:      act.UserID,
			IPAddress:   act.IPAddress,
			Evidence: map[string]string{
				"activity_id": act.ActivityID,
				"risk_score":  fmt.Sprintf("%d", act.RiskScore),
			},
		})
	}

	if m.isRapid(act) {
		m.alerts.CreateAlert(ctx, alert.CreateInput{
			Type:        alert.TypeRapidActivity,
			Severity:    alert.SeverityHigh,
			Title:       "Rapid activity",
			Description: fmt.Sprintf("user %s exceeded %d actions in %s", act.UserID, m.cfg.RapidThreshold, m.cfg.RapidWindow),
			UserID:      act.UserID,
			IPAddress:   act.IPAddress,
			Evidence: map[string]string{
				"activity_id": act.ActivityID,
			},
		})
	}
	return nil
}

func (m *Monitor) isUnusual(act activity.Activity) bool {
	if activity.OutsideBusinessHours(act.Timestamp, m.cfg.BusinessHoursStart, m.cfg.BusinessHoursEnd) {
		return true
	}
	if activity.SuspiciousIP(act.IPAddress) {
		return true
	}
	return act.RiskScore >= m.cfg.HighRiskThreshold
}

func (m *Monitor) isRapid(act activity.Activity) bool {
	since := m.now().Add(-m.cfg.RapidWindow)
	return m.rec.CountForUserSince(act.UserID, since) > m.cfg.RapidThreshold
}
