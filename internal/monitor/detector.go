package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
)

// Pattern kinds reported by the detector.
const (
	patternRoleChanges  = "excessive_role_changes"
	patternFailedLogins = "repeated_failed_logins"
	patternDataAccess   = "excessive_data_access"
)

// Detector periodically scans the trailing activity window for multi-event
// patterns per user. One suspicious_pattern alert is raised per (user, kind)
// and not repeated until new matching evidence arrives.
type Detector struct {
	cfg    config.SecurityConfig
	rec    *activity.Recorder
	alerts *alert.Manager
	now    func() time.Time
	health *iterHealth

	mu      sync.Mutex
	alerted map[string]time.Time // user|kind -> newest evidence already alerted
}

// NewDetector constructs the suspicious-pattern detector.
func NewDetector(cfg config.SecurityConfig, rec *activity.Recorder, alerts *alert.Manager, opts ...Option) *Detector {
	return &Detector{
		cfg:     cfg,
		rec:     rec,
		alerts:  alerts,
		now:     applyOptions(opts),
		health:  &iterHealth{worker: "suspicious_activity_detector", alerts: alerts},
		alerted: make(map[string]time.Time),
	}
}

// Run scans on the detector cadence until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	runEvery(ctx, d.cfg.DetectorInterval, func(ctx context.Context) {
		if err := d.scan(ctx); err != nil {
			d.health.fail(ctx, err)
			return
		}
		d.health.ok()
	})
}

type userCounts struct {
	roleChanges  int
	failedLogins int
	dataAccess   int
	newest       time.Time
}

// scan analyzes a snapshot of the trailing window; it never holds the
// recorder's write lock during analysis.
func (d *Detector) scan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector scan: %v", r)
		}
	}()

	since := d.now().Add(-d.cfg.PatternWindow)
	window := d.rec.WindowSince(since)

	perUser := make(map[string]*userCounts)
	for _, act := range window {
		c, ok := perUser[act.UserID]
		if !ok {
			c = &userCounts{}
			perUser[act.UserID] = c
		}
		switch act.Type {
		case activity.TypeRoleChange:
			c.roleChanges++
		case activity.TypeLogin:
			if act.Metadata[activity.MetaSuccess] == "false" {
				c.failedLogins++
			}
		case activity.TypeDataAccess:
			c.dataAccess++
		}
		if act.Timestamp.After(c.newest) {
			c.newest = act.Timestamp
		}
	}

	for userID, c := range perUser {
		if c.roleChanges > d.cfg.MaxRoleChanges {
			d.flag(ctx, userID, patternRoleChanges, c.roleChanges, c.newest)
		}
		if c.failedLogins > d.cfg.MaxFailedPattern {
			d.flag(ctx, userID, patternFailedLogins, c.failedLogins, c.newest)
		}
		if c.dataAccess > d.cfg.MaxDataAccess {
			d.flag(ctx, userID, patternDataAccess, c.dataAccess, c.newest)
		}
	}

	d.prune(since)
	return nil
}

// flag raises one alert per (user, kind) unless it was already raised for
// evidence at least as new.
func (d *Detector) flag(ctx context.Context, userID, kind string, count int, newest time.Time) {
	key := userID + "|" + kind

	d.mu.Lock()
	last, seen := d.alerted[key]
	if seen && !newest.After(last) {
		d.mu.Unlock()
		return
	}
	d.alerted[key] = newest
	d.mu.Unlock()

	d.alerts.CreateAlert(ctx, alert.CreateInput{
		Type:        alert.TypeSuspiciousPattern,
		Severity:    alert.SeverityHigh,
		Title:       "Suspicious activity pattern",
		Description: fmt.Sprintf("user %s matched %s (%d events in %s)", userID, kind, count, d.cfg.PatternWindow),
		UserID:      userID,
		Evidence: map[string]string{
			"pattern": kind,
			"count":   fmt.Sprintf("%d", count),
		},
	})
}

// prune forgets dedup entries whose evidence fell out of the window, so a
// fresh burst later alerts again.
func (d *Detector) prune(since time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, ts := range d.alerted {
		if ts.Before(since) {
			delete(d.alerted, key)
		}
	}
}
