package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
	"sentra.dev/internal/rbac"
)

// PermissionValidator answers whether a user currently holds a permission.
// The check must be side-effect free: breach scans revisit every data access
// in the window and must not generate activity of their own.
type PermissionValidator interface {
	HasPermission(userID string, perm rbac.Permission) bool
}

// Breach re-validates recent data access against current permissions and
// watches for mass exports. It detects accesses that were legitimately
// granted but whose grant has since been revoked.
type Breach struct {
	cfg       config.SecurityConfig
	rec       *activity.Recorder
	alerts    *alert.Manager
	validator PermissionValidator
	now       func() time.Time
	health    *iterHealth

	mu      sync.Mutex
	flagged map[string]time.Time // user|incidentType -> newest evidence already escalated
}

// NewBreach constructs the breach-prevention worker.
func NewBreach(cfg config.SecurityConfig, rec *activity.Recorder, alerts *alert.Manager, validator PermissionValidator, opts ...Option) *Breach {
	return &Breach{
		cfg:       cfg,
		rec:       rec,
		alerts:    alerts,
		validator: validator,
		now:       applyOptions(opts),
		health:    &iterHealth{worker: "breach_prevention", alerts: alerts},
		flagged:   make(map[string]time.Time),
	}
}

// Run scans on the breach cadence until the context is cancelled.
func (b *Breach) Run(ctx context.Context) {
	runEvery(ctx, b.cfg.BreachInterval, func(ctx context.Context) {
		if err := b.scan(ctx); err != nil {
			b.health.fail(ctx, err)
			return
		}
		b.health.ok()
	})
}

type breachEvidence struct {
	activities []string
	data       map[string]struct{}
	newest     time.Time
}

func (e *breachEvidence) add(act activity.Activity) {
	e.activities = append(e.activities, act.ActivityID)
	if act.ResourceID != "" {
		if e.data == nil {
			e.data = make(map[string]struct{})
		}
		e.data[act.ResourceID] = struct{}{}
	}
	if act.Timestamp.After(e.newest) {
		e.newest = act.Timestamp
	}
}

func (e *breachEvidence) resources() []string {
	out := make([]string, 0, len(e.data))
	for id := range e.data {
		out = append(out, id)
	}
	return out
}

func (b *Breach) scan(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("breach scan: %v", r)
		}
	}()

	since := b.now().Add(-b.cfg.BreachWindow)
	window := b.rec.WindowSince(since)

	unauthorized := make(map[string]*breachEvidence)
	exports := make(map[string]*breachEvidence)

	for _, act := range window {
		switch act.Type {
		case activity.TypeDataAccess:
			if act.Metadata[activity.MetaGranted] != "true" {
				continue
			}
			perm := rbac.Permission(act.Metadata[activity.MetaPermission])
			if perm == "" {
				continue
			}
			if b.validator.HasPermission(act.UserID, perm) {
				continue
			}
			ev, ok := unauthorized[act.UserID]
			if !ok {
				ev = &breachEvidence{}
				unauthorized[act.UserID] = ev
			}
			ev.add(act)
		case activity.TypeExportBankData:
			ev, ok := exports[act.UserID]
			if !ok {
				ev = &breachEvidence{}
				exports[act.UserID] = ev
			}
			ev.add(act)
		}
	}

	var firstErr error
	for userID, ev := range unauthorized {
		desc := fmt.Sprintf("user %s accessed data under a permission no longer held (%d accesses in %s)",
			userID, len(ev.activities), b.cfg.BreachWindow)
		if err := b.escalate(ctx, userID, alert.IncidentUnauthorizedAccess, desc, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for userID, ev := range exports {
		if len(ev.activities) <= b.cfg.MaxBankExports {
			continue
		}
		desc := fmt.Sprintf("user %s exported bank data %d times in %s (limit %d)",
			userID, len(ev.activities), b.cfg.BreachWindow, b.cfg.MaxBankExports)
		if err := b.escalate(ctx, userID, alert.IncidentMassExport, desc, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.prune(since)
	return firstErr
}

// escalate opens exactly one incident and one alert per (user, incident type)
// until newer evidence arrives.
func (b *Breach) escalate(ctx context.Context, userID string, incType alert.IncidentType, desc string, ev *breachEvidence) error {
	key := userID + "|" + string(incType)

	b.mu.Lock()
	last, seen := b.flagged[key]
	if seen && !ev.newest.After(last) {
		b.mu.Unlock()
		return nil
	}
	b.flagged[key] = ev.newest
	b.mu.Unlock()

	_, err := b.alerts.CreateIncident(ctx, alert.IncidentInput{
		Type:          incType,
		Severity:      alert.SeverityCritical,
		Description:   desc,
		AffectedUsers: []string{userID},
		AffectedData:  ev.resources(),
	})
	if err != nil {
		return fmt.Errorf("open incident for %s: %w", userID, err)
	}

	b.alerts.CreateAlert(ctx, alert.CreateInput{
		Type:        alert.TypeDataBreach,
		Severity:    alert.SeverityCritical,
		Title:       "Potential data breach",
		Description: desc,
		UserID:      userID,
		Evidence: map[string]string{
			"incident_type":  string(incType),
			"evidence_count": fmt.Sprintf("%d", len(ev.activities)),
		},
	})
	return nil
}

func (b *Breach) prune(since time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ts := range b.flagged {
		if ts.Before(since) {
			delete(b.flagged, key)
		}
	}
}
