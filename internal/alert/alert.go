package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

var (
	ErrNotFound          = errors.New("alert: not found")
	ErrInvalidTransition = errors.New("alert: invalid status transition")
)

// Severity ranks how urgent an alert or incident is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertType identifies what condition raised the alert.
type AlertType string

const (
	TypeAccountLocked       AlertType = "account_locked"
	TypePermissionViolation AlertType = "permission_violation"
	TypeUnusualActivity     AlertType = "unusual_activity"
	TypeRapidActivity       AlertType = "rapid_activity"
	TypeSuspiciousPattern   AlertType = "suspicious_pattern"
	TypeDataBreach          AlertType = "data_breach"
	TypeMonitorDegraded     AlertType = "monitor_degraded"
)

// Status follows a one-way lifecycle; a closed alert is never reopened.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

func statusRank(s Status) (int, bool) {
	switch s {
	case StatusOpen:
		return 0, true
	case StatusInvestigating:
		return 1, true
	case StatusResolved, StatusFalsePositive:
		return 2, true
	default:
		return 0, false
	}
}

// Alert is one actionable security notification.
type Alert struct {
	AlertID          string            `json:"alert_id"`
	Type             AlertType         `json:"alert_type"`
	Severity         Severity          `json:"severity"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	UserID           string            `json:"user_id,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           Status            `json:"status"`
	Evidence         map[string]string `json:"evidence,omitempty"`
	RemediationSteps []string          `json:"remediation_steps"`
}

// remediationSteps is the static playbook per alert type.
var remediationSteps = map[AlertType][]string{
	TypeAccountLocked: {
		"Verify the lockout with the account owner",
		"Reset credentials through the recovery flow",
		"Review recent login origins before unlocking",
	},
	TypePermissionViolation: {
		"Review the denied permission and the caller's role",
		"Confirm whether the request was expected",
		"Escalate to the security officer if repeated",
	},
	TypeUnusualActivity: {
		"Review the activity's origin and time of day",
		"Contact the user to confirm the action",
	},
	TypeRapidActivity: {
		"Check for automation or credential sharing",
		"Throttle or suspend the session if unconfirmed",
	},
	TypeSuspiciousPattern: {
		"Review the full activity window for the user",
		"Suspend access pending investigation",
		"Document findings for the compliance log",
	},
	TypeDataBreach: {
		"Contain affected accounts immediately",
		"Identify the scope of exposed data",
		"Notify the data protection officer",
	},
	TypeMonitorDegraded: {
		"Inspect worker logs for the failing iteration",
		"Restart the service if the condition persists",
	},
}

var defaultRemediation = []string{"Investigate and remediate"}

// Notifier publishes alert and incident events to an external channel.
// Delivery is best-effort; a failed publish never blocks alert creation.
type Notifier interface {
	NotifyAlert(ctx context.Context, a Alert) error
	NotifyIncident(ctx context.Context, inc Incident) error
}

// Archiver persists alerts and incidents beyond process lifetime.
type Archiver interface {
	SaveAlert(ctx context.Context, a Alert) error
	SaveIncident(ctx context.Context, inc Incident) error
}

// Manager owns alert and incident records and enforces their lifecycles.
type Manager struct {
	mu        sync.RWMutex
	alerts    map[string]*Alert
	order     []string
	incidents map[string]*Incident
	incOrder  []string

	notifier Notifier
	archiver Archiver
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNotifier attaches an external notification channel.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithArchiver attaches durable alert/incident persistence.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs an empty alert manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		alerts:    make(map[string]*Alert),
		incidents: make(map[string]*Incident),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateInput carries the fields of a new alert.
type CreateInput struct {
	Type        AlertType
	Severity    Severity
	Title       string
	Description string
	UserID      string
	IPAddress   string
	Evidence    map[string]string
}

// CreateAlert records a new open alert with remediation steps looked up from
// the static playbook.
func (m *Manager) CreateAlert(ctx context.Context, in CreateInput) Alert {
	steps, ok := remediationSteps[in.Type]
	if !ok {
		steps = defaultRemediation
	}
	var evidence map[string]string
	if len(in.Evidence) > 0 {
		evidence = make(map[string]string, len(in.Evidence))
		for k, v := range in.Evidence {
			evidence[k] = v
		}
	}
	a := Alert{
		AlertID:          ids.New(),
		Type:             in.Type,
		Severity:         in.Severity,
		Title:            in.Title,
		Description:      in.Description,
		UserID:           in.UserID,
		IPAddress:        in.IPAddress,
		Timestamp:        m.now().UTC(),
		Status:           StatusOpen,
		Evidence:         evidence,
		RemediationSteps: append([]string(nil), steps...),
	}

	m.mu.Lock()
	stored := a
	m.alerts[a.AlertID] = &stored
	m.order = append(m.order, a.AlertID)
	m.mu.Unlock()

	obs.AlertsCreated.WithLabelValues(string(a.Type), string(a.Severity)).Inc()

	if m.archiver != nil {
		_ = m.archiver.SaveAlert(ctx, a)
	}
	if m.notifier != nil && a.Severity == SeverityCritical {
		_ = m.notifier.NotifyAlert(ctx, a)
	}
	return a
}

// GetAlert returns a copy of the alert.
func (m *Manager) GetAlert(id string) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *a, nil
}

// UpdateAlertStatus advances the alert along its one-way lifecycle. Moving
// backwards, or out of a terminal state, is rejected.
func (m *Manager) UpdateAlertStatus(ctx context.Context, id string, next Status) error {
	nextRank, ok := statusRank(next)
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, next)
	}
	m.mu.Lock()
	a, found := m.alerts[id]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	curRank, _ := statusRank(a.Status)
	if nextRank <= curRank {
		cur := a.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	a.Status = next
	snapshot := *a
	m.mu.Unlock()

	if m.archiver != nil {
		_ = m.archiver.SaveAlert(ctx, snapshot)
	}
	return nil
}

// Alerts returns copies of all alerts in creation order.
func (m *Manager) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.alerts[id])
	}
	return out
}

// AlertsByType returns copies of alerts of the given type in creation order.
func (m *Manager) AlertsByType(t AlertType) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, id := range m.order {
		if m.alerts[id].Type == t {
			out = append(out, *m.alerts[id])
		}
	}
	return out
}

// CountOpen returns the number of alerts not yet in a terminal state, and how
// many of those are critical.
func (m *Manager) CountOpen() (open, critical int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if rank, _ := statusRank(a.Status); rank < 2 {
			open++
			if a.Severity == SeverityCritical {
				critical++
			}
		}
	}
	return open, critical
}
