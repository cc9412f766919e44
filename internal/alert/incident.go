package alert

import (
	"context"
	"fmt"
	"time"

	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

// IncidentType identifies what kind of exposure was detected.
type IncidentType string

const (
	IncidentUnauthorizedAccess IncidentType = "unauthorized_access"
	IncidentMassExport         IncidentType = "mass_export"
)

// IncidentStatus follows detected -> investigating -> contained -> resolved.
type IncidentStatus string

const (
	IncidentDetected      IncidentStatus = "detected"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentContained     IncidentStatus = "contained"
	IncidentResolved      IncidentStatus = "resolved"
)

func incidentStatusRank(s IncidentStatus) (int, bool) {
	switch s {
	case IncidentDetected:
		return 0, true
	case IncidentInvestigating:
		return 1, true
	case IncidentContained:
		return 2, true
	case IncidentResolved:
		return 3, true
	default:
		return 0, false
	}
}

// Incident records a likely unauthorized data exposure.
type Incident struct {
	IncidentID          string         `json:"incident_id"`
	Type                IncidentType   `json:"incident_type"`
	Severity            Severity       `json:"severity"`
	Description         string         `json:"description"`
	AffectedUsers       []string       `json:"affected_users"`
	AffectedData        []string       `json:"affected_data,omitempty"`
	DetectedAt          time.Time      `json:"detected_at"`
	Status              IncidentStatus `json:"status"`
	ContainmentActions  []string       `json:"containment_actions"`
	NotificationSent    bool           `json:"notification_sent"`
	RegulatoryReporting bool           `json:"regulatory_reporting"`
}

// containmentChecklist is applied to every new incident.
var containmentChecklist = []string{
	"Revoke active sessions for affected users",
	"Suspend the implicated permissions",
	"Preserve the activity window for forensics",
	"Assess exposed data categories",
	"Prepare regulatory notification if required",
}

// IncidentInput carries the fields of a new incident.
type IncidentInput struct {
	Type          IncidentType
	Severity      Severity
	Description   string
	AffectedUsers []string
	AffectedData  []string
}

// CreateIncident opens a new incident in the detected state. Critical
// incidents are flagged for regulatory reporting; NotificationSent reflects
// whether the external notification was accepted for delivery.
func (m *Manager) CreateIncident(ctx context.Context, in IncidentInput) (Incident, error) {
	if len(in.AffectedUsers) == 0 {
		return Incident{}, fmt.Errorf("alert: incident requires at least one affected user")
	}
	inc := Incident{
		IncidentID:          ids.New(),
		Type:                in.Type,
		Severity:            in.Severity,
		Description:         in.Description,
		AffectedUsers:       append([]string(nil), in.AffectedUsers...),
		AffectedData:        append([]string(nil), in.AffectedData...),
		DetectedAt:          m.now().UTC(),
		Status:              IncidentDetected,
		ContainmentActions:  append([]string(nil), containmentChecklist...),
		RegulatoryReporting: in.Severity == SeverityCritical,
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyIncident(ctx, inc); err == nil {
			inc.NotificationSent = true
		}
	}

	m.mu.Lock()
	stored := inc
	m.incidents[inc.IncidentID] = &stored
	m.incOrder = append(m.incOrder, inc.IncidentID)
	m.mu.Unlock()

	obs.IncidentsOpened.WithLabelValues(string(inc.Type)).Inc()

	if m.archiver != nil {
		_ = m.archiver.SaveIncident(ctx, inc)
	}
	return inc, nil
}

// GetIncident returns a copy of the incident.
func (m *Manager) GetIncident(id string) (Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *inc, nil
}

// UpdateIncidentStatus advances the incident along its one-way lifecycle.
func (m *Manager) UpdateIncidentStatus(ctx context.Context, id string, next IncidentStatus) error {
	nextRank, ok := incidentStatusRank(next)
	if !ok {
		return fmt.Errorf("%w: unknown status %s", ErrInvalidTransition, next)
	}
	m.mu.Lock()
	inc, found := m.incidents[id]
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	curRank, _ := incidentStatusRank(inc.Status)
	if nextRank <= curRank {
		cur := inc.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	inc.Status = next
	snapshot := *inc
	m.mu.Unlock()

	if m.archiver != nil {
		_ = m.archiver.SaveIncident(ctx, snapshot)
	}
	return nil
}

// Incidents returns copies of all incidents in creation order.
func (m *Manager) Incidents() []Incident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Incident, 0, len(m.incOrder))
	for _, id := range m.incOrder {
		out = append(out, *m.incidents[id])
	}
	return out
}
