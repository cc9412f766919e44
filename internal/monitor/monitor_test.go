package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
	"sentra.dev/internal/rbac"
)

var noon = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func record(t *testing.T, rec *activity.Recorder, in activity.Input) activity.Activity {
	t.Helper()
	act, err := rec.LogActivity(context.Background(), in)
	if err != nil {
		t.Fatalf("LogActivity: %v", err)
	}
	return act
}

func TestMonitorProcessesInArrivalOrder(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	m := NewMonitor(cfg, rec, alerts, WithClock(clock.Now))

	// Private source address makes every activity unusual, so each produces
	// exactly one alert and the alert order mirrors the arrival order.
	var want []string
	for i := 0; i < 3; i++ {
		act := record(t, rec, activity.Input{
			UserID:    "u-order",
			Type:      activity.TypeLogin,
			IPAddress: "10.0.0.7",
		})
		want = append(want, act.ActivityID)
	}

	if err := m.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := alerts.AlertsByType(alert.TypeUnusualActivity)
	if len(got) != len(want) {
		t.Fatalf("got %d unusual alerts, want %d", len(got), len(want))
	}
	for i, a := range got {
		if a.Evidence["activity_id"] != want[i] {
			t.Fatalf("alert %d references %s, want %s", i, a.Evidence["activity_id"], want[i])
		}
	}
	if depth := rec.QueueDepth(); depth != 0 {
		t.Fatalf("queue depth after scan = %d, want 0", depth)
	}
}

func TestMonitorLeavesOrdinaryActivityAlone(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	m := NewMonitor(cfg, rec, alerts, WithClock(clock.Now))

	record(t, rec, activity.Input{
		UserID:    "u-calm",
		Type:      activity.TypeLogin,
		IPAddress: "203.0.113.10",
	})
	if err := m.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := alerts.Alerts(); len(got) != 0 {
		t.Fatalf("got %d alerts for a daytime login from a public address, want 0", len(got))
	}
}

func TestMonitorFlagsHighRiskActivity(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	m := NewMonitor(cfg, rec, alerts, WithClock(clock.Now))

	record(t, rec, activity.Input{
		UserID:    "u-risk",
		Type:      activity.TypeExportBankData,
		IPAddress: "203.0.113.10",
	})
	if err := m.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := alerts.AlertsByType(alert.TypeUnusualActivity)
	if len(got) != 1 {
		t.Fatalf("got %d unusual alerts, want 1", len(got))
	}
	if got[0].Severity != alert.SeverityMedium {
		t.Fatalf("severity = %s, want %s", got[0].Severity, alert.SeverityMedium)
	}
	if got[0].UserID != "u-risk" {
		t.Fatalf("alert user = %s, want u-risk", got[0].UserID)
	}
}

func TestMonitorFlagsRapidActivity(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.RapidThreshold = 2
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	m := NewMonitor(cfg, rec, alerts, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		record(t, rec, activity.Input{
			UserID:    "u-rapid",
			Type:      activity.TypeDataAccess,
			IPAddress: "203.0.113.10",
		})
	}
	if err := m.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	rapid := alerts.AlertsByType(alert.TypeRapidActivity)
	if len(rapid) == 0 {
		t.Fatal("expected at least one rapid-activity alert")
	}
	if rapid[0].Severity != alert.SeverityHigh {
		t.Fatalf("severity = %s, want %s", rapid[0].Severity, alert.SeverityHigh)
	}
}

func TestDetectorFlagsExcessiveDataAccessOnce(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	d := NewDetector(cfg, rec, alerts, WithClock(clock.Now))

	for i := 0; i <= cfg.MaxDataAccess; i++ {
		record(t, rec, activity.Input{
			UserID:    "u-reader",
			Type:      activity.TypeDataAccess,
			IPAddress: "203.0.113.10",
		})
	}

	if err := d.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := alerts.AlertsByType(alert.TypeSuspiciousPattern)
	if len(got) != 1 {
		t.Fatalf("got %d pattern alerts, want 1", len(got))
	}
	if got[0].Evidence["pattern"] != patternDataAccess {
		t.Fatalf("pattern = %s, want %s", got[0].Evidence["pattern"], patternDataAccess)
	}

	// A rescan over the same evidence stays quiet.
	clock.Advance(cfg.DetectorInterval)
	if err := d.scan(context.Background()); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if got := alerts.AlertsByType(alert.TypeSuspiciousPattern); len(got) != 1 {
		t.Fatalf("got %d pattern alerts after rescan, want 1", len(got))
	}

	// New matching evidence re-arms the pattern.
	clock.Advance(time.Minute)
	record(t, rec, activity.Input{
		UserID:    "u-reader",
		Type:      activity.TypeDataAccess,
		IPAddress: "203.0.113.10",
	})
	if err := d.scan(context.Background()); err != nil {
		t.Fatalf("scan with new evidence: %v", err)
	}
	if got := alerts.AlertsByType(alert.TypeSuspiciousPattern); len(got) != 2 {
		t.Fatalf("got %d pattern alerts after new evidence, want 2", len(got))
	}
}

func TestDetectorFlagsFailedLoginsAndRoleChanges(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	d := NewDetector(cfg, rec, alerts, WithClock(clock.Now))

	for i := 0; i <= cfg.MaxFailedPattern; i++ {
		record(t, rec, activity.Input{
			UserID:    "u-bruteforce",
			Type:      activity.TypeLogin,
			IPAddress: "203.0.113.10",
			Metadata:  map[string]string{activity.MetaSuccess: "false"},
		})
	}
	// Successful logins never count toward the failed-login pattern.
	record(t, rec, activity.Input{
		UserID:    "u-quiet",
		Type:      activity.TypeLogin,
		IPAddress: "203.0.113.10",
		Metadata:  map[string]string{activity.MetaSuccess: "true"},
	})
	for i := 0; i <= cfg.MaxRoleChanges; i++ {
		record(t, rec, activity.Input{
			UserID:    "u-climber",
			Type:      activity.TypeRoleChange,
			IPAddress: "203.0.113.10",
		})
	}

	if err := d.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got := alerts.AlertsByType(alert.TypeSuspiciousPattern)
	if len(got) != 2 {
		t.Fatalf("got %d pattern alerts, want 2", len(got))
	}
	patterns := map[string]string{}
	for _, a := range got {
		patterns[a.UserID] = a.Evidence["pattern"]
	}
	if patterns["u-bruteforce"] != patternFailedLogins {
		t.Fatalf("u-bruteforce pattern = %s, want %s", patterns["u-bruteforce"], patternFailedLogins)
	}
	if patterns["u-climber"] != patternRoleChanges {
		t.Fatalf("u-climber pattern = %s, want %s", patterns["u-climber"], patternRoleChanges)
	}
}

type fakeValidator struct {
	mu     sync.Mutex
	grants map[string]bool
}

func (f *fakeValidator) set(userID string, perm rbac.Permission, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants == nil {
		f.grants = make(map[string]bool)
	}
	f.grants[userID+"|"+string(perm)] = ok
}

func (f *fakeValidator) HasPermission(userID string, perm rbac.Permission) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[userID+"|"+string(perm)]
}

func TestBreachFlagsRevokedPermission(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	validator := &fakeValidator{}
	b := NewBreach(cfg, rec, alerts, validator, WithClock(clock.Now))

	validator.set("u-exstaff", rbac.PermReadBankData, true)
	record(t, rec, activity.Input{
		UserID:       "u-exstaff",
		Type:         activity.TypeDataAccess,
		ResourceType: "bank_account",
		ResourceID:   "acct-9",
		IPAddress:    "203.0.113.10",
		Metadata: map[string]string{
			activity.MetaPermission: string(rbac.PermReadBankData),
			activity.MetaGranted:    "true",
		},
	})

	// Grant still held: the scan finds nothing.
	if err := b.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := alerts.Incidents(); len(got) != 0 {
		t.Fatalf("got %d incidents while grant is held, want 0", len(got))
	}

	// After revocation the same window flags the access.
	validator.set("u-exstaff", rbac.PermReadBankData, false)
	if err := b.scan(context.Background()); err != nil {
		t.Fatalf("scan after revoke: %v", err)
	}
	incidents := alerts.Incidents()
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}
	inc := incidents[0]
	if inc.Type != alert.IncidentUnauthorizedAccess {
		t.Fatalf("incident type = %s, want %s", inc.Type, alert.IncidentUnauthorizedAccess)
	}
	if inc.Severity != alert.SeverityCritical {
		t.Fatalf("severity = %s, want %s", inc.Severity, alert.SeverityCritical)
	}
	if !inc.RegulatoryReporting {
		t.Fatal("critical incident must be flagged for regulatory reporting")
	}
	if len(inc.AffectedUsers) != 1 || inc.AffectedUsers[0] != "u-exstaff" {
		t.Fatalf("affected users = %v, want [u-exstaff]", inc.AffectedUsers)
	}
	if len(inc.AffectedData) != 1 || inc.AffectedData[0] != "acct-9" {
		t.Fatalf("affected data = %v, want [acct-9]", inc.AffectedData)
	}
	if got := alerts.AlertsByType(alert.TypeDataBreach); len(got) != 1 {
		t.Fatalf("got %d breach alerts, want 1", len(got))
	}

	// Same evidence never escalates twice.
	clock.Advance(cfg.BreachInterval)
	if err := b.scan(context.Background()); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if got := alerts.Incidents(); len(got) != 1 {
		t.Fatalf("got %d incidents after rescan, want 1", len(got))
	}
}

func TestBreachFlagsMassExportOnce(t *testing.T) {
	cfg := config.DefaultSecurity()
	clock := newFakeClock(noon)
	rec := activity.NewRecorder(cfg, nil, activity.WithClock(clock.Now))
	alerts := alert.NewManager(alert.WithClock(clock.Now))
	b := NewBreach(cfg, rec, alerts, &fakeValidator{}, WithClock(clock.Now))

	for i := 0; i <= cfg.MaxBankExports; i++ {
		record(t, rec, activity.Input{
			UserID:       "u-exporter",
			Type:         activity.TypeExportBankData,
			ResourceType: "bank_account",
			ResourceID:   fmt.Sprintf("acct-%d", i),
			IPAddress:    "203.0.113.10",
		})
	}

	if err := b.scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	incidents := alerts.Incidents()
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents, want 1", len(incidents))
	}
	if incidents[0].Type != alert.IncidentMassExport {
		t.Fatalf("incident type = %s, want %s", incidents[0].Type, alert.IncidentMassExport)
	}
	if len(incidents[0].AffectedData) != cfg.MaxBankExports+1 {
		t.Fatalf("affected data = %d entries, want %d", len(incidents[0].AffectedData), cfg.MaxBankExports+1)
	}
	if got := alerts.AlertsByType(alert.TypeDataBreach); len(got) != 1 {
		t.Fatalf("got %d breach alerts, want 1", len(got))
	}

	// Exactly at the limit stays quiet.
	clock.Advance(cfg.BreachWindow + time.Minute)
	for i := 0; i < cfg.MaxBankExports; i++ {
		record(t, rec, activity.Input{
			UserID:    "u-exporter",
			Type:      activity.TypeExportBankData,
			IPAddress: "203.0.113.10",
		})
	}
	if err := b.scan(context.Background()); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if got := alerts.Incidents(); len(got) != 1 {
		t.Fatalf("got %d incidents at the export limit, want 1", len(got))
	}
}

func TestIterHealthAlertsAfterConsecutiveFailures(t *testing.T) {
	alerts := alert.NewManager()
	h := &iterHealth{worker: "test_worker", alerts: alerts}
	ctx := context.Background()
	boom := errors.New("boom")

	h.fail(ctx, boom)
	h.fail(ctx, boom)
	if got := alerts.AlertsByType(alert.TypeMonitorDegraded); len(got) != 0 {
		t.Fatalf("got %d degraded alerts before the threshold, want 0", len(got))
	}
	h.fail(ctx, boom)
	if got := alerts.AlertsByType(alert.TypeMonitorDegraded); len(got) != 1 {
		t.Fatalf("got %d degraded alerts at the threshold, want 1", len(got))
	}
	h.fail(ctx, boom)
	if got := alerts.AlertsByType(alert.TypeMonitorDegraded); len(got) != 1 {
		t.Fatalf("got %d degraded alerts past the threshold, want 1", len(got))
	}

	// A good iteration resets the streak so a later degradation alerts again.
	h.ok()
	h.fail(ctx, boom)
	h.fail(ctx, boom)
	h.fail(ctx, boom)
	if got := alerts.AlertsByType(alert.TypeMonitorDegraded); len(got) != 2 {
		t.Fatalf("got %d degraded alerts after reset, want 2", len(got))
	}
}
