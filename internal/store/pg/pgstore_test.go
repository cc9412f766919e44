package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"sentra.dev/internal/access"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/rbac"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestSaveUserAccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into user_access").
		WithArgs("u-1", "support_agent", sqlmock.AnyArg(), "medium", sqlmock.AnyArg(),
			sqlmock.AnyArg(), 3, 0, false, false, 1800, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	perms, err := rbac.RolePermissions(rbac.RoleSupportAgent)
	if err != nil {
		t.Fatalf("RolePermissions: %v", err)
	}
	u := access.UserAccess{
		UserID:         "u-1",
		Role:           rbac.RoleSupportAgent,
		Permissions:    perms,
		SecurityLevel:  rbac.SecurityLevelFor(rbac.RoleSupportAgent),
		LoginCount:     3,
		SessionTimeout: 30 * time.Minute,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.SaveUserAccess(context.Background(), u); err != nil {
		t.Fatalf("SaveUserAccess: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoadUserAccessRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)

	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"user_id", "role", "permissions", "security_level", "password_hash",
		"last_login", "login_count", "failed_attempts", "is_locked", "mfa_enabled",
		"session_timeout_seconds", "created_at",
	}).AddRow(
		"u-2", "customer", []byte(`["read_own_data"]`), "low", "hash",
		nil, 0, 2, false, false, 900, created,
	)
	mock.ExpectQuery("select user_id, role, permissions").WillReturnRows(rows)

	got, err := s.LoadUserAccess(context.Background())
	if err != nil {
		t.Fatalf("LoadUserAccess: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	u := got[0]
	if u.UserID != "u-2" || u.Role != rbac.RoleCustomer {
		t.Fatalf("record = %+v", u)
	}
	if _, ok := u.Permissions[rbac.PermReadOwnData]; !ok {
		t.Fatalf("permissions not restored: %v", u.Permissions)
	}
	if u.SessionTimeout != 15*time.Minute {
		t.Fatalf("session timeout = %v, want 15m", u.SessionTimeout)
	}
	if u.FailedAttempts != 2 {
		t.Fatalf("failed attempts = %d, want 2", u.FailedAttempts)
	}
	if !u.LastLogin.IsZero() {
		t.Fatalf("last login = %v, want zero", u.LastLogin)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLogEventInsertsRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into audit_events").
		WithArgs("security.activity", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.LogEvent(context.Background(), "security.activity", map[string]any{
		"user_id":    "u-3",
		"risk_score": 4,
	})
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveAlertAndIncident(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into security_alerts").
		WithArgs("al-1", "data_breach", "critical", "open", "u-4", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into security_incidents").
		WithArgs("inc-1", "mass_export", "critical", "detected", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := alert.Alert{
		AlertID:   "al-1",
		Type:      alert.TypeDataBreach,
		Severity:  alert.SeverityCritical,
		Status:    alert.StatusOpen,
		UserID:    "u-4",
		Timestamp: time.Now().UTC(),
	}
	if err := s.SaveAlert(context.Background(), a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	inc := alert.Incident{
		IncidentID:    "inc-1",
		Type:          alert.IncidentMassExport,
		Severity:      alert.SeverityCritical,
		Status:        alert.IncidentDetected,
		AffectedUsers: []string{"u-4"},
		DetectedAt:    time.Now().UTC(),
	}
	if err := s.SaveIncident(context.Background(), inc); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
