package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sentra.dev/internal/access"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/audit"
	"sentra.dev/internal/rbac"
)

// Store persists access records, audit events, alerts and incidents.
type Store struct {
	db *sql.DB
}

var (
	_ access.Persister = (*Store)(nil)
	_ audit.Sink       = (*Store)(nil)
	_ alert.Archiver   = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists user_access (
			user_id text primary key,
			role text not null,
			permissions jsonb not null,
			security_level text not null,
			password_hash text not null default '',
			last_login timestamptz,
			login_count int not null default 0,
			failed_attempts int not null default 0,
			is_locked boolean not null default false,
			mfa_enabled boolean not null default false,
			session_timeout_seconds int not null default 1800,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)`,
		`create table if not exists audit_events (
			id bigserial primary key,
			event text not null,
			fields jsonb not null,
			created_at timestamptz not null default now()
		)`,
		`create table if not exists security_alerts (
			alert_id text primary key,
			alert_type text not null,
			severity text not null,
			status text not null,
			user_id text not null default '',
			payload jsonb not null,
			created_at timestamptz not null
		)`,
		`create table if not exists security_incidents (
			incident_id text primary key,
			incident_type text not null,
			severity text not null,
			status text not null,
			payload jsonb not null,
			detected_at timestamptz not null
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pg: migrate: %w", err)
		}
	}
	return nil
}

// SaveUserAccess upserts one access record keyed by user id.
func (s *Store) SaveUserAccess(ctx context.Context, u access.UserAccess) error {
	perms, err := json.Marshal(permissionList(u.Permissions))
	if err != nil {
		return fmt.Errorf("pg: marshal permissions: %w", err)
	}
	var lastLogin sql.NullTime
	if !u.LastLogin.IsZero() {
		lastLogin = sql.NullTime{Time: u.LastLogin, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_access(
			user_id, role, permissions, security_level, password_hash,
			last_login, login_count, failed_attempts, is_locked, mfa_enabled,
			session_timeout_seconds, created_at, updated_at
		)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		on conflict (user_id) do update set
			role = excluded.role,
			permissions = excluded.permissions,
			security_level = excluded.security_level,
			password_hash = excluded.password_hash,
			last_login = excluded.last_login,
			login_count = excluded.login_count,
			failed_attempts = excluded.failed_attempts,
			is_locked = excluded.is_locked,
			mfa_enabled = excluded.mfa_enabled,
			session_timeout_seconds = excluded.session_timeout_seconds,
			updated_at = now()
	`, u.UserID, string(u.Role), perms, string(u.SecurityLevel), u.PasswordHash,
		lastLogin, u.LoginCount, u.FailedAttempts, u.IsLocked, u.MFAEnabled,
		int(u.SessionTimeout/time.Second), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: save user access: %w", err)
	}
	return nil
}

// LoadUserAccess returns every persisted access record, for store restore at
// startup.
func (s *Store) LoadUserAccess(ctx context.Context) ([]access.UserAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role, permissions, security_level, password_hash,
			last_login, login_count, failed_attempts, is_locked, mfa_enabled,
			session_timeout_seconds, created_at
		from user_access
		order by user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("pg: load user access: %w", err)
	}
	defer rows.Close()

	var out []access.UserAccess
	for rows.Next() {
		var (
			u         access.UserAccess
			role      string
			level     string
			permsRaw  []byte
			lastLogin sql.NullTime
			timeout   int
		)
		if err := rows.Scan(&u.UserID, &role, &permsRaw, &level, &u.PasswordHash,
			&lastLogin, &u.LoginCount, &u.FailedAttempts, &u.IsLocked, &u.MFAEnabled,
			&timeout, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg: scan user access: %w", err)
		}
		var perms []string
		if err := json.Unmarshal(permsRaw, &perms); err != nil {
			return nil, fmt.Errorf("pg: unmarshal permissions for %s: %w", u.UserID, err)
		}
		u.Role = rbac.Role(role)
		u.SecurityLevel = rbac.SecurityLevel(level)
		u.Permissions = make(map[rbac.Permission]struct{}, len(perms))
		for _, p := range perms {
			u.Permissions[rbac.Permission(p)] = struct{}{}
		}
		if lastLogin.Valid {
			u.LastLogin = lastLogin.Time
		}
		u.SessionTimeout = time.Duration(timeout) * time.Second
		out = append(out, u)
	}
	return out, rows.Err()
}

// LogEvent appends one audit event row.
func (s *Store) LogEvent(ctx context.Context, event string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("pg: marshal audit fields: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into audit_events(event, fields) values ($1, $2)
	`, event, payload); err != nil {
		return fmt.Errorf("pg: insert audit event: %w", err)
	}
	return nil
}

// SaveAlert upserts one alert; status updates reuse the same path.
func (s *Store) SaveAlert(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("pg: marshal alert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into security_alerts(alert_id, alert_type, severity, status, user_id, payload, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (alert_id) do update set
			status = excluded.status,
			payload = excluded.payload
	`, a.AlertID, string(a.Type), string(a.Severity), string(a.Status), a.UserID, payload, a.Timestamp); err != nil {
		return fmt.Errorf("pg: save alert: %w", err)
	}
	return nil
}

// SaveIncident upserts one incident.
func (s *Store) SaveIncident(ctx context.Context, inc alert.Incident) error {
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("pg: marshal incident: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into security_incidents(incident_id, incident_type, severity, status, payload, detected_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (incident_id) do update set
			status = excluded.status,
			payload = excluded.payload
	`, inc.IncidentID, string(inc.Type), string(inc.Severity), string(inc.Status), payload, inc.DetectedAt); err != nil {
		return fmt.Errorf("pg: save incident: %w", err)
	}
	return nil
}

func permissionList(perms map[rbac.Permission]struct{}) []string {
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
