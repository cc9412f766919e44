package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/rbac"
)

var (
	ErrNotFound     = errors.New("access: user not found")
	ErrUnauthorized = errors.New("access: unauthorized")
	ErrInvalidInput = errors.New("access: invalid input")
	ErrLocked       = errors.New("access: account is locked")
)

const defaultSessionTimeout = 30 * time.Minute

// UserAccess is the per-user authorization state. Records are never deleted;
// they are retained for audit even after lockout.
type UserAccess struct {
	UserID         string
	Role           rbac.Role
	Permissions    map[rbac.Permission]struct{}
	SecurityLevel  rbac.SecurityLevel
	PasswordHash   string
	LastLogin      time.Time
	LoginCount     int
	FailedAttempts int
	IsLocked       bool
	MFAEnabled     bool
	SessionTimeout time.Duration
	CreatedAt      time.Time
}

func (u *UserAccess) clone() UserAccess {
	out := *u
	out.Permissions = make(map[rbac.Permission]struct{}, len(u.Permissions))
	for p := range u.Permissions {
		out.Permissions[p] = struct{}{}
	}
	return out
}

// ComplianceChecker validates resource ownership for banking data.
type ComplianceChecker interface {
	OwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
}

// ConsentChecker reports whether a user granted consent for a data category.
type ConsentChecker interface {
	IsGranted(userID string, t consentType) bool
}

// Persister saves user access records beyond process lifetime.
type Persister interface {
	SaveUserAccess(ctx context.Context, u UserAccess) error
}

// Store owns every UserAccess record. All reads and writes go through one
// RWMutex; mutations are visible to concurrent permission checks as soon as
// the write lock is released (read-after-write consistency).
type Store struct {
	cfg      config.SecurityConfig
	recorder *activity.Recorder
	alerts   *alert.Manager

	compliance ComplianceChecker
	consents   ConsentChecker
	persist    Persister
	now        func() time.Time

	mu    sync.RWMutex
	users map[string]*UserAccess
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCompliance attaches the external ownership validator for banking data.
func WithCompliance(c ComplianceChecker) StoreOption {
	return func(s *Store) { s.compliance = c }
}

// WithConsents attaches the consent store consulted for gated categories.
func WithConsents(c ConsentChecker) StoreOption {
	return func(s *Store) { s.consents = c }
}

// WithPersister attaches durable persistence for access records.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persist = p }
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs an empty access store.
func NewStore(cfg config.SecurityConfig, rec *activity.Recorder, alerts *alert.Manager, opts ...StoreOption) *Store {
	s := &Store{
		cfg:      cfg,
		recorder: rec,
		alerts:   alerts,
		now:      time.Now,
		users:    make(map[string]*UserAccess),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads previously persisted records, replacing any in-memory state.
func (s *Store) Restore(records []UserAccess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*UserAccess, len(records))
	for i := range records {
		rec := records[i].clone()
		s.users[rec.UserID] = &rec
	}
}

// CreateUser registers a user with credentials and an initial role.
func (s *Store) CreateUser(ctx context.Context, userID, password string, role rbac.Role) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	perms, err := rbac.RolePermissions(role)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	s.mu.Lock()
	if _, exists := s.users[userID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: user %s already exists", ErrInvalidInput, userID)
	}
	u := &UserAccess{
		UserID:         userID,
		Role:           role,
		Permissions:    perms,
		SecurityLevel:  rbac.SecurityLevelFor(role),
		PasswordHash:   hash,
		SessionTimeout: defaultSessionTimeout,
		CreatedAt:      s.now().UTC(),
	}
	s.users[userID] = u
	snapshot := u.clone()
	s.mu.Unlock()

	s.logActivity(ctx, activity.Input{
		UserID: userID,
		Type:   activity.TypeAccountCreation,
		Metadata: map[string]string{
			"role": string(role),
		},
	})
	s.save(ctx, snapshot)
	return nil
}

// Get returns a copy of the user's access record.
func (s *Store) Get(userID string) (UserAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return UserAccess{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return u.clone(), nil
}

// HasPermission is a pure lookup: no activity is emitted and no resource
// scoping is applied. Locked accounts hold no permissions. Used for
// re-validation by the breach scanner and for actor checks.
func (s *Store) HasPermission(userID string, perm rbac.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.IsLocked {
		return false
	}
	_, has := u.Permissions[perm]
	return has
}

type denyReason string

const (
	denyNone       denyReason = ""
	denyNoRecord   denyReason = "no_access_record"
	denyLocked     denyReason = "account_locked"
	denyPermission denyReason = "missing_permission"
	denyOwnership  denyReason = "ownership_check_failed"
	denyConsent    denyReason = "consent_not_granted"
)

// CheckPermission decides whether userID may exercise perm, optionally scoped
// to a resource. Every check emits one activity; a denial caused by a missing
// permission additionally emits a security violation and raises an alert.
// Internal failures (for example an ownership lookup error) default-deny.
func (s *Store) CheckPermission(ctx context.Context, userID string, perm rbac.Permission, resourceType, resourceID string) bool {
	reason := s.evaluate(ctx, userID, perm, resourceType, resourceID)
	granted := reason == denyNone

	meta := map[string]string{
		activity.MetaPermission: string(perm),
		activity.MetaGranted:    strconv.FormatBool(granted),
	}
	if !granted {
		meta["deny_reason"] = string(reason)
	}
	s.logActivity(ctx, activity.Input{
		UserID:       userID,
		Type:         activity.TypeDataAccess,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
	})

	if granted {
		obs.PermissionChecks.WithLabelValues("granted").Inc()
		return true
	}
	obs.PermissionChecks.WithLabelValues("denied").Inc()

	if reason == denyPermission {
		s.logActivity(ctx, activity.Input{
			UserID:       userID,
			Type:         activity.TypeSecurityViolation,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Metadata: map[string]string{
				activity.MetaPermission: string(perm),
			},
		})
		s.alerts.CreateAlert(ctx, alert.CreateInput{
			Type:        alert.TypePermissionViolation,
			Severity:    alert.SeverityMedium,
			Title:       "Permission denied",
			Description: fmt.Sprintf("user %s attempted %s without holding it", userID, perm),
			UserID:      userID,
			Evidence: map[string]string{
				"permission":    string(perm),
				"resource_type": resourceType,
				"resource_id":   resourceID,
			},
		})
	}
	return false
}

func (s *Store) evaluate(ctx context.Context, userID string, perm rbac.Permission, resourceType, resourceID string) denyReason {
	s.mu.RLock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.RUnlock()
		return denyNoRecord
	}
	if u.IsLocked {
		s.mu.RUnlock()
		return denyLocked
	}
	if _, has := u.Permissions[perm]; !has {
		s.mu.RUnlock()
		return denyPermission
	}
	_, actorIsAdmin := u.Permissions[rbac.PermSystemAdmin]
	s.mu.RUnlock()

	switch resourceType {
	case "":
		return denyNone
	case "bank_account":
		if s.compliance == nil {
			return denyOwnership
		}
		owns, err := s.compliance.OwnsAccount(ctx, userID, resourceID)
		if err != nil {
			obs.LogEvent(map[string]any{
				"ts":    s.now().UTC().Format(time.RFC3339Nano),
				"level": "error",
				"msg":   "ownership check failed, denying",
				"error": err.Error(),
			})
			return denyOwnership
		}
		if !owns {
			return denyOwnership
		}
		return denyNone
	case "user":
		if resourceID == userID || actorIsAdmin {
			return denyNone
		}
		return denyPermission
	default:
		if ct, gated := consentGatedResources[resourceType]; gated {
			subject := resourceID
			if subject == "" {
				subject = userID
			}
			if s.consents == nil || !s.consents.IsGranted(subject, ct) {
				return denyConsent
			}
		}
		return denyNone
	}
}

// RecordLoginAttempt updates login counters. At exactly MaxFailedLogins
// consecutive failures the account is locked and a single account_locked
// alert is raised; further failures do not re-raise it.
func (s *Store) RecordLoginAttempt(ctx context.Context, userID, ip, agent string, success bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		u = s.newRecordLocked(userID)
	}
	var lockedNow bool
	if success {
		u.FailedAttempts = 0
		u.LoginCount++
		u.LastLogin = s.now().UTC()
	} else {
		u.FailedAttempts++
		if u.FailedAttempts == s.cfg.MaxFailedLogins && !u.IsLocked {
			u.IsLocked = true
			lockedNow = true
		}
	}
	failed := u.FailedAttempts
	snapshot := u.clone()
	s.mu.Unlock()

	s.logActivity(ctx, activity.Input{
		UserID:    userID,
		Type:      activity.TypeLogin,
		IPAddress: ip,
		UserAgent: agent,
		Metadata: map[string]string{
			activity.MetaSuccess:        strconv.FormatBool(success),
			activity.MetaFailedAttempts: strconv.Itoa(failed),
		},
	})

	if lockedNow {
		s.alerts.CreateAlert(ctx, alert.CreateInput{
			Type:        alert.TypeAccountLocked,
			Severity:    alert.SeverityHigh,
			Title:       "Account locked",
			Description: fmt.Sprintf("user %s locked after %d consecutive failed logins", userID, failed),
			UserID:      userID,
			IPAddress:   ip,
			Evidence: map[string]string{
				"failed_attempts": strconv.Itoa(failed),
			},
		})
	}
	s.save(ctx, snapshot)
}

// Authenticate verifies credentials, records the attempt, and on success
// returns a session token bounded by the user's session timeout.
func (s *Store) Authenticate(ctx context.Context, userID, password, ip, agent string) (string, error) {
	s.mu.RLock()
	u, ok := s.users[userID]
	var (
		hash    string
		locked  bool
		role    rbac.Role
		timeout time.Duration
	)
	if ok {
		hash = u.PasswordHash
		locked = u.IsLocked
		role = u.Role
		timeout = u.SessionTimeout
	}
	s.mu.RUnlock()

	if !ok {
		s.RecordLoginAttempt(ctx, userID, ip, agent, false)
		return "", ErrUnauthorized
	}
	if locked {
		s.RecordLoginAttempt(ctx, userID, ip, agent, false)
		return "", ErrLocked
	}
	if err := VerifyPassword(hash, password); err != nil {
		s.RecordLoginAttempt(ctx, userID, ip, agent, false)
		return "", ErrUnauthorized
	}

	s.RecordLoginAttempt(ctx, userID, ip, agent, true)
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	return s.mintSession(userID, role, timeout)
}

// AssignRole replaces the user's role and permission set. The caller must
// hold the system_admin permission. The target record is created on demand.
func (s *Store) AssignRole(ctx context.Context, userID string, role rbac.Role, assignedBy string) error {
	if !s.HasPermission(assignedBy, rbac.PermSystemAdmin) {
		return fmt.Errorf("%w: %s may not assign roles", ErrUnauthorized, assignedBy)
	}
	perms, err := rbac.RolePermissions(role)
	if err != nil {
		return err
	}

	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		u = s.newRecordLocked(userID)
	}
	oldRole := u.Role
	u.Role = role
	u.Permissions = perms
	u.SecurityLevel = rbac.SecurityLevelFor(role)
	snapshot := u.clone()
	s.mu.Unlock()

	s.logActivity(ctx, activity.Input{
		UserID: userID,
		Type:   activity.TypeRoleChange,
		Metadata: map[string]string{
			"old_role":    string(oldRole),
			"new_role":    string(role),
			"assigned_by": assignedBy,
		},
	})
	s.save(ctx, snapshot)
	return nil
}

// RevokePermission removes one permission from the user's current set. The
// revocation is visible to concurrent CheckPermission calls as soon as this
// returns. The caller must hold the system_admin permission.
func (s *Store) RevokePermission(ctx context.Context, userID string, perm rbac.Permission, revokedBy string) error {
	if !s.HasPermission(revokedBy, rbac.PermSystemAdmin) {
		return fmt.Errorf("%w: %s may not revoke permissions", ErrUnauthorized, revokedBy)
	}

	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	delete(u.Permissions, perm)
	snapshot := u.clone()
	s.mu.Unlock()

	s.logActivity(ctx, activity.Input{
		UserID: userID,
		Type:   activity.TypePermissionChange,
		Metadata: map[string]string{
			"permission": string(perm),
			"action":     "revoked",
			"revoked_by": revokedBy,
		},
	})
	s.save(ctx, snapshot)
	return nil
}

// Snapshot summarizes the store for the metrics surface.
type Snapshot struct {
	TotalUsers       int
	LockedUsers      int
	RoleDistribution map[rbac.Role]int
}

// Stats returns aggregate counts over all access records.
func (s *Store) Stats() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{RoleDistribution: make(map[rbac.Role]int)}
	for _, u := range s.users {
		snap.TotalUsers++
		if u.IsLocked {
			snap.LockedUsers++
		}
		snap.RoleDistribution[u.Role]++
	}
	return snap
}

// All returns copies of every access record, for persistence snapshots.
func (s *Store) All() []UserAccess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserAccess, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.clone())
	}
	return out
}

// newRecordLocked creates a default customer record. Caller holds the write lock.
func (s *Store) newRecordLocked(userID string) *UserAccess {
	perms, _ := rbac.RolePermissions(rbac.RoleCustomer)
	u := &UserAccess{
		UserID:         userID,
		Role:           rbac.RoleCustomer,
		Permissions:    perms,
		SecurityLevel:  rbac.SecurityLevelFor(rbac.RoleCustomer),
		SessionTimeout: defaultSessionTimeout,
		CreatedAt:      s.now().UTC(),
	}
	s.users[userID] = u
	return u
}

func (s *Store) logActivity(ctx context.Context, in activity.Input) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.LogActivity(ctx, in); err != nil {
		obs.LogEvent(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "activity log failed",
			"error": err.Error(),
		})
	}
}

func (s *Store) save(ctx context.Context, u UserAccess) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveUserAccess(ctx, u); err != nil {
		obs.LogEvent(map[string]any{
			"ts":    s.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "persist user access failed",
			"error": err.Error(),
		})
	}
}
