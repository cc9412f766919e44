package activity

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// Type classifies an access-relevant action.
type Type string

const (
	TypeLogin              Type = "login"
	TypeDataAccess         Type = "data_access"
	TypeDataModification   Type = "data_modification"
	TypeAccountCreation    Type = "account_creation"
	TypeAccountDeletion    Type = "account_deletion"
	TypePermissionChange   Type = "permission_change"
	TypeRoleChange         Type = "role_change"
	TypeExportBankData     Type = "export_bank_data"
	TypeSuspiciousActivity Type = "suspicious_activity"
	TypeSecurityViolation  Type = "security_violation"
)

// ErrUnknownType reports an activity type outside the fixed set.
var ErrUnknownType = fmt.Errorf("activity: unknown type")

// Metadata keys with defined meaning for scoring and detection.
const (
	MetaFailedAttempts = "failed_attempts"
	MetaSuccess        = "success"
	MetaPermission     = "permission"
	MetaGranted        = "granted"
)

// Activity is an immutable record of one access-relevant action.
type Activity struct {
	ActivityID   string            `json:"activity_id"`
	UserID       string            `json:"user_id"`
	Type         Type              `json:"activity_type"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RiskScore    int               `json:"risk_score"`
}

const (
	// Risk scores are clamped to this range.
	MinRiskScore = 0
	MaxRiskScore = 10
)

// baseRiskScore is the fixed per-type score table. The export score follows
// account deletion: both expose data that cannot be un-exposed.
func baseRiskScore(t Type) (int, error) {
	switch t {
	case TypeLogin:
		return 1, nil
	case TypeDataAccess:
		return 2, nil
	case TypeAccountCreation:
		return 3, nil
	case TypeDataModification:
		return 5, nil
	case TypePermissionChange:
		return 7, nil
	case TypeRoleChange:
		return 8, nil
	case TypeAccountDeletion:
		return 8, nil
	case TypeExportBankData:
		return 8, nil
	case TypeSuspiciousActivity:
		return 10, nil
	case TypeSecurityViolation:
		return 10, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// riskScore combines the base table with recent failures, IP suspicion and
// time of day, clamped to [MinRiskScore, MaxRiskScore].
func riskScore(t Type, metadata map[string]string, ip string, ts time.Time, businessStart, businessEnd int) (int, error) {
	score, err := baseRiskScore(t)
	if err != nil {
		return 0, err
	}
	if raw, ok := metadata[MetaFailedAttempts]; ok {
		if attempts, err := strconv.Atoi(raw); err == nil && attempts > 0 {
			score += attempts * 2
		}
	}
	if SuspiciousIP(ip) {
		score += 5
	}
	if OutsideBusinessHours(ts, businessStart, businessEnd) {
		score += 3
	}
	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	if score < MinRiskScore {
		score = MinRiskScore
	}
	return score, nil
}

// SuspiciousIP reports whether the address falls into a reserved or private
// range. Unparseable addresses count as suspicious.
func SuspiciousIP(ip string) bool {
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

// OutsideBusinessHours reports whether the timestamp falls outside the
// configured business-hours window (UTC, half-open [start, end)).
func OutsideBusinessHours(ts time.Time, start, end int) bool {
	h := ts.UTC().Hour()
	return h < start || h >= end
}
