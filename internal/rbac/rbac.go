package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownRole       = errors.New("rbac: unknown role")
	ErrUnknownPermission = errors.New("rbac: unknown permission")
)

// Permission is a fine-grained capability.
type Permission string

const (
	PermReadOwnData      Permission = "read_own_data"
	PermReadUserData     Permission = "read_user_data"
	PermWriteUserData    Permission = "write_user_data"
	PermReadBankData     Permission = "read_bank_data"
	PermExportBankData   Permission = "export_bank_data"
	PermManageUsers      Permission = "manage_users"
	PermViewAuditLogs    Permission = "view_audit_logs"
	PermManageSecurity   Permission = "manage_security"
	PermDeleteData       Permission = "delete_data"
	PermSystemAdmin      Permission = "system_admin"
	PermGenerateReports  Permission = "generate_reports"
	PermManageRetention  Permission = "manage_retention"
)

// AllPermissions is the permission universe. Every permission referenced by
// a role must be a member.
var AllPermissions = []Permission{
	PermReadOwnData,
	PermReadUserData,
	PermWriteUserData,
	PermReadBankData,
	PermExportBankData,
	PermManageUsers,
	PermViewAuditLogs,
	PermManageSecurity,
	PermDeleteData,
	PermSystemAdmin,
	PermGenerateReports,
	PermManageRetention,
}

// SecurityLevel ranks how sensitive a role is.
type SecurityLevel string

const (
	LevelLow      SecurityLevel = "low"
	LevelMedium   SecurityLevel = "medium"
	LevelHigh     SecurityLevel = "high"
	LevelCritical SecurityLevel = "critical"
)

// Role groups permissions at a fixed security level.
type Role string

const (
	RoleCustomer          Role = "customer"
	RoleSupportAgent      Role = "support_agent"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleAuditor           Role = "auditor"
	RoleSystemAdmin       Role = "system_admin"
)

// AllRoles is the fixed role universe.
var AllRoles = []Role{
	RoleCustomer,
	RoleSupportAgent,
	RoleComplianceOfficer,
	RoleAuditor,
	RoleSystemAdmin,
}

var rolePermissions = map[Role][]Permission{
	RoleCustomer: {
		PermReadOwnData,
	},
	RoleSupportAgent: {
		PermReadOwnData,
		PermReadUserData,
		PermWriteUserData,
	},
	RoleComplianceOfficer: {
		PermReadOwnData,
		PermReadUserData,
		PermReadBankData,
		PermExportBankData,
		PermViewAuditLogs,
		PermGenerateReports,
	},
	RoleAuditor: {
		PermReadOwnData,
		PermViewAuditLogs,
		PermGenerateReports,
	},
	RoleSystemAdmin: {
		PermReadOwnData,
		PermReadUserData,
		PermWriteUserData,
		PermReadBankData,
		PermExportBankData,
		PermManageUsers,
		PermViewAuditLogs,
		PermManageSecurity,
		PermDeleteData,
		PermSystemAdmin,
		PermGenerateReports,
		PermManageRetention,
	},
}

func init() {
	universe := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		universe[p] = struct{}{}
	}
	for role, perms := range rolePermissions {
		for _, p := range perms {
			if _, ok := universe[p]; !ok {
				panic(fmt.Sprintf("rbac: role %s references unknown permission %s", role, p))
			}
		}
	}
}

// RolePermissions returns the immutable permission set owned by the role.
// The returned map is a fresh copy; callers may mutate it freely.
func RolePermissions(role Role) (map[Permission]struct{}, error) {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set, nil
}

// SecurityLevelFor maps a role to its security level.
func SecurityLevelFor(role Role) SecurityLevel {
	switch role {
	case RoleCustomer:
		return LevelLow
	case RoleSupportAgent:
		return LevelMedium
	case RoleComplianceOfficer, RoleAuditor:
		return LevelHigh
	case RoleSystemAdmin:
		return LevelCritical
	default:
		// Unknown roles never reach here: construction goes through Resolve.
		return LevelLow
	}
}

// Resolve parses a role name, failing with ErrUnknownRole for anything
// outside the fixed role universe.
func Resolve(name string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(name)))
	if _, ok := rolePermissions[role]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return role, nil
}

// ResolvePermission parses a permission key against the permission universe.
func ResolvePermission(name string) (Permission, error) {
	perm := Permission(strings.TrimSpace(strings.ToLower(name)))
	for _, p := range AllPermissions {
		if p == perm {
			return perm, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPermission, name)
}
