package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"sentra.dev/internal/alert"
	"sentra.dev/internal/config"
	"sentra.dev/internal/rbac"
	"sentra.dev/internal/security"
	"sentra.dev/internal/session"
)

func main() {
	// The secret is read lazily on first token mint, so setting it here is
	// early enough.
	if os.Getenv("SENTRA_SESSION_SECRET") == "" {
		_ = os.Setenv("SENTRA_SESSION_SECRET", "smoke-secret")
	}

	cfg := config.DefaultSecurity()
	svc := security.New(cfg)
	svc.Start(context.Background())
	defer svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.Access().CreateUser(ctx, "smoke-admin", "admin-pw-1", rbac.RoleSystemAdmin); err != nil {
		log.Fatalf("create admin: %v", err)
	}
	if err := svc.Access().CreateUser(ctx, "smoke-user", "user-pw-1", rbac.RoleCustomer); err != nil {
		log.Fatalf("create user: %v", err)
	}

	token, err := svc.Authenticate(ctx, "smoke-user", "user-pw-1", "198.51.100.4", "smoke")
	if err != nil {
		log.Fatalf("authenticate: %v", err)
	}
	if _, err := session.ParseAndValidate(token); err != nil {
		log.Fatalf("validate session: %v", err)
	}

	if !svc.CheckPermission(ctx, "smoke-user", rbac.PermReadOwnData, "", "") {
		log.Fatal("customer lost read_own_data")
	}
	if svc.CheckPermission(ctx, "smoke-user", rbac.PermExportBankData, "", "") {
		log.Fatal("customer must not export bank data")
	}
	if got := svc.Alerts().AlertsByType(alert.TypePermissionViolation); len(got) != 1 {
		log.Fatalf("expected 1 violation alert, got %d", len(got))
	}

	if err := svc.Access().AssignRole(ctx, "smoke-user", rbac.RoleAuditor, "smoke-admin"); err != nil {
		log.Fatalf("assign role: %v", err)
	}
	if !svc.CheckPermission(ctx, "smoke-user", rbac.PermViewAuditLogs, "", "") {
		log.Fatal("auditor lost view_audit_logs")
	}
	if err := svc.Access().RevokePermission(ctx, "smoke-user", rbac.PermViewAuditLogs, "smoke-admin"); err != nil {
		log.Fatalf("revoke permission: %v", err)
	}
	if svc.Access().HasPermission("smoke-user", rbac.PermViewAuditLogs) {
		log.Fatal("revocation not visible")
	}

	// Let the monitor drain the queue once.
	time.Sleep(cfg.MonitorInterval + 500*time.Millisecond)

	snap := svc.Snapshot(time.Now())
	if snap.TotalUsers != 2 {
		log.Fatalf("expected 2 users, got %d", snap.TotalUsers)
	}
	if snap.QueueDepth != 0 {
		log.Fatalf("queue not drained: depth=%d", snap.QueueDepth)
	}

	fmt.Printf("✅ security smoke test passed: users=%d open_alerts=%d\n", snap.TotalUsers, snap.OpenAlerts)
}
