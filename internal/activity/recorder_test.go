package activity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sentra.dev/internal/config"
)

func testClock(base time.Time) (func() time.Time, func(d time.Duration)) {
	current := base
	return func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }
}

var businessNoon = time.Date(2026, 5, 12, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, base time.Time) (*Recorder, func(time.Duration)) {
	t.Helper()
	cfg := config.DefaultSecurity()
	now, advance := testClock(base)
	return NewRecorder(cfg, nil, WithClock(now)), advance
}

func TestRiskScoreAlwaysInRange(t *testing.T) {
	cfg := config.DefaultSecurity()
	types := []Type{
		TypeLogin, TypeDataAccess, TypeDataModification, TypeAccountCreation,
		TypeAccountDeletion, TypePermissionChange, TypeRoleChange,
		TypeExportBankData, TypeSuspiciousActivity, TypeSecurityViolation,
	}
	ips := []string{"", "203.0.113.7", "10.0.0.8", "127.0.0.1", "not-an-ip", "fe80::1"}
	hours := []int{0, 3, 8, 12, 17, 18, 23}
	attempts := []string{"", "0", "1", "4", "5", "100", "-3", "garbage"}

	for _, typ := range types {
		for _, ip := range ips {
			for _, hour := range hours {
				for _, att := range attempts {
					ts := time.Date(2026, 5, 12, hour, 30, 0, 0, time.UTC)
					meta := map[string]string{}
					if att != "" {
						meta[MetaFailedAttempts] = att
					}
					score, err := riskScore(typ, meta, ip, ts, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
					if err != nil {
						t.Fatalf("riskScore(%s): %v", typ, err)
					}
					if score < MinRiskScore || score > MaxRiskScore {
						t.Fatalf("riskScore(%s, ip=%q, hour=%d, attempts=%q) = %d, out of range",
							typ, ip, hour, att, score)
					}
				}
			}
		}
	}
}

func TestRiskScoreComponents(t *testing.T) {
	cfg := config.DefaultSecurity()

	// Base score only: business hours, public IP, no failures.
	score, err := riskScore(TypeDataAccess, nil, "203.0.113.7", businessNoon, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	if err != nil {
		t.Fatal(err)
	}
	if score != 2 {
		t.Fatalf("expected base score 2, got %d", score)
	}

	// +5 private IP.
	score, _ = riskScore(TypeDataAccess, nil, "192.168.1.10", businessNoon, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	if score != 7 {
		t.Fatalf("expected 2+5=7 for private IP, got %d", score)
	}

	// +3 off-hours.
	night := time.Date(2026, 5, 12, 2, 0, 0, 0, time.UTC)
	score, _ = riskScore(TypeDataAccess, nil, "203.0.113.7", night, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	if score != 5 {
		t.Fatalf("expected 2+3=5 off-hours, got %d", score)
	}

	// +2 per failed attempt, clamped at 10.
	meta := map[string]string{MetaFailedAttempts: "4"}
	score, _ = riskScore(TypeLogin, meta, "203.0.113.7", businessNoon, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	if score != 9 {
		t.Fatalf("expected 1+8=9, got %d", score)
	}
	meta[MetaFailedAttempts] = "50"
	score, _ = riskScore(TypeLogin, meta, "203.0.113.7", businessNoon, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	if score != MaxRiskScore {
		t.Fatalf("expected clamp to %d, got %d", MaxRiskScore, score)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	r, _ := newTestRecorder(t, businessNoon)
	_, err := r.LogActivity(context.Background(), Input{UserID: "u1", Type: Type("teleport")})
	if err == nil {
		t.Fatal("expected error for unknown activity type")
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	r, advance := newTestRecorder(t, businessNoon)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.LogActivity(ctx, Input{
			UserID:     fmt.Sprintf("u%d", i),
			Type:       TypeDataAccess,
			ResourceID: fmt.Sprintf("r%d", i),
		}); err != nil {
			t.Fatal(err)
		}
		advance(time.Second)
	}

	drained := r.Drain()
	if len(drained) != 5 {
		t.Fatalf("expected 5 queued activities, got %d", len(drained))
	}
	for i, act := range drained {
		if act.ResourceID != fmt.Sprintf("r%d", i) {
			t.Fatalf("FIFO order violated at %d: %s", i, act.ResourceID)
		}
	}
	if got := r.Drain(); len(got) != 0 {
		t.Fatalf("second drain should be empty, got %d", len(got))
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	cfg := config.DefaultSecurity()
	cfg.QueueCapacity = 3
	now, advance := testClock(businessNoon)
	r := NewRecorder(cfg, nil, WithClock(now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.LogActivity(ctx, Input{
			UserID:     "u1",
			Type:       TypeDataAccess,
			ResourceID: fmt.Sprintf("r%d", i),
		}); err != nil {
			t.Fatal(err)
		}
		advance(time.Millisecond)
	}

	drained := r.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected capacity-bounded queue of 3, got %d", len(drained))
	}
	// The two oldest entries were dropped.
	want := []string{"r2", "r3", "r4"}
	for i, act := range drained {
		if act.ResourceID != want[i] {
			t.Fatalf("expected %s at %d, got %s", want[i], i, act.ResourceID)
		}
	}
}

func TestWindowSinceCopies(t *testing.T) {
	r, advance := newTestRecorder(t, businessNoon)
	ctx := context.Background()

	if _, err := r.LogActivity(ctx, Input{UserID: "u1", Type: TypeLogin}); err != nil {
		t.Fatal(err)
	}
	advance(10 * time.Minute)
	if _, err := r.LogActivity(ctx, Input{UserID: "u1", Type: TypeDataAccess}); err != nil {
		t.Fatal(err)
	}

	window := r.WindowSince(businessNoon.Add(5 * time.Minute))
	if len(window) != 1 || window[0].Type != TypeDataAccess {
		t.Fatalf("unexpected window: %+v", window)
	}

	// Mutating the snapshot must not affect the recorder's log.
	window[0].UserID = "tampered"
	again := r.WindowSince(businessNoon.Add(5 * time.Minute))
	if again[0].UserID != "u1" {
		t.Fatal("window snapshot is not a copy")
	}
}

func TestCountForUserSince(t *testing.T) {
	r, advance := newTestRecorder(t, businessNoon)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.LogActivity(ctx, Input{UserID: "u1", Type: TypeDataAccess}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.LogActivity(ctx, Input{UserID: "u2", Type: TypeDataAccess}); err != nil {
			t.Fatal(err)
		}
		advance(time.Second)
	}

	if n := r.CountForUserSince("u1", businessNoon); n != 3 {
		t.Fatalf("expected 3 activities for u1, got %d", n)
	}
	if n := r.CountForUserSince("u1", businessNoon.Add(90*time.Minute)); n != 0 {
		t.Fatalf("expected 0 recent activities, got %d", n)
	}
}

func TestMetadataCopied(t *testing.T) {
	r, _ := newTestRecorder(t, businessNoon)
	meta := map[string]string{"k": "v"}
	act, err := r.LogActivity(context.Background(), Input{UserID: "u1", Type: TypeLogin, Metadata: meta})
	if err != nil {
		t.Fatal(err)
	}
	meta["k"] = "mutated"
	if act.Metadata["k"] != "v" {
		t.Fatal("metadata was not copied on record")
	}
}
