package security

import (
	"context"
	"sync"
	"time"

	"sentra.dev/internal/access"
	"sentra.dev/internal/activity"
	"sentra.dev/internal/alert"
	"sentra.dev/internal/audit"
	"sentra.dev/internal/config"
	"sentra.dev/internal/consent"
	"sentra.dev/internal/monitor"
	"sentra.dev/internal/rbac"
)

// Service wires the recorder, the access store, the alert manager, the
// consent store and the three background workers into one subsystem with a
// single lifecycle.
type Service struct {
	cfg config.SecurityConfig

	rec      *activity.Recorder
	alerts   *alert.Manager
	access   *access.Store
	consents *consent.Store

	mon      *monitor.Monitor
	detector *monitor.Detector
	breach   *monitor.Breach

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	sink       audit.Sink
	persister  access.Persister
	archiver   alert.Archiver
	notifier   alert.Notifier
	compliance access.ComplianceChecker
	now        func() time.Time
}

// Option configures the assembled subsystem.
type Option func(*options)

// WithAuditSink overrides the default JSON-line audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithPersistence attaches durable storage for access records, alerts and
// incidents. Typically both interfaces are the Postgres store.
func WithPersistence(p access.Persister, a alert.Archiver) Option {
	return func(o *options) {
		o.persister = p
		o.archiver = a
	}
}

// WithNotifier attaches the external notification channel for critical
// alerts and incidents.
func WithNotifier(n alert.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithCompliance attaches the ownership validator for banking data.
func WithCompliance(c access.ComplianceChecker) Option {
	return func(o *options) { o.compliance = c }
}

// WithClock overrides the time source for every component (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New assembles the subsystem. Nothing runs until Start is called; recording
// and permission checks work before that, only the background scans wait.
func New(cfg config.SecurityConfig, opts ...Option) *Service {
	o := options{
		sink: audit.JSONSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	rec := activity.NewRecorder(cfg, o.sink, activity.WithClock(o.now))

	alertOpts := []alert.ManagerOption{alert.WithClock(o.now)}
	if o.notifier != nil {
		alertOpts = append(alertOpts, alert.WithNotifier(o.notifier))
	}
	if o.archiver != nil {
		alertOpts = append(alertOpts, alert.WithArchiver(o.archiver))
	}
	alerts := alert.NewManager(alertOpts...)

	consents := consent.NewStore().WithClock(o.now)

	storeOpts := []access.StoreOption{
		access.WithConsents(consents),
		access.WithClock(o.now),
	}
	if o.compliance != nil {
		storeOpts = append(storeOpts, access.WithCompliance(o.compliance))
	}
	if o.persister != nil {
		storeOpts = append(storeOpts, access.WithPersister(o.persister))
	}
	store := access.NewStore(cfg, rec, alerts, storeOpts...)

	return &Service{
		cfg:      cfg,
		rec:      rec,
		alerts:   alerts,
		access:   store,
		consents: consents,
		mon:      monitor.NewMonitor(cfg, rec, alerts, monitor.WithClock(o.now)),
		detector: monitor.NewDetector(cfg, rec, alerts, monitor.WithClock(o.now)),
		breach:   monitor.NewBreach(cfg, rec, alerts, store, monitor.WithClock(o.now)),
	}
}

// Start launches the audit pump and the three workers. Calling Start twice
// without Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	run := func(fn func(context.Context)) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			fn(ctx)
		}()
	}
	run(s.rec.Run)
	run(s.mon.Run)
	run(s.detector.Run)
	run(s.breach.Run)
}

// Stop cancels the workers and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Access exposes the user access store.
func (s *Service) Access() *access.Store { return s.access }

// Alerts exposes the alert manager.
func (s *Service) Alerts() *alert.Manager { return s.alerts }

// Consents exposes the consent store.
func (s *Service) Consents() *consent.Store { return s.consents }

// Activities exposes the activity recorder.
func (s *Service) Activities() *activity.Recorder { return s.rec }

// CheckPermission delegates to the access store.
func (s *Service) CheckPermission(ctx context.Context, userID string, perm rbac.Permission, resourceType, resourceID string) bool {
	return s.access.CheckPermission(ctx, userID, perm, resourceType, resourceID)
}

// Authenticate delegates to the access store.
func (s *Service) Authenticate(ctx context.Context, userID, password, ip, agent string) (string, error) {
	return s.access.Authenticate(ctx, userID, password, ip, agent)
}

// LogActivity delegates to the recorder.
func (s *Service) LogActivity(ctx context.Context, in activity.Input) (activity.Activity, error) {
	return s.rec.LogActivity(ctx, in)
}

// Metrics summarizes the subsystem for the operational surface.
type Metrics struct {
	TotalUsers       int                `json:"total_users"`
	LockedUsers      int                `json:"locked_users"`
	RoleDistribution map[rbac.Role]int  `json:"role_distribution"`
	OpenAlerts       int                `json:"open_alerts"`
	CriticalAlerts   int                `json:"critical_alerts"`
	OpenIncidents    int                `json:"open_incidents"`
	QueueDepth       int                `json:"queue_depth"`
	RecentHighRisk   int                `json:"recent_high_risk"`
}

// Snapshot gathers current counts across the subsystem. RecentHighRisk counts
// activities at or above the high-risk threshold in the trailing pattern
// window.
func (s *Service) Snapshot(now time.Time) Metrics {
	stats := s.access.Stats()
	open, critical := s.alerts.CountOpen()

	highRisk := 0
	for _, act := range s.rec.WindowSince(now.Add(-s.cfg.PatternWindow)) {
		if act.RiskScore >= s.cfg.HighRiskThreshold {
			highRisk++
		}
	}

	openIncidents := 0
	for _, inc := range s.alerts.Incidents() {
		if inc.Status != alert.IncidentResolved {
			openIncidents++
		}
	}

	return Metrics{
		TotalUsers:       stats.TotalUsers,
		LockedUsers:      stats.LockedUsers,
		RoleDistribution: stats.RoleDistribution,
		OpenAlerts:       open,
		CriticalAlerts:   critical,
		OpenIncidents:    openIncidents,
		QueueDepth:       s.rec.QueueDepth(),
		RecentHighRisk:   highRisk,
	}
}
