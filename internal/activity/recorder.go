package activity

import (
	"context"
	"strings"
	"sync"
	"time"

	"sentra.dev/internal/audit"
	"sentra.dev/internal/config"
	"sentra.dev/internal/ids"
	"sentra.dev/internal/obs"
)

// Input describes an action to record. Metadata is copied before storage.
type Input struct {
	UserID       string
	Type         Type
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]string
}

// Recorder scores and stores activities. It keeps a bounded in-memory log
// for the detectors, a bounded FIFO queue for the monitor, and forwards
// every activity to the audit sink fire-and-forget.
type Recorder struct {
	cfg  config.SecurityConfig
	sink audit.Sink
	now  func() time.Time

	mu  sync.RWMutex
	log []Activity

	queue   *boundedQueue
	auditCh chan Activity
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder constructs a Recorder writing to the given audit sink.
func NewRecorder(cfg config.SecurityConfig, sink audit.Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		queue:   newBoundedQueue(cfg.QueueCapacity),
		auditCh: make(chan Activity, cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LogActivity scores and appends one activity. The returned value is the
// stored record; it is never mutated afterwards.
func (r *Recorder) LogActivity(ctx context.Context, in Input) (Activity, error) {
	userID := strings.TrimSpace(in.UserID)
	var meta map[string]string
	if len(in.Metadata) > 0 {
		meta = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}

	ts := r.now().UTC()
	score, err := riskScore(in.Type, meta, in.IPAddress, ts, r.cfg.BusinessHoursStart, r.cfg.BusinessHoursEnd)
	if err != nil {
		return Activity{}, err
	}

	act := Activity{
		ActivityID:   ids.New(),
		UserID:       userID,
		Type:         in.Type,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Timestamp:    ts,
		Metadata:     meta,
		RiskScore:    score,
	}

	r.mu.Lock()
	r.log = append(r.log, act)
	if max := r.cfg.MaxLogEntries; max > 0 && len(r.log) > max {
		// Drop-oldest; the audit sink remains the durable record.
		r.log = append(r.log[:0:0], r.log[len(r.log)-max:]...)
	}
	r.mu.Unlock()

	r.queue.push(act)

	select {
	case r.auditCh <- act:
	default:
		obs.AuditDropped.Inc()
	}

	obs.ActivitiesRecorded.WithLabelValues(string(act.Type)).Inc()
	obs.ActivityRiskScore.Observe(float64(score))
	return act, nil
}

// Drain removes every queued activity in FIFO arrival order.
func (r *Recorder) Drain() []Activity {
	return r.queue.drain()
}

// QueueDepth reports how many activities await the monitor.
func (r *Recorder) QueueDepth() int {
	return r.queue.depth()
}

// WindowSince returns a copy of all activities with Timestamp >= since.
// Detectors scan the copy so O(n) analysis never holds the write lock.
func (r *Recorder) WindowSince(since time.Time) []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// The log is append-only in timestamp order; find the cut point from the back.
	i := len(r.log)
	for i > 0 && !r.log[i-1].Timestamp.Before(since) {
		i--
	}
	out := make([]Activity, len(r.log)-i)
	copy(out, r.log[i:])
	return out
}

// CountForUserSince counts activities by one user with Timestamp >= since.
func (r *Recorder) CountForUserSince(userID string, since time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].Timestamp.Before(since) {
			break
		}
		if r.log[i].UserID == userID {
			n++
		}
	}
	return n
}

// Run pumps recorded activities into the audit sink until the context ends.
// Sink errors are logged and dropped; recording never depends on delivery.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case act := <-r.auditCh:
			if r.sink == nil {
				continue
			}
			fields := map[string]any{
				"activity_id":   act.ActivityID,
				"user_id":       act.UserID,
				"activity_type": string(act.Type),
				"risk_score":    act.RiskScore,
			}
			if act.ResourceType != "" {
				fields["resource_type"] = act.ResourceType
				fields["resource_id"] = act.ResourceID
			}
			if act.IPAddress != "" {
				fields["ip_address"] = act.IPAddress
			}
			if err := r.sink.LogEvent(ctx, "security.activity", fields); err != nil {
				obs.LogEvent(map[string]any{
					"ts":    time.Now().UTC().Format(time.RFC3339Nano),
					"level": "error",
					"msg":   "audit sink write failed",
					"error": err.Error(),
				})
			}
		}
	}
}
