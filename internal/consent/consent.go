package consent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"sentra.dev/internal/ids"
)

// Type identifies a consent-gated data category.
type Type string

const (
	TypeMarketing     Type = "marketing"
	TypeAnalytics     Type = "analytics"
	TypeDataSharing   Type = "data_sharing"
	TypeProfiling     Type = "profiling"
)

var allTypes = map[Type]struct{}{
	TypeMarketing:   {},
	TypeAnalytics:   {},
	TypeDataSharing: {},
	TypeProfiling:   {},
}

// ErrUnknownType reports a consent type outside the fixed set.
var ErrUnknownType = fmt.Errorf("consent: unknown type")

// Record is one grant or withdrawal. Only the most recent record per
// (user, type) is authoritative.
type Record struct {
	ConsentID string
	UserID    string
	Type      Type
	Granted   bool
	GrantedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Store keeps the latest consent decision per (user, type).
type Store struct {
	mu      sync.RWMutex
	latest  map[string]Record // user|type -> newest record
	now     func() time.Time
}

// NewStore creates an empty consent store.
func NewStore() *Store {
	return &Store{
		latest: make(map[string]Record),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func key(userID string, t Type) string { return userID + "|" + string(t) }

// Record stores a new consent decision, superseding any previous one for the
// same (user, type).
func (s *Store) Record(userID string, t Type, granted bool, expiresAt time.Time) (Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Record{}, fmt.Errorf("consent: user_id is required")
	}
	if _, ok := allTypes[t]; !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	rec := Record{
		ConsentID: ids.New(),
		UserID:    userID,
		Type:      t,
		Granted:   granted,
		GrantedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	}
	s.mu.Lock()
	s.latest[key(userID, t)] = rec
	s.mu.Unlock()
	return rec, nil
}

// IsGranted reports whether the latest record for (user, type) grants access.
// Expired records count as not granted.
func (s *Store) IsGranted(userID string, t Type) bool {
	s.mu.RLock()
	rec, ok := s.latest[key(userID, t)]
	s.mu.RUnlock()
	if !ok || !rec.Granted {
		return false
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		return false
	}
	return true
}
