package access

import (
	"time"

	"sentra.dev/internal/rbac"
	"sentra.dev/internal/session"
)

func (s *Store) mintSession(userID string, role rbac.Role, ttl time.Duration) (string, error) {
	return session.GenerateToken(userID, role, ttl)
}
