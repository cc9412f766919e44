package access

import (
	"testing"

	"sentra.dev/internal/session"
)

func resetSessionSecret(t *testing.T) {
	t.Helper()
	session.ResetSecretForTests()
	t.Cleanup(session.ResetSecretForTests)
}
