package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateAdminToken(t *testing.T) {
	m := NewJWTManager("test-secret", "relay.test")

	tok, err := m.IssueAdminToken("ops@example.test")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	subject, err := m.ValidateAdminToken(tok)
	require.NoError(t, err)
	require.Equal(t, "ops@example.test", subject)
}

func TestValidateAdminTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-a", "relay.test")
	verifier := NewJWTManager("secret-b", "relay.test")

	tok, err := issuer.IssueAdminToken("ops@example.test")
	require.NoError(t, err)

	_, err = verifier.ValidateAdminToken(tok)
	require.Error(t, err)
}

func TestValidateAdminTokenRejectsGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", "relay.test")
	_, err := m.ValidateAdminToken("not-a-jwt")
	require.Error(t, err)
}
