package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/supportdesk/internal/chat/models"
	apperrors "github.com/supportdesk/supportdesk/internal/common/errors"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	token := signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"agent"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "user-1", claims.AgentID)
	assert.True(t, claims.HasRole(models.RoleAgent))
	assert.False(t, claims.HasRole(models.RoleAdmin))
}

func TestVerifyAgentIDClaim(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	token := signToken(t, jwt.MapClaims{
		"sub":      "user-1",
		"agent_id": "agent-7",
		"roles":    []string{"agent", "admin"},
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", claims.AgentID)
	assert.True(t, claims.HasRole(models.RoleAdmin))
}

func TestVerifyRejections(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"})
			s, _ := tok.SignedString([]byte("other-secret"))
			return s
		}()},
		{"expired", signToken(t, jwt.MapClaims{
			"sub": "user-1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})},
		{"missing subject", signToken(t, jwt.MapClaims{
			"roles": []string{"agent"},
			"exp":   time.Now().Add(time.Hour).Unix(),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.True(t, apperrors.IsUnauthorized(err))
		})
	}
}

func TestVerifyUnknownRolesDefaultToViewer(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	token := signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"wizard"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleViewer}, claims.Roles)
}

func TestAdminSharedSecretBypass(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "letmein")
	require.NoError(t, err)

	claims, err := v.Verify("letmein")
	require.NoError(t, err)
	assert.True(t, claims.HasRole(models.RoleSuperAdmin))

	// Bypass disabled when no admin secret is configured.
	v2, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)
	_, err = v2.Verify("letmein")
	assert.Error(t, err)
}

func TestRequireRole(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	token := signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"agent"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	_, err = RequireRole(v, token, models.RoleAgent)
	assert.NoError(t, err)

	_, err = RequireRole(v, token, models.RoleAdmin)
	assert.Error(t, err)
}
