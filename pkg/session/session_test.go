package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestExtractUserID_FromUserIDClaim(t *testing.T) {
	token := signToken(t, &Claims{
		UserID:   "user-123",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	userID, err := ExtractUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestExtractUserID_FallsBackToSubject(t *testing.T) {
	token := signToken(t, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-456"},
	})

	userID, err := ExtractUserID(token)
	require.NoError(t, err)
	assert.Equal(t, "user-456", userID)
}

func TestExtractUserID_NoUserID(t *testing.T) {
	token := signToken(t, &Claims{Username: "alice"})

	_, err := ExtractUserID(token)
	assert.Error(t, err)
}

func TestExtractUserID_Malformed(t *testing.T) {
	_, err := ExtractUserID("not-a-token")
	assert.Error(t, err)
}

func TestExtractUserID_IgnoresSignature(t *testing.T) {
	// The agent must accept server-issued tokens without knowing the secret
	token := signToken(t, &Claims{UserID: "user-789"})
	tampered := token[:len(token)-2] + "xx"

	userID, err := ExtractUserID(tampered)
	require.NoError(t, err)
	assert.Equal(t, "user-789", userID)
}
