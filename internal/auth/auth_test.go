package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestUserIDIsStable(t *testing.T) {
	a := GuestUserID("KnightRider42")
	b := GuestUserID("KnightRider42")
	assert.Equal(t, a, b)

	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestGuestUserIDDiffersPerHandle(t *testing.T) {
	assert.NotEqual(t, GuestUserID("alice"), GuestUserID("bob"))
	// Case matters: handles are taken verbatim.
	assert.NotEqual(t, GuestUserID("alice"), GuestUserID("Alice"))
}

func TestValidateTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.IssueToken(SessionClaims{
		UserID:   "u1",
		Username: "alice",
		Provider: "lichess",
	}, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "lichess", claims.Provider)
	assert.False(t, claims.IsGuest)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.IssueToken(SessionClaims{UserID: "u1", Username: "alice"}, -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTService("secret-a")
	verifier := NewJWTService("secret-b")

	token, err := issuer.IssueToken(SessionClaims{UserID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := NewJWTService("test-secret")

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestValidateTokenRequiresIdentityClaims(t *testing.T) {
	svc := NewJWTService("test-secret")

	token, err := svc.IssueToken(SessionClaims{Username: "alice"}, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = svc.IssueToken(SessionClaims{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
