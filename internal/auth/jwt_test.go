package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/netlayer/internal/auth"
)

func newService(key string) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: key,
		Issuer:     "netlayerd",
		Audience:   "netlayer-control",
	})
}

func TestJWTService_IssueAndValidate(t *testing.T) {
	svc := newService("test-secret-key-for-testing-only")

	token, expiresAt, err := svc.IssueToken("ops@example.com", time.Hour, "queue")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, "netlayerd", claims.Issuer)
	assert.Equal(t, []string{"queue"}, claims.Scope)
	assert.NotEmpty(t, claims.ID)

	subject, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)
}

func TestJWTService_DefaultTTL(t *testing.T) {
	svc := newService("k")

	_, expiresAt, err := svc.IssueToken("ops", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(auth.DefaultTokenTTL), expiresAt, 5*time.Second)
}

func TestJWTService_InvalidToken(t *testing.T) {
	svc := newService("test-secret-key-for-testing-only")

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"malformed token", "not.a.valid.jwt"},
		{"invalid base64", "xxx.yyy.zzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateAccessToken(tt.token)
			assert.ErrorIs(t, err, auth.ErrInvalidAccessToken)
		})
	}
}

func TestJWTService_WrongSigningKey(t *testing.T) {
	token, _, err := newService("key-one").IssueToken("ops", time.Hour)
	require.NoError(t, err)

	_, err = newService("key-two").ValidateAccessToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidAccessToken)
}

func TestJWTService_WrongAudience(t *testing.T) {
	token, _, err := newService("k").IssueToken("ops", time.Hour)
	require.NoError(t, err)

	other := auth.NewJWTService(auth.JWTConfig{SigningKey: "k", Issuer: "netlayerd", Audience: "somebody-else"})
	_, err = other.ValidateAccessToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidAccessToken)
}

func TestJWTService_Expired(t *testing.T) {
	svc := newService("k")

	claims := auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "netlayerd",
		Subject:   "ops",
		Audience:  jwt.ClaimStrings{"netlayer-control"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = svc.ValidateAccessToken(token)
	assert.ErrorIs(t, err, auth.ErrAccessTokenExpired)
}

func TestJWTService_NoSigningKey(t *testing.T) {
	svc := newService("")
	assert.False(t, svc.Enabled())

	_, _, err := svc.IssueToken("ops", time.Hour)
	assert.ErrorIs(t, err, auth.ErrMissingSigningKey)

	_, err = svc.ValidateAccessToken("a.b.c")
	assert.ErrorIs(t, err, auth.ErrMissingSigningKey)
}
