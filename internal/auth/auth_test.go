package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-with-enough-bytes-0123456789"

func TestSignAndVerify(t *testing.T) {
	v := NewVerifier(secret, "authenticated")
	p := Principal{UserID: uuid.New(), Email: "asha@example.com", Name: "Asha"}

	token, err := v.Sign(p, time.Hour)
	require.NoError(t, err)

	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p, *got)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(secret, "authenticated")
	user := uuid.New()

	sign := func(key string, method jwt.SigningMethod, c claims) string {
		t.Helper()
		tok, err := jwt.NewWithClaims(method, c).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	valid := func() claims {
		return claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.String(),
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExp := valid()
	noExp.ExpiresAt = nil
	wrongAud := valid()
	wrongAud.Audience = jwt.ClaimStrings{"anon"}
	badSub := valid()
	badSub.Subject = "not-a-uuid"

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"wrong key", sign("another-secret-another-secret-00", jwt.SigningMethodHS256, valid())},
		{"wrong method", sign(secret, jwt.SigningMethodHS512, valid())},
		{"expired", sign(secret, jwt.SigningMethodHS256, expired)},
		{"no expiry", sign(secret, jwt.SigningMethodHS256, noExp)},
		{"wrong audience", sign(secret, jwt.SigningMethodHS256, wrongAud)},
		{"bad subject", sign(secret, jwt.SigningMethodHS256, badSub)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestVerifyWithoutAudience(t *testing.T) {
	v := NewVerifier(secret, "")
	token, err := v.Sign(Principal{UserID: uuid.New()}, time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(token)
	assert.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier(secret, "")
	user := uuid.New()
	token, err := v.Sign(Principal{UserID: user}, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, user, p.UserID)

	r = httptest.NewRequest("GET", "/api/v1/me/notifications/stream?access_token="+token, nil)
	p, err = v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, user, p.UserID)

	r = httptest.NewRequest("GET", "/api/v1/me", nil)
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r = httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateDevMode(t *testing.T) {
	v := NewVerifier("", "")
	require.True(t, v.DevMode())

	user := uuid.New()
	r := httptest.NewRequest("GET", "/api/v1/me", nil)
	r.Header.Set(DevUserHeader, user.String())
	p, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, user, p.UserID)

	r.Header.Set(DevUserHeader, "nobody")
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Sign(Principal{UserID: user}, time.Minute)
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	p := &Principal{UserID: uuid.New()}
	got, ok := FromContext(WithPrincipal(context.Background(), p))
	require.True(t, ok)
	assert.Same(t, p, got)
}
