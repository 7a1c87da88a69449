package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewJWTManager("s3cret")

	token, err := m.Issue("host", time.Hour)
	require.NoError(t, err)

	sub, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "host", sub)
}

func TestVerifyRejects(t *testing.T) {
	m := NewJWTManager("s3cret")

	expired, err := m.Issue("host", -time.Minute)
	require.NoError(t, err)
	_, err = m.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewJWTManager("other").Issue("host", time.Hour)
	require.NoError(t, err)
	_, err = m.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	plain, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "host",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = m.Verify(plain)
	assert.ErrorIs(t, err, ErrInvalidToken, "token without the moderator claim")

	_, err = m.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoSecret(t *testing.T) {
	m := NewJWTManager("")
	_, err := m.Issue("host", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = m.Verify("x")
	assert.ErrorIs(t, err, ErrNoSecret)
}
