// Package auth issues and checks moderator tokens.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid moderator token")
	ErrNoSecret     = errors.New("moderator secret not configured")
)

type moderatorClaims struct {
	Moderator bool `json:"moderator"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	secretKey []byte
}

func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{secretKey: []byte(secretKey)}
}

// Issue signs a moderator token for subject valid for ttl.
func (m *JWTManager) Issue(subject string, ttl time.Duration) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := moderatorClaims{
		Moderator: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
}

// Verify returns the subject of a valid moderator token.
func (m *JWTManager) Verify(tokenString string) (string, error) {
	if len(m.secretKey) == 0 {
		return "", ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &moderatorClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secretKey, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*moderatorClaims)
	if !ok || !token.Valid || !claims.Moderator {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
