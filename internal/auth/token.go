// Package auth issues and verifies the session tokens handed out after a
// successful face authentication.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokensDisabled is returned by Issue when no signing secret is configured.
var ErrTokensDisabled = errors.New("token signing secret not configured")

// TokenManager signs and verifies HS256 session tokens.
type TokenManager struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenManager builds a manager. An empty secret disables issuing and verification.
func NewTokenManager(secret, audience string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret:   []byte(strings.TrimSpace(secret)),
		audience: strings.TrimSpace(audience),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Enabled reports whether a signing secret is configured.
func (m *TokenManager) Enabled() bool {
	return m != nil && len(m.secret) > 0
}

// Issue signs a token for subject that expires after the configured TTL.
func (m *TokenManager) Issue(subject string) (string, time.Time, error) {
	if !m.Enabled() {
		return "", time.Time{}, ErrTokensDisabled
	}
	now := m.now()
	expires := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify parses tokenString and checks signature, expiry, audience and subject.
func (m *TokenManager) Verify(tokenString string) (*jwt.RegisteredClaims, error) {
	if !m.Enabled() {
		return nil, ErrTokensDisabled
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if m.audience != "" && !containsAudience(claims.Audience, m.audience) {
		return nil, errors.New("invalid audience")
	}
	if claims.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return claims, nil
}
