// Package auth verifies the bearer tokens issued by the account service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptyUserID   = errors.New("userID cannot be empty")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
)

const DefaultTokenTTL = time.Hour

// Claims carried by every token. user_id is the only one this service
// relies on.
type Claims struct {
	UserID     string `json:"user_id"`
	FirstName  string `json:"first_name,omitempty"`
	SecondName string `json:"second_name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier resolves a token to its user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Manager signs and validates HS256 tokens with a shared secret.
type Manager struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{secretKey: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for userID. Used by the seed command and tests; real
// tokens come from the account service sharing the secret.
func (m *Manager) Issue(userID, firstName, secondName string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	now := m.now()
	claims := Claims{
		UserID:     userID,
		FirstName:  firstName,
		SecondName: secondName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (m *Manager) Verify(_ context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims.UserID = strings.TrimSpace(claims.UserID)
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing or invalid user_id", ErrInvalidClaims)
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer ..." value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
