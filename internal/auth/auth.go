// Package auth issues and verifies HS256 admin tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/models"
)

// RoleAdmin is the only role the admin API accepts.
const RoleAdmin = "admin"

// Claims are the claims of an admin token
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AuthToken signs and verifies admin tokens with a shared key
type AuthToken struct {
	key []byte
	now func() time.Time
}

// NewAuthToken creates new AuthToken instance
func NewAuthToken(key []byte) (*AuthToken, error) {
	if len(key) < 16 {
		return nil, errors.New("auth token key must be at least 16 bytes")
	}
	return &AuthToken{key: key, now: time.Now}, nil
}

// CreateToken issues an admin token for subject valid for ttl
func (at *AuthToken) CreateToken(subject string, ttl time.Duration) (string, error) {
	now := at.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})

	return token.SignedString(at.key)
}

// VerifyToken checks the signature, the expiry and the role of a token
func (at *AuthToken) VerifyToken(tokenString string) (*models.TokenPayload, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return at.key, nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, models.ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: role %q", models.ErrInvalidToken, claims.Role)
	}

	payload := &models.TokenPayload{Subject: claims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		payload.ExpiresAt = claims.ExpiresAt.Time
	}
	return payload, nil
}
