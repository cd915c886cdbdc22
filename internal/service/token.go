package service

import (
	"time"

	"github.com/rookgm/esimhub/internal/models"
)

// TokenService issues and verifies admin tokens
type TokenService interface {
	CreateToken(subject string, ttl time.Duration) (string, error)
	VerifyToken(tokenString string) (*models.TokenPayload, error)
}
