package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestAuthToken_CreateVerify(t *testing.T) {
	at, err := NewAuthToken(testKey)
	require.NoError(t, err)

	token, err := at.CreateToken("ops@example.com", time.Hour)
	require.NoError(t, err)

	payload, err := at.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", payload.Subject)
	assert.Equal(t, RoleAdmin, payload.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), payload.ExpiresAt, 5*time.Second)
}

func TestAuthToken_VerifyToken(t *testing.T) {
	at, err := NewAuthToken(testKey)
	require.NoError(t, err)

	sign := func(t *testing.T, key []byte, claims Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "garbage",
			token: func(*testing.T) string { return "not-a-token" },
		},
		{
			name: "wrong_key",
			token: func(t *testing.T) string {
				return sign(t, []byte("another-key-another-key"), Claims{RegisteredClaims: valid, Role: RoleAdmin})
			},
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				expired := valid
				expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return sign(t, testKey, Claims{RegisteredClaims: expired, Role: RoleAdmin})
			},
		},
		{
			name: "not_admin",
			token: func(t *testing.T) string {
				return sign(t, testKey, Claims{RegisteredClaims: valid, Role: "customer"})
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := at.VerifyToken(test.token(t))
			assert.ErrorIs(t, err, models.ErrInvalidToken)
		})
	}
}

func TestNewAuthToken_ShortKey(t *testing.T) {
	_, err := NewAuthToken([]byte("short"))
	assert.Error(t, err)
}
