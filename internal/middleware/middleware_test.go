package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type tokenStub struct{}

func (tokenStub) CreateToken(string, time.Duration) (string, error) { return "", nil }

func (tokenStub) VerifyToken(token string) (*models.TokenPayload, error) {
	if token != "good" {
		return nil, models.ErrInvalidToken
	}
	return &models.TokenPayload{Subject: "ops", Role: "admin"}, nil
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer good", want: http.StatusOK},
		{name: "invalid_token", header: "Bearer bad", want: http.StatusUnauthorized},
		{name: "no_header", header: "", want: http.StatusUnauthorized},
		{name: "not_bearer", header: "Basic Z29vZA==", want: http.StatusUnauthorized},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := Auth(tokenStub{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				payload, ok := AuthPayload(r.Context())
				require.True(t, ok)
				assert.Equal(t, "ops", payload.Subject)
				w.WriteHeader(http.StatusOK)
			}))

			r := httptest.NewRequest(http.MethodGet, "/api/admin/orders/1", nil)
			if test.header != "" {
				r.Header.Set("Authorization", test.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, test.want, w.Code)
		})
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/webhooks/p1", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/webhooks/p1", fields["path"])
	assert.Equal(t, int64(http.StatusAccepted), fields["status"])
	assert.Equal(t, int64(6), fields["size"])
}

func TestIPThrottle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewIPThrottle(1, 2, time.Minute)
	th.now = func() time.Time { return now }

	h := th.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	call := func(addr string) int {
		r := httptest.NewRequest(http.MethodPost, "/api/webhooks/p1", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:1000"))
	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	// another client has its own budget
	assert.Equal(t, http.StatusAccepted, call("10.0.0.2:1000"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:1003"))

	now = now.Add(2 * time.Minute)
	th.Prune()
	th.mu.Lock()
	assert.Empty(t, th.visitors)
	th.mu.Unlock()
}
