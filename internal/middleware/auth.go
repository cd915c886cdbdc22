package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/service"
)

type contextKey int

const (
	contextKeyAuthPayload contextKey = iota
)

// Auth verifies the bearer token and passes its payload in the context
func Auth(ts service.TokenService) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			payload, err := ts.VerifyToken(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAuthPayload, payload)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthPayload extracts the verified token payload from context
func AuthPayload(ctx context.Context) (*models.TokenPayload, bool) {
	payload, ok := ctx.Value(contextKeyAuthPayload).(*models.TokenPayload)
	return payload, ok
}
