package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zapdeck/panel/internal/observability"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *User) context.Context {
	ctx = context.WithValue(ctx, userContextKey, user)
	return observability.AddUserID(ctx, user.ID)
}

// UserFromContext returns the authenticated user, or nil when the request
// did not pass the middleware.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}

// Middleware rejects requests without a valid bearer token and attaches the
// token's user to the request context.
func Middleware(service *Service, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, "missing credentials")
				return
			}

			user, err := service.ValidateToken(token)
			if err != nil {
				if logger != nil {
					logger.Warn(r.Context(), "token validation failed", "error", err)
				}
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// unauthorized writes the 401 as JSON, matching the API's error envelope.
func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func extractBearer(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}
