// Package middleware carries the gateway's HTTP middleware: API-key
// authentication and request-id tagging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pysugar/pooled-llm-gateway/internal/db"
	"github.com/pysugar/pooled-llm-gateway/internal/logging"
	"gorm.io/gorm"
)

type contextKey int

const userIDKey contextKey = iota

// UserID returns the authenticated user bound to the request context, or
// the empty string when the request never passed APIKeyAuth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithUserID binds a user to the context. Handler tests use it to stand in
// for APIKeyAuth.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// APIKeyAuth validates the caller's key against the api_keys table and
// binds the owning user to the request context. The key arrives as a
// Bearer token or an x-api-key header.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.Header.Get("x-api-key")
			}
			if raw != "" {
				if key := db.LookupAPIKey(database, raw); key != nil {
					next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), key.UserID)))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// RequestID tags each request with an id for log correlation, honoring a
// caller-supplied X-Request-ID and echoing the id on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
