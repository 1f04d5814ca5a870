// Package logging provides request ID context propagation so gateway log
// lines for one inbound call can be correlated across dispatcher, pool and
// translator layers.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// GenerateRequestID creates an 8-character hex request ID.
func GenerateRequestID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Tag renders the "[id]" prefix used on per-request log lines.
// Returns empty string when the context carries no request ID.
func Tag(ctx context.Context) string {
	id := GetRequestID(ctx)
	if id == "" {
		return ""
	}
	return fmt.Sprintf("[%s] ", id)
}
