// Package handlers implements the gateway's HTTP surface: the OpenAI
// chat-completions and model endpoints, the OAuth flow endpoints, and
// account management. Every error leaves through the OpenAI envelope so
// existing SDKs surface the message untouched.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to write response: %v", err)
	}
}

// writeOpenAIError emits the shared error envelope.
func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openAIError(errType, message, status))
}

func openAIError(errType, message string, code int) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}
}

// errorStatus maps a dispatch error to its HTTP status and OpenAI error
// type. Quota exhaustion is the caller-actionable case and gets its own
// type; upstream trouble is surfaced as a gateway-side api_error.
func errorStatus(err error) (status int, errType string) {
	switch {
	case errors.Is(err, errs.ErrExhaustedQuota):
		return http.StatusTooManyRequests, "insufficient_quota"
	case errors.Is(err, errs.ErrUnsupportedProvider), errors.Is(err, errs.ErrTranslation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, errs.ErrInvalidGrant), errors.Is(err, errs.ErrUpstreamProtocol):
		return http.StatusBadGateway, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeDispatchError(w http.ResponseWriter, err error) {
	status, errType := errorStatus(err)
	writeOpenAIError(w, status, errType, err.Error())
}

// SetSSEHeaders sets the standard headers for a server-sent-event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// Health reports liveness.
func Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
