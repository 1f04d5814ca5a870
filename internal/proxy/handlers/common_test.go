package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"exhausted quota", errs.ExhaustedQuota("kiro", "claude-sonnet-4-5"), http.StatusTooManyRequests, "insufficient_quota"},
		{"unsupported provider", errs.UnsupportedProvider("codex"), http.StatusBadRequest, "invalid_request_error"},
		{"translation", errs.Translation("kiro", "tool schema too deep"), http.StatusBadRequest, "invalid_request_error"},
		{"invalid grant", errs.InvalidGrant("token revoked"), http.StatusBadGateway, "api_error"},
		{"upstream protocol", errs.UpstreamProtocol("qwen", fmt.Errorf("HTTP 503")), http.StatusBadGateway, "api_error"},
		{"wrapped", fmt.Errorf("select account: %w", errs.ExhaustedQuota("kiro", "m")), http.StatusTooManyRequests, "insufficient_quota"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "api_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, errType := errorStatus(tc.err)
			if status != tc.wantStatus || errType != tc.wantType {
				t.Errorf("errorStatus(%v) = (%d, %q), want (%d, %q)", tc.err, status, errType, tc.wantStatus, tc.wantType)
			}
		})
	}
}

func TestWriteOpenAIError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeOpenAIError(rec, http.StatusTooManyRequests, "insufficient_quota", "quota exhausted for kiro")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Message != "quota exhausted for kiro" {
		t.Errorf("message = %q", envelope.Error.Message)
	}
	if envelope.Error.Type != "insufficient_quota" {
		t.Errorf("type = %q", envelope.Error.Type)
	}
	if envelope.Error.Code != http.StatusTooManyRequests {
		t.Errorf("code = %d, want numeric status", envelope.Error.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
