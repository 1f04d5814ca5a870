package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/pooled-llm-gateway/internal/db"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var mwDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:middleware_%d?mode=memory&cache=shared", mwDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.APIKey{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedKey(t *testing.T, gdb *gorm.DB, userID, raw string) {
	t.Helper()
	if err := gdb.Create(&models.APIKey{
		ID:      "key-" + userID,
		UserID:  userID,
		KeyHash: db.HashAPIKey(raw),
		Label:   "test",
	}).Error; err != nil {
		t.Fatalf("seed key: %v", err)
	}
}

func TestAPIKeyAuthBindsUser(t *testing.T) {
	gdb := openTestDB(t)
	seedKey(t, gdb, "user-7", "sk-valid")

	var gotUser string
	h := APIKeyAuth(gdb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
	}))

	cases := []struct {
		name   string
		header string
		value  string
	}{
		{"bearer", "Authorization", "Bearer sk-valid"},
		{"x-api-key", "x-api-key", "sk-valid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotUser = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			req.Header.Set(tc.header, tc.value)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if gotUser != "user-7" {
				t.Fatalf("UserID = %q, want user-7", gotUser)
			}
		})
	}
}

func TestAPIKeyAuthRejects(t *testing.T) {
	gdb := openTestDB(t)
	seedKey(t, gdb, "user-7", "sk-valid")

	h := APIKeyAuth(gdb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run for unauthenticated requests")
	}))

	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no credentials", func(r *http.Request) {}},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-wrong") }},
		{"bare token without scheme", func(r *http.Request) { r.Header.Set("Authorization", "sk-valid") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "authentication_error") {
				t.Fatalf("body %q missing authentication_error", rec.Body.String())
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-abc" {
		t.Fatalf("context id = %q, want req-abc", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("echoed id = %q, want req-abc", got)
	}

	seen = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if len(seen) != 8 {
		t.Fatalf("generated id %q, want 8 hex chars", seen)
	}
}
