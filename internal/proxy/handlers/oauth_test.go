package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/db/secret"
	"github.com/pysugar/pooled-llm-gateway/internal/flowstate"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/middleware"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/antigravity"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/kiro"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/qwen"
	"gorm.io/gorm"
)

type oauthFixture struct {
	manager *oauth.Manager
	db      *gorm.DB
	router  http.Handler
}

// newOAuthFixture wires a real manager against an httptest upstream and
// mounts the flow handlers the way cmd/gateway does, with a fixed user bound
// in place of APIKeyAuth.
func newOAuthFixture(t *testing.T, mux http.Handler) *oauthFixture {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gdb := openHandlerDB(t)
	codec, err := secret.NewCodec(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := flowstate.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	manager := oauth.NewManager(oauth.Deps{
		Store: store,
		DB:    gdb,
		Codec: codec,
		Pool:  pool.New(gdb, codec, pool.Options{FreeRate: 0.25, PaidRate: 1}),
		Kiro:  kiro.New(config.KiroConfig{AuthBaseURL: srv.URL, APIBaseURLs: []string{srv.URL}}),
		Antigravity: antigravity.New(config.AntigravityConfig{
			OAuthTokenURL:    srv.URL + "/oauth/google/token",
			OAuthUserinfoURL: srv.URL + "/oauth/google/userinfo",
			EndpointURLs:     []string{srv.URL + "/v1internal"},
		}, config.SearchConfig{}),
		Qwen:    qwen.New(config.QwenConfig{BaseURL: srv.URL + "/v1", OAuthBaseURL: srv.URL}),
		FlowTTL: 2 * time.Minute,
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), "user-1")))
		})
	})
	r.Post("/v1/oauth/{provider}/authorize", OAuthAuthorize(manager))
	r.Get("/v1/oauth/{provider}/status/{state}", OAuthStatus(manager))
	r.Post("/v1/oauth/{provider}/callback", OAuthCallback(manager))
	r.Get("/oauth/antigravity/callback", AntigravityCallback(manager))

	return &oauthFixture{manager: manager, db: gdb, router: r}
}

func (fx *oauthFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func (fx *oauthFixture) authorize(t *testing.T, provider, body string) oauth.StartResult {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/v1/oauth/"+provider+"/authorize", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res oauth.StartResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode authorize: %v", err)
	}
	return res
}

func tokenMux(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accessToken":"at-kiro","refreshToken":"rt-kiro","profileArn":"arn:aws:codewhisperer:us-east-1:1:profile/test","expiresIn":3600}`)
	})
	mux.HandleFunc("/oauth/google/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-ag","token_type":"Bearer","refresh_token":"rt-ag","expires_in":3599}`)
	})
	mux.HandleFunc("/oauth/google/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"email":"dev@example.com","name":"Dev"}`)
	})
	mux.HandleFunc("/v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"cloudaicompanionProject":"companion-7"}`)
	})
	mux.HandleFunc("/v1internal:fetchAvailableModels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":{"gemini-3-flash":{"quotaInfo":{"remainingFraction":0.62}}}}`)
	})
	return mux
}

func TestOAuthAuthorizeAndStatus(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())

	res := fx.authorize(t, "kiro", `{"shared":true,"idp":"github"}`)
	if res.State == "" || res.AuthURL == "" {
		t.Fatalf("start result = %+v", res)
	}
	if !strings.Contains(res.AuthURL, "code_challenge=") {
		t.Errorf("auth_url = %q, want a PKCE challenge", res.AuthURL)
	}
	if res.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d", res.ExpiresIn)
	}

	rec := fx.do(t, http.MethodGet, "/v1/oauth/kiro/status/"+res.State, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		State    string `json:"state"`
		Provider string `json:"provider"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.Status != "pending" || view.Provider != "kiro" {
		t.Errorf("view = %+v", view)
	}
	if body := rec.Body.String(); strings.Contains(body, "verifier") || strings.Contains(body, "device_code") {
		t.Errorf("status body leaks flow secrets: %s", body)
	}
}

func TestOAuthAuthorizeEmptyBody(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())
	rec := fx.do(t, http.MethodPost, "/v1/oauth/kiro/authorize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestOAuthAuthorizeUnknownProvider(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())
	rec := fx.do(t, http.MethodPost, "/v1/oauth/codex/authorize", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "unsupported provider") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestOAuthStatusUnknownState(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())
	rec := fx.do(t, http.MethodGet, "/v1/oauth/kiro/status/nope", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "expired" {
		t.Errorf("status = %q, want expired", view.Status)
	}
}

func TestOAuthCallbackCompletesKiro(t *testing.T) {
	fx := newOAuthFixture(t, tokenMux(t))
	res := fx.authorize(t, "kiro", `{"shared":false}`)

	body := fmt.Sprintf(`{"callback_url":"kiro://oauth/callback?code=code-123&state=%s"}`, res.State)
	rec := fx.do(t, http.MethodPost, "/v1/oauth/kiro/callback", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Status string            `json:"status"`
		Result map[string]string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "completed" {
		t.Fatalf("status = %q, body %s", view.Status, rec.Body.String())
	}
	if view.Result["account_id"] == "" || view.Result["provider"] != "kiro" {
		t.Errorf("result = %v", view.Result)
	}
	if raw := rec.Body.String(); strings.Contains(raw, "at-kiro") || strings.Contains(raw, "rt-kiro") {
		t.Errorf("callback response leaks tokens: %s", raw)
	}

	var acct models.Account
	if err := fx.db.First(&acct, "id = ?", view.Result["account_id"]).Error; err != nil {
		t.Fatalf("account row: %v", err)
	}
	if acct.Provider != "kiro" || acct.UserID != "user-1" {
		t.Errorf("account = %+v", acct)
	}
}

func TestOAuthCallbackDenied(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())
	res := fx.authorize(t, "kiro", `{}`)

	body := fmt.Sprintf(`{"callback_url":"?error=access_denied&state=%s"}`, res.State)
	rec := fx.do(t, http.MethodPost, "/v1/oauth/kiro/callback", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "access_denied") {
		t.Errorf("body = %s", rec.Body.String())
	}

	status := fx.do(t, http.MethodGet, "/v1/oauth/kiro/status/"+res.State, "")
	var view struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(status.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.Status != "failed" || !strings.Contains(view.Error, "access_denied") {
		t.Errorf("view = %+v", view)
	}
}

func TestOAuthCallbackProviderMismatch(t *testing.T) {
	fx := newOAuthFixture(t, http.NotFoundHandler())
	res := fx.authorize(t, "kiro", `{}`)

	body := fmt.Sprintf(`{"code":"code-123","state":"%s"}`, res.State)
	rec := fx.do(t, http.MethodPost, "/v1/oauth/antigravity/callback", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "belongs to provider kiro") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestOAuthCallbackDeviceFlowRejected(t *testing.T) {
	fx := newOAuthFixture(t, qwenDeviceMux(t))
	res := fx.authorize(t, "qwen", `{}`)

	body := fmt.Sprintf(`{"code":"irrelevant","state":"%s"}`, res.State)
	rec := fx.do(t, http.MethodPost, "/v1/oauth/qwen/callback", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "device flow") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// The live flow must survive the stray POST.
	status := fx.do(t, http.MethodGet, "/v1/oauth/qwen/status/"+res.State, "")
	var view struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(status.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if view.Status == "failed" {
		t.Errorf("stray callback killed a pending device flow")
	}
}

// qwenDeviceMux authorizes a device flow and then reports it pending
// forever, which keeps the background poller alive for the duration of the
// test.
func qwenDeviceMux(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/oauth2/device/code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"device_code":"dev-1","user_code":"ABCD-1234","verification_uri":"https://chat.qwen.ai/activate","verification_uri_complete":"https://chat.qwen.ai/activate?code=ABCD-1234","expires_in":600,"interval":30}`)
	})
	mux.HandleFunc("/api/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"authorization_pending"}`)
	})
	return mux
}

func TestAntigravityCallbackPage(t *testing.T) {
	fx := newOAuthFixture(t, tokenMux(t))

	t.Run("success renders a close page", func(t *testing.T) {
		res := fx.authorize(t, "antigravity", `{}`)
		rec := fx.do(t, http.MethodGet, "/oauth/antigravity/callback?code=code-ag&state="+res.State, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
			t.Errorf("content-type = %q", ct)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "Sign-in complete") || !strings.Contains(body, "dev@example.com") {
			t.Errorf("page = %s", body)
		}
		if strings.Contains(body, "at-ag") {
			t.Errorf("page leaks token material")
		}
	})

	t.Run("denial renders a failure page", func(t *testing.T) {
		res := fx.authorize(t, "antigravity", `{}`)
		rec := fx.do(t, http.MethodGet, "/oauth/antigravity/callback?error=access_denied&state="+res.State, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Sign-in failed") {
			t.Errorf("page = %s", rec.Body.String())
		}
	})
}
