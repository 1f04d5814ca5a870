package antigravity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"golang.org/x/oauth2"
)

func TestNewState(t *testing.T) {
	a, b := NewState(), NewState()
	if !strings.HasPrefix(a, "ag-") || len(a) != len("ag-")+8 {
		t.Errorf("state shape = %q", a)
	}
	if a == b {
		t.Errorf("states must be unique, got %q twice", a)
	}
}

func TestAuthorizeURL(t *testing.T) {
	p := New(config.AntigravityConfig{RedirectURL: "http://localhost:9800/oauth/antigravity/callback"}, config.SearchConfig{})
	raw := p.AuthorizeURL("verifier-string", "ag-deadbeef")

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "ag-deadbeef" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q", q.Get("access_type"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge = %q method = %q", q.Get("code_challenge"), q.Get("code_challenge_method"))
	}
	if q.Get("redirect_uri") != "http://localhost:9800/oauth/antigravity/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "cloud-platform") {
		t.Errorf("scope = %q", q.Get("scope"))
	}
}

func TestOAuthConfigRedirectOverride(t *testing.T) {
	p := New(config.AntigravityConfig{RedirectURL: "http://configured/cb"}, config.SearchConfig{})
	if got := p.OAuthConfig("").RedirectURL; got != "http://configured/cb" {
		t.Errorf("default redirect = %q", got)
	}
	if got := p.OAuthConfig("http://derived/cb").RedirectURL; got != "http://derived/cb" {
		t.Errorf("override redirect = %q", got)
	}
}

// discoveryServer fakes loadCodeAssist/onboardUser. Bodies are raw JSON per
// method; nil onboard means the endpoint fails.
func discoveryServer(t *testing.T, loadBody string, onboardBody string, calls *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1internal:loadCodeAssist":
			*calls = append(*calls, "load")
			w.Write([]byte(loadBody))
		case "/v1internal:onboardUser":
			*calls = append(*calls, "onboard")
			if onboardBody == "" {
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["tierId"] == "" {
				t.Error("onboardUser missing tierId")
			}
			w.Write([]byte(onboardBody))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
}

func discoveryProvider(base string) *Provider {
	p := New(config.AntigravityConfig{}, config.SearchConfig{})
	p.projectBase = base + "/v1internal"
	return p
}

func TestDiscoverProjectExistingPaid(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{
		"cloudaicompanionProject": "companion-123",
		"paidTier": {"id": "g1-ultra"}
	}`, "", &calls)
	defer srv.Close()

	info, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err != nil {
		t.Fatalf("DiscoverProject: %v", err)
	}
	if info.ProjectID != "companion-123" || !info.PaidTier {
		t.Errorf("info = %+v", info)
	}
	if len(calls) != 1 || calls[0] != "load" {
		t.Errorf("calls = %v, existing project must not onboard", calls)
	}
}

func TestDiscoverProjectOnboards(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{
		"allowedTiers": [{"id": "standard-tier", "isDefault": true}]
	}`, `{
		"done": true,
		"response": {"cloudaicompanionProject": {"id": "fresh-project"}}
	}`, &calls)
	defer srv.Close()

	info, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err != nil {
		t.Fatalf("DiscoverProject: %v", err)
	}
	if info.ProjectID != "fresh-project" || info.PaidTier {
		t.Errorf("info = %+v", info)
	}
	if len(calls) != 2 || calls[1] != "onboard" {
		t.Errorf("calls = %v", calls)
	}
}

func TestDiscoverProjectObjectProjectForm(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{
		"cloudaicompanionProject": {"projectId": "obj-project"},
		"paidTier": {"id": "free-tier"}
	}`, "", &calls)
	defer srv.Close()

	info, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err != nil {
		t.Fatalf("DiscoverProject: %v", err)
	}
	if info.ProjectID != "obj-project" {
		t.Errorf("project = %q", info.ProjectID)
	}
	if info.PaidTier {
		t.Error("free tier id must not count as paid")
	}
}

func TestDiscoverProjectIneligibleFreeAccount(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{
		"ineligibleTiers": [{"reasonCode": "INELIGIBLE_ACCOUNT"}]
	}`, "", &calls)
	defer srv.Close()

	_, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err == nil || !strings.Contains(err.Error(), "INELIGIBLE_ACCOUNT") {
		t.Fatalf("err = %v, want ineligible account", err)
	}
}

func TestDiscoverProjectRestrictedLocationSkipsOnboard(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{
		"ineligibleTiers": [{"reasonCode": "UNSUPPORTED_LOCATION"}]
	}`, "", &calls)
	defer srv.Close()

	info, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err != nil {
		t.Fatalf("DiscoverProject: %v", err)
	}
	if info.ProjectID != "" {
		t.Errorf("project = %q, want empty for restricted location", info.ProjectID)
	}
	for _, c := range calls {
		if c == "onboard" {
			t.Error("restricted location must not onboard")
		}
	}
}

func TestDiscoverProjectFreeTierNoProject(t *testing.T) {
	var calls []string
	srv := discoveryServer(t, `{}`, `{"done": true}`, &calls)
	defer srv.Close()

	_, err := discoveryProvider(srv.URL).DiscoverProject(context.Background(), "tok")
	if err == nil || !strings.Contains(err.Error(), "NO_PROJECT_AND_FREE_TIER") {
		t.Fatalf("err = %v, want free-tier rejection", err)
	}
}

func TestDefaultTierID(t *testing.T) {
	got := defaultTierID([]allowedTier{{ID: "a"}, {ID: "b", IsDefault: true}})
	if got != "b" {
		t.Errorf("tier = %q", got)
	}
	if got := defaultTierID(nil); got != "legacy-tier" {
		t.Errorf("fallback tier = %q", got)
	}
}

func TestExtractProjectID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "string", raw: `"plain-id"`, want: "plain-id"},
		{name: "object id", raw: `{"id": "obj-id"}`, want: "obj-id"},
		{name: "object projectId", raw: `{"projectId": "camel-id"}`, want: "camel-id"},
		{name: "object snake", raw: `{"project_id": "snake-id"}`, want: "snake-id"},
		{name: "null", raw: `null`, want: ""},
		{name: "empty", raw: ``, want: ""},
		{name: "unusable object", raw: `{"other": 1}`, want: ""},
	}
	for _, tt := range tests {
		if got := extractProjectID(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestClassifyRefreshError(t *testing.T) {
	invalid := classifyRefreshError(&oauth2.RetrieveError{
		ErrorCode:        "invalid_grant",
		ErrorDescription: "Token has been expired or revoked.",
	})
	if !errors.Is(invalid, errs.ErrInvalidGrant) {
		t.Errorf("invalid_grant not classified: %v", invalid)
	}

	transient := classifyRefreshError(&oauth2.RetrieveError{ErrorCode: "temporarily_unavailable"})
	if errors.Is(transient, errs.ErrInvalidGrant) {
		t.Errorf("transient code misclassified: %v", transient)
	}

	network := classifyRefreshError(errors.New("dial tcp: timeout"))
	if errors.Is(network, errs.ErrInvalidGrant) {
		t.Errorf("network error misclassified: %v", network)
	}
}
