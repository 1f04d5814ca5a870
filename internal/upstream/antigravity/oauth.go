package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"golang.org/x/oauth2"
)

// Desktop client credentials, overridable through config. The cloudcode
// service only answers clients it recognizes.
const (
	defaultOAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	defaultOAuthClientSecret = "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"
)

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// NewState mints a flow state token.
func NewState() string {
	return "ag-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// OAuthConfig builds the x/oauth2 config for this provider. redirectURL
// overrides the configured one when non-empty (the callback handler derives
// it from the inbound request).
func (p *Provider) OAuthConfig(redirectURL string) *oauth2.Config {
	if strings.TrimSpace(redirectURL) == "" {
		redirectURL = p.redirectURL
	}
	return &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       oauthScopes,
		Endpoint:     p.authEndpoint,
	}
}

// AuthorizeURL builds the Google consent URL with offline access and an S256
// challenge derived from verifier.
func (p *Provider) AuthorizeURL(verifier, state string) string {
	return p.OAuthConfig("").AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCode trades the authorization code plus PKCE verifier for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := p.OAuthConfig("").Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("antigravity token exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("antigravity token exchange: response missing refresh_token")
	}
	return tok, nil
}

// UserInfo is the subset of the Google userinfo answer the gateway keeps.
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (p *Provider) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.rpcClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antigravity userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("antigravity userinfo: HTTP %d", resp.StatusCode)
	}
	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("antigravity userinfo: %w", err)
	}
	return &info, nil
}

// loadCodeAssistResponse carries the fields project discovery needs.
// cloudaicompanionProject arrives as a bare string or an object with an id.
type loadCodeAssistResponse struct {
	CloudProject    json.RawMessage  `json:"cloudaicompanionProject"`
	PaidTier        *tierRef         `json:"paidTier"`
	AllowedTiers    []allowedTier    `json:"allowedTiers"`
	IneligibleTiers []ineligibleTier `json:"ineligibleTiers"`
}

type tierRef struct {
	ID string `json:"id"`
}

type allowedTier struct {
	ID        string `json:"id"`
	IsDefault bool   `json:"isDefault"`
}

type ineligibleTier struct {
	ReasonCode string `json:"reasonCode"`
}

type onboardUserResponse struct {
	Done         bool            `json:"done"`
	CloudProject json.RawMessage `json:"cloudaicompanionProject"`
	Response     struct {
		CloudProject json.RawMessage `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// ProjectInfo is the discovery result stored on the account.
type ProjectInfo struct {
	ProjectID string
	PaidTier  bool
}

// DiscoverProject resolves the cloudcode companion project for a fresh
// account: loadCodeAssist first, then onboardUser when no project exists yet.
// Location-restricted accounts come back with an empty project id; free-tier
// accounts with no project at all are rejected, matching the service's own
// eligibility rules.
func (p *Provider) DiscoverProject(ctx context.Context, accessToken string) (*ProjectInfo, error) {
	var load loadCodeAssistResponse
	payload := map[string]any{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY", "platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"},
	}
	if err := p.postProjectRPC(ctx, accessToken, "loadCodeAssist", payload, &load); err != nil {
		return nil, err
	}

	paid := false
	if load.PaidTier != nil {
		id := strings.ToLower(strings.TrimSpace(load.PaidTier.ID))
		paid = id != "" && !strings.Contains(id, "free")
	}

	restricted := false
	for _, t := range load.IneligibleTiers {
		switch t.ReasonCode {
		case "INELIGIBLE_ACCOUNT":
			if !paid {
				return nil, fmt.Errorf("antigravity account not eligible: INELIGIBLE_ACCOUNT")
			}
		case "UNSUPPORTED_LOCATION":
			restricted = true
		}
	}

	project := extractProjectID(load.CloudProject)
	if project == "" && !restricted {
		project = p.onboardUser(ctx, accessToken, defaultTierID(load.AllowedTiers))
	}
	if project == "" && !paid && !restricted {
		return nil, fmt.Errorf("antigravity account not eligible: NO_PROJECT_AND_FREE_TIER")
	}
	return &ProjectInfo{ProjectID: project, PaidTier: paid}, nil
}

// onboardUser provisions a companion project. The operation is asynchronous
// upstream: poll until done, bounded at five attempts two seconds apart.
// Failure is soft; the caller falls back to a synthetic project id.
func (p *Provider) onboardUser(ctx context.Context, accessToken, tierID string) string {
	payload := map[string]any{
		"tierId":   tierID,
		"metadata": map[string]string{"ideType": "ANTIGRAVITY", "platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"},
	}
	for attempt := 0; attempt < 5; attempt++ {
		var out onboardUserResponse
		if err := p.postProjectRPC(ctx, accessToken, "onboardUser", payload, &out); err != nil {
			return ""
		}
		if !out.Done {
			select {
			case <-ctx.Done():
				return ""
			case <-time.After(2 * time.Second):
			}
			continue
		}
		if id := extractProjectID(out.Response.CloudProject); id != "" {
			return id
		}
		return extractProjectID(out.CloudProject)
	}
	return ""
}

func defaultTierID(tiers []allowedTier) string {
	for _, t := range tiers {
		if t.IsDefault && strings.TrimSpace(t.ID) != "" {
			return strings.TrimSpace(t.ID)
		}
	}
	return "legacy-tier"
}

func extractProjectID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"id", "projectId", "project_id"} {
			if v, _ := obj[key].(string); strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// postProjectRPC hits the pinned project base; loadCodeAssist and
// onboardUser never walk the inference fallbacks.
func (p *Provider) postProjectRPC(ctx context.Context, token, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.projectBase+":"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	setProjectHeaders(req, token)

	resp, err := p.rpcClient.Do(req)
	if err != nil {
		return fmt.Errorf("antigravity %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("antigravity %s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RefreshToken implements pool.Refresher via the x/oauth2 token source. A
// RetrieveError carrying an invalid-grant class code disables the account;
// anything else stays transient.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken, metadata string) (*pool.Credentials, error) {
	src := p.OAuthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	out := &pool.Credentials{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	return out, nil
}

func classifyRefreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return errs.InvalidGrant(fmt.Sprintf("antigravity refresh rejected: %s: %s", rerr.ErrorCode, rerr.ErrorDescription))
		}
	}
	return fmt.Errorf("antigravity refresh: %w", err)
}
