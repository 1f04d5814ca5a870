package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/util"
)

// RedirectURI is the desktop deep link the auth service redirects to. The
// gateway never serves it; callers paste the resulting URL back in.
const RedirectURI = "kiro://oauth/callback"

// NewState mints a flow state token.
func NewState() string { return "kiro-" + randomHex(16) }

// NewMachineID mints the per-account machine id embedded in call headers.
func NewMachineID() string { return randomHex(32) }

// NormalizeIDP maps the requested identity provider onto the values the auth
// service accepts. Empty defaults to Google.
func NormalizeIDP(idp string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(idp)) {
	case "", "google":
		return "Google", nil
	case "github":
		return "Github", nil
	}
	return "", fmt.Errorf("%w: kiro identity provider %q", errs.ErrUnsupportedProvider, idp)
}

// AuthorizeURL builds the social login URL for the desktop auth service.
func (p *Provider) AuthorizeURL(idp, challenge, state string) string {
	q := url.Values{}
	q.Set("idp", idp)
	q.Set("redirect_uri", RedirectURI)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	q.Set("prompt", "select_account")
	return p.authBase + "/login?" + q.Encode()
}

// TokenResponse is the desktop auth service token payload, shared by the
// code exchange and the refresh endpoint.
type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileARN   string `json:"profileArn"`
	ExpiresIn    int    `json:"expiresIn"`
}

// ExpiresAt converts ExpiresIn into an absolute deadline. When the service
// omits it, the access token's own exp claim decides, then a one-hour
// fallback.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if exp, ok := TokenExpiry(t.AccessToken); ok {
		return exp
	}
	return now.Add(time.Hour)
}

// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	payload := map[string]string{
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  RedirectURI,
	}
	tok, status, err := p.postAuthJSON(ctx, p.authBase+"/oauth/token", payload, "")
	if err != nil {
		return nil, fmt.Errorf("kiro token exchange: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("kiro token exchange failed: HTTP %d: %s", status, tok.raw)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("kiro token exchange: response missing refreshToken")
	}
	return &tok.TokenResponse, nil
}

// RefreshToken implements pool.Refresher. The desktop auth service answers
// plain 4xx for dead grants, so 400/401/403 map to the terminal invalid-grant
// class; everything else stays transient.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken, metadata string) (*pool.Credentials, error) {
	meta := parseMeta(metadata)
	base := p.authBase
	if meta.AuthRegion != "" && meta.AuthRegion != p.region {
		base = authBaseForRegion(meta.AuthRegion)
	}

	payload := map[string]string{"refreshToken": refreshToken}
	tok, status, err := p.postAuthJSON(ctx, base+"/refreshToken", payload, meta.MachineID)
	if err != nil {
		return nil, fmt.Errorf("kiro refresh: %w", err)
	}
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return nil, errs.InvalidGrant(fmt.Sprintf("kiro refresh rejected: HTTP %d: %s", status, tok.raw))
	case status >= 400:
		return nil, fmt.Errorf("kiro refresh failed: HTTP %d: %s", status, tok.raw)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("kiro refresh returned empty accessToken")
	}

	return &pool.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt(time.Now()),
	}, nil
}

type tokenReply struct {
	TokenResponse
	raw string
}

func (p *Provider) postAuthJSON(ctx context.Context, url string, payload any, machineID string) (*tokenReply, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if machineID != "" {
		req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", ideVersion, machineID))
	} else {
		req.Header.Set("User-Agent", "gateway/kiro-oauth")
	}

	resp, err := p.authClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	reply := &tokenReply{raw: util.TruncateLog(strings.TrimSpace(string(raw)), 2000)}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &reply.TokenResponse)
	}
	return reply, resp.StatusCode, nil
}
