package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth/pkce"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/util"
)

const (
	deviceCodePath = "/api/v1/oauth2/device/code"
	tokenPath      = "/api/v1/oauth2/token"
	deviceScope    = "openid profile email model.completion"

	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrantType = "refresh_token"
)

// pollWall caps the device poll loop regardless of the expiry the portal
// reported for the device code.
const pollWall = 15 * time.Minute

const (
	defaultPollInterval = 5 * time.Second
	maxPollInterval     = 30 * time.Second
)

// NewState mints a flow state token.
func NewState() string {
	return "qwen-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// DeviceAuthorization is the start of a device grant: the user visits the
// verification URL and enters the code while the gateway polls.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// VerificationURL picks the complete form when the portal supplied one.
func (d *DeviceAuthorization) VerificationURL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// DeviceToken is the poll loop's final answer.
type DeviceToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ResourceURL  string `json:"resource_url"`
}

// ExpiresAt converts ExpiresIn into an absolute deadline, defaulting to one
// hour when the portal omitted it.
func (t *DeviceToken) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return now.Add(time.Hour)
}

// StartDeviceFlow requests a device code bound to the PKCE verifier.
func (p *Provider) StartDeviceFlow(ctx context.Context, verifier string) (*DeviceAuthorization, error) {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("scope", deviceScope)
	form.Set("code_challenge", pkce.Challenge(verifier))
	form.Set("code_challenge_method", "S256")

	body, status, err := p.postForm(ctx, p.oauthBaseURL+deviceCodePath, form)
	if err != nil {
		return nil, fmt.Errorf("qwen device code: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("qwen device code failed: HTTP %d: %s", status, util.TruncateLog(string(body), 2000))
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("qwen device code: %w", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("qwen device code: response missing device_code or user_code")
	}
	return &auth, nil
}

// tokenError is the OAuth error envelope the token endpoint answers with a
// 4xx status.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// PollDeviceToken drives the token endpoint until the user approves, a
// terminal error arrives, or the wall ceiling passes. authorization_pending
// keeps the current cadence; slow_down stretches it five seconds per RFC
// 8628, capped at thirty.
func (p *Provider) PollDeviceToken(ctx context.Context, auth *DeviceAuthorization, verifier string) (*DeviceToken, error) {
	form := url.Values{}
	form.Set("grant_type", deviceGrantType)
	form.Set("client_id", p.clientID)
	form.Set("device_code", auth.DeviceCode)
	form.Set("code_verifier", verifier)

	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(pollWall)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("qwen device authorization timed out after %s", pollWall)
		}

		body, status, err := p.postForm(ctx, p.oauthBaseURL+tokenPath, form)
		if err != nil {
			return nil, fmt.Errorf("qwen device token: %w", err)
		}

		if status < 400 {
			var tok DeviceToken
			if err := json.Unmarshal(body, &tok); err != nil {
				return nil, fmt.Errorf("qwen device token: %w", err)
			}
			if tok.AccessToken == "" || tok.RefreshToken == "" {
				return nil, fmt.Errorf("qwen device token: response missing tokens")
			}
			return &tok, nil
		}

		var oauthErr tokenError
		_ = json.Unmarshal(body, &oauthErr)
		switch oauthErr.Code {
		case "authorization_pending":
		case "slow_down":
			interval = nextPollInterval(interval)
		case "expired_token":
			return nil, fmt.Errorf("qwen device code expired before approval")
		case "access_denied":
			return nil, fmt.Errorf("qwen device authorization denied by user")
		default:
			return nil, fmt.Errorf("qwen device token failed: HTTP %d: %s", status, util.TruncateLog(string(body), 2000))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func nextPollInterval(current time.Duration) time.Duration {
	current += 5 * time.Second
	if current > maxPollInterval {
		return maxPollInterval
	}
	return current
}

// RefreshToken implements pool.Refresher. The portal answers the standard
// OAuth error envelope; the invalid-grant class disables the account.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken, metadata string) (*pool.Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", refreshGrantType)
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.clientID)

	body, status, err := p.postForm(ctx, p.oauthBaseURL+tokenPath, form)
	if err != nil {
		return nil, fmt.Errorf("qwen refresh: %w", err)
	}
	if status >= 400 {
		var oauthErr tokenError
		_ = json.Unmarshal(body, &oauthErr)
		switch oauthErr.Code {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return nil, errs.InvalidGrant(fmt.Sprintf("qwen refresh rejected: %s: %s", oauthErr.Code, oauthErr.Description))
		}
		return nil, fmt.Errorf("qwen refresh failed: HTTP %d: %s", status, util.TruncateLog(string(body), 2000))
	}

	var tok DeviceToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("qwen refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("qwen refresh returned empty access_token")
	}

	out := &pool.Credentials{AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt(time.Now())}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.authClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
