// Package antigravity speaks the Google cloudcode agent protocol:
// streamGenerateContent over SSE, the webSearch bridge, per-model quota
// fetch, and the Google OAuth account lifecycle.
package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/util"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// Inference call headers. The cloudcode service keys response fields off
// these, so they stay pinned to the desktop client's values.
const (
	inferUserAgent  = "antigravity/1.18.3 linux/x86_64"
	inferAPIClient  = "gl-node/22.17.0"
	inferClientMeta = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// loadCodeAssist/onboardUser headers differ from the inference ones; the
// service answers a different field set per client family.
const (
	projectUserAgent  = "google-api-nodejs-client/9.15.1"
	projectAPIClient  = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	projectClientMeta = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
)

// defaultProjectBase hosts loadCodeAssist and onboardUser; those two never
// walk the endpoint fallback list.
const defaultProjectBase = "https://cloudcode-pa.googleapis.com/v1internal"

var catalogModels = []string{
	"gemini-3-pro-preview",
	"gemini-3-pro-high",
	"gemini-3-pro-low",
	"gemini-3-flash",
	"gemini-2.5-pro",
	"gemini-2.5-flash",
}

// Provider implements providers.Translator and pool.Refresher for
// antigravity accounts.
type Provider struct {
	httpClient  *http.Client // streaming calls, generation can run for minutes
	rpcClient   *http.Client // search / quota / project RPCs
	endpoints   []string
	projectBase string
	searchTopN  int

	clientID     string
	clientSecret string
	redirectURL  string
	authEndpoint oauth2.Endpoint
	userinfoURL  string
}

func New(cfg config.AntigravityConfig, search config.SearchConfig) *Provider {
	endpoints := cfg.EndpointURLs
	if len(endpoints) == 0 {
		endpoints = []string{
			"https://cloudcode-pa.googleapis.com/v1internal",
			"https://daily-cloudcode-pa.googleapis.com/v1internal",
		}
	}
	clientID := strings.TrimSpace(cfg.OAuthClientID)
	if clientID == "" {
		clientID = defaultOAuthClientID
	}
	clientSecret := strings.TrimSpace(cfg.OAuthClientSecret)
	if clientSecret == "" {
		clientSecret = defaultOAuthClientSecret
	}
	topN := search.TopN
	if topN <= 0 {
		topN = 5
	}
	endpoint := googleoauth.Endpoint
	if u := strings.TrimSpace(cfg.OAuthAuthURL); u != "" {
		endpoint.AuthURL = u
	}
	if u := strings.TrimSpace(cfg.OAuthTokenURL); u != "" {
		endpoint.TokenURL = u
	}
	userinfo := strings.TrimSpace(cfg.OAuthUserinfoURL)
	if userinfo == "" {
		userinfo = defaultUserinfoURL
	}
	// Project RPCs never walk the fallback list; they pin to the primary
	// endpoint.
	projectBase := defaultProjectBase
	if len(cfg.EndpointURLs) > 0 {
		projectBase = strings.TrimRight(strings.TrimSpace(cfg.EndpointURLs[0]), "/")
	}
	return &Provider{
		httpClient:   &http.Client{Timeout: 20 * time.Minute},
		rpcClient:    &http.Client{Timeout: 60 * time.Second},
		endpoints:    endpoints,
		projectBase:  projectBase,
		searchTopN:   topN,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  strings.TrimSpace(cfg.RedirectURL),
		authEndpoint: endpoint,
		userinfoURL:  userinfo,
	}
}

func (p *Provider) Name() string { return "antigravity" }

func (p *Provider) Models() []providers.Model {
	now := time.Now().Unix()
	out := make([]providers.Model, 0, len(catalogModels))
	for _, id := range catalogModels {
		out = append(out, providers.Model{ID: id, Object: "model", Created: now, OwnedBy: "antigravity"})
	}
	return out
}

// accountMeta is the provider extras blob stored on antigravity accounts.
type accountMeta struct {
	ProjectID string `json:"project_id"`
	Email     string `json:"email"`
}

func parseMeta(metadata string) accountMeta {
	var m accountMeta
	if strings.TrimSpace(metadata) != "" {
		_ = json.Unmarshal([]byte(metadata), &m)
	}
	return m
}

// AccountMetadata renders the extras blob stored on a new antigravity account.
func AccountMetadata(projectID, email string) string {
	b, _ := json.Marshal(accountMeta{ProjectID: projectID, Email: email})
	return string(b)
}

func (p *Provider) Stream(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (canonical.DeltaStream, error) {
	wire, err := p.buildWireRequest(ctx, req, cred)
	if err != nil {
		return nil, err
	}
	resp, err := p.postStream(ctx, cred.AccessToken, wire)
	if err != nil {
		return nil, err
	}
	return newDeltaStream(resp.Body), nil
}

func (p *Provider) Complete(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (*canonical.ChatResponse, error) {
	stream, err := p.Stream(ctx, req, cred)
	if err != nil {
		return nil, err
	}
	resp, err := canonical.Collect(stream, req.Model)
	if err != nil {
		return nil, err
	}
	resp.ID = canonical.NewCompletionID()
	return resp, nil
}

// postStream walks the ordered endpoints. Connection failures, 429, and the
// capacity-drained 503 move on to the next endpoint; other answers are final.
func (p *Provider) postStream(ctx context.Context, token string, wire *wireRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Translation("antigravity", err.Error())
	}

	var lastErr error
	for i, base := range p.endpoints {
		url := base + ":streamGenerateContent?alt=sse"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		p.setInferHeaders(httpReq, token, "text/event-stream")

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ Antigravity endpoint %d (%s) failed: %v", i+1, base, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			if i > 0 {
				log.Printf("✅ Antigravity fallback to endpoint %d succeeded", i+1)
			}
			return resp, nil
		}

		snippet := readSnippet(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests || noCapacity(resp.StatusCode, snippet) {
			lastErr = fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, snippet)
			log.Printf("⚠️ Antigravity endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			continue
		}
		return nil, errs.UpstreamProtocol("antigravity", fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, errs.UpstreamProtocol("antigravity", lastErr)
}

// noCapacity matches the transient 503 the service answers while the serving
// pool for a model is drained.
func noCapacity(status int, body string) bool {
	return status == http.StatusServiceUnavailable &&
		strings.Contains(strings.ToLower(body), "no capacity available")
}

// postRPC issues a non-streaming v1internal call against each endpoint in
// order until one answers 2xx, decoding the JSON reply into out.
func (p *Provider) postRPC(ctx context.Context, token, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var lastErr error
	for _, base := range p.endpoints {
		url := base + ":" + method
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		p.setInferHeaders(httpReq, token, "application/json")

		resp, err := p.rpcClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, readSnippet(resp.Body))
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", method, err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: no endpoints configured", method)
	}
	return lastErr
}

func (p *Provider) setInferHeaders(req *http.Request, token, accept string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", inferUserAgent)
	req.Header.Set("X-Goog-Api-Client", inferAPIClient)
	req.Header.Set("Client-Metadata", inferClientMeta)
}

func setProjectHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", projectUserAgent)
	req.Header.Set("X-Goog-Api-Client", projectAPIClient)
	req.Header.Set("Client-Metadata", projectClientMeta)
}

func readSnippet(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	return util.TruncateLog(strings.TrimSpace(string(b)), 2000)
}
