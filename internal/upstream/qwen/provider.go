// Package qwen forwards chat completions to the Qwen portal, an
// OpenAI-compatible upstream, and drives its device-authorization OAuth
// grant. Translation is nearly 1:1; only a handful of compatibility patches
// apply.
package qwen

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

var catalogModels = []string{
	"qwen3-coder-plus",
	"qwen3-coder-flash",
}

// Provider implements providers.Translator and pool.Refresher for qwen
// accounts.
type Provider struct {
	baseURL      string
	oauthBaseURL string
	clientID     string

	httpClient *http.Client // chat calls
	authClient *http.Client // device flow + refresh
}

func New(cfg config.QwenConfig) *Provider {
	return &Provider{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		oauthBaseURL: strings.TrimRight(strings.TrimSpace(cfg.OAuthBaseURL), "/"),
		clientID:     strings.TrimSpace(cfg.ClientID),
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
		authClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Provider) Name() string { return "qwen" }

func (p *Provider) Models() []providers.Model {
	now := time.Now().Unix()
	out := make([]providers.Model, 0, len(catalogModels))
	for _, id := range catalogModels {
		out = append(out, providers.Model{ID: id, Object: "model", Created: now, OwnedBy: "qwen"})
	}
	return out
}

// accountMeta is the provider extras blob stored on qwen accounts.
type accountMeta struct {
	ResourceURL string `json:"resource_url"`
	Email       string `json:"email"`
}

func parseMeta(metadata string) accountMeta {
	var m accountMeta
	if strings.TrimSpace(metadata) != "" {
		_ = json.Unmarshal([]byte(metadata), &m)
	}
	return m
}

// AccountMetadata renders the extras blob stored on a new qwen account.
func AccountMetadata(resourceURL, email string) string {
	b, _ := json.Marshal(accountMeta{ResourceURL: resourceURL, Email: email})
	return string(b)
}

// client builds a per-call OpenAI client. The device token response may pin
// the account to a dedicated host through resource_url; that wins over the
// configured portal base.
func (p *Provider) client(cred *providers.Credential) *openai.Client {
	cfg := openai.DefaultConfig(cred.AccessToken)
	cfg.BaseURL = p.baseURLFor(cred.Account.Metadata)
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (p *Provider) baseURLFor(metadata string) string {
	meta := parseMeta(metadata)
	host := strings.TrimSpace(meta.ResourceURL)
	if host == "" {
		return p.baseURL
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	host = strings.TrimRight(host, "/")
	if !strings.HasSuffix(host, "/v1") {
		host += "/v1"
	}
	return host
}

func (p *Provider) Complete(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (*canonical.ChatResponse, error) {
	wire, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client(cred).CreateChatCompletion(ctx, wire)
	if err != nil {
		return nil, errs.UpstreamProtocol("qwen", err)
	}
	return convertResponse(&resp)
}

func (p *Provider) Stream(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (canonical.DeltaStream, error) {
	wire, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	wire.Stream = true
	wire.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	upstream, err := p.client(cred).CreateChatCompletionStream(ctx, wire)
	if err != nil {
		return nil, errs.UpstreamProtocol("qwen", err)
	}
	return newDeltaStream(upstream), nil
}
