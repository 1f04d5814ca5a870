// Package kiro speaks the CodeWhisperer generateAssistantResponse protocol:
// conversation-state request building, AWS event-stream decoding, and the
// desktop-auth OAuth endpoints.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/config"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/util"
)

const ideVersion = "0.9.2"

// catalogModels is the advertised id list: each upstream model under both its
// dated snapshot and its alias spelling.
var catalogModels = []string{
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4",
	"claude-sonnet-4-20250514",
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-opus-4-6",
	"claude-haiku-4-5",
	"claude-haiku-4-5-20251001",
}

// Provider implements providers.Translator and pool.Refresher for kiro.
type Provider struct {
	httpClient *http.Client
	authClient *http.Client
	apiBases   []string
	authBase   string
	region     string
}

func New(cfg config.KiroConfig) *Provider {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	bases := cfg.APIBaseURLs
	if len(bases) == 0 {
		bases = []string{
			fmt.Sprintf("https://q.%s.amazonaws.com", region),
			fmt.Sprintf("https://codewhisperer.%s.amazonaws.com", region),
		}
	}
	authBase := strings.TrimSpace(cfg.AuthBaseURL)
	if authBase == "" {
		authBase = authBaseForRegion(region)
	}
	return &Provider{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		authClient: &http.Client{Timeout: 30 * time.Second},
		apiBases:   bases,
		authBase:   authBase,
		region:     region,
	}
}

func authBaseForRegion(region string) string {
	return fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev", region)
}

func (p *Provider) Name() string { return "kiro" }

// Region reports the configured auth/API region, for account metadata.
func (p *Provider) Region() string { return p.region }

func (p *Provider) Models() []providers.Model {
	now := time.Now().Unix()
	out := make([]providers.Model, 0, len(catalogModels))
	for _, id := range catalogModels {
		out = append(out, providers.Model{ID: id, Object: "model", Created: now, OwnedBy: "kiro"})
	}
	return out
}

// accountMeta is the provider extras blob stored on kiro accounts.
type accountMeta struct {
	MachineID  string `json:"machineid"`
	ProfileARN string `json:"profile_arn"`
	Region     string `json:"region"`
	AuthRegion string `json:"auth_region"`
	IDP        string `json:"idp"`
}

func parseMeta(metadata string) accountMeta {
	var m accountMeta
	if strings.TrimSpace(metadata) != "" {
		_ = json.Unmarshal([]byte(metadata), &m)
	}
	return m
}

// AccountMetadata renders the extras blob stored on a new kiro account.
func AccountMetadata(machineID, profileARN, region, idp string) string {
	b, _ := json.Marshal(accountMeta{
		MachineID:  machineID,
		ProfileARN: profileARN,
		Region:     region,
		IDP:        idp,
	})
	return string(b)
}

func (p *Provider) Stream(ctx context.Context, req *canonical.ChatRequest, cred *providers.Credential) (canonical.DeltaStream, error) {
	modelID, err := mapModel(req.Model)
	if err != nil {
		return nil, err
	}
	state, err := buildConversationState(req, modelID)
	if err != nil {
		return nil, err
	}

	meta := parseMeta(cred.Account.Metadata)
	body, err := json.Marshal(generateRequest{ConversationState: state, ProfileARN: meta.ProfileARN})
	if err != nil {
		return nil, errs.Translation("kiro", err.Error())
	}

	resp, err := p.post(ctx, cred.AccessToken, meta.MachineID, body)
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

// post walks the ordered base URLs; connection failures and 5xx answers move
// on to the next base, anything else is final.
func (p *Provider) post(ctx context.Context, token, machineID string, body []byte) (*http.Response, error) {
	var lastErr error
	for i, base := range p.apiBases {
		url := strings.TrimRight(base, "/") + "/generateAssistantResponse"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		p.setCallHeaders(httpReq, token, machineID)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ Kiro endpoint %d (%s) failed: %v", i+1, base, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			if i > 0 {
				log.Printf("✅ Kiro fallback to endpoint %d succeeded", i+1)
			}
			return resp, nil
		}

		snippet := readSnippet(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, snippet)
			log.Printf("⚠️ Kiro endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			continue
		}
		return nil, errs.UpstreamProtocol("kiro", fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no api endpoints configured")
	}
	return nil, errs.UpstreamProtocol("kiro", lastErr)
}

func (p *Provider) setCallHeaders(req *http.Request, token, machineID string) {
	mid := machineID
	if len(mid) > 32 {
		mid = mid[:32]
	}
	if mid == "" {
		mid = randomHex(16)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.27 ua/2.1 os/win32#10.0.19044 lang/js md/nodejs#22.21.1 api/codewhispererstreaming#1.0.27 m/E KiroIDE-%s-%s",
		ideVersion, mid))
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.27 KiroIDE-%s-%s", ideVersion, mid))
	req.Header.Set("x-amzn-codewhisperer-optout", "true")
	req.Header.Set("x-amzn-kiro-agent-mode", agentTaskType)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=3")
}

func readSnippet(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	return util.TruncateLog(strings.TrimSpace(string(b)), 2000)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		u := uuid.New()
		return hex.EncodeToString(u[:])[:2*n]
	}
	return hex.EncodeToString(b)
}
