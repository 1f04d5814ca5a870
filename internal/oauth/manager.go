// Package oauth drives the provider authorization flows and credential
// import. Auth-code flows (kiro, antigravity) park the PKCE verifier in the
// flow-state store between start and callback; the qwen device flow runs a
// background poller against the token endpoint. Completed flows leave a
// persisted account behind and only redacted fields in the flow state.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/db/secret"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/flowstate"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth/pkce"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/antigravity"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/kiro"
	"github.com/pysugar/pooled-llm-gateway/internal/upstream/qwen"
	"gorm.io/gorm"
)

// storeWriteTimeout bounds flow-state writes that happen off the request
// path (device poller, failure marking).
const storeWriteTimeout = 15 * time.Second

var (
	// ErrCallbackInput marks a callback submission the gateway could not
	// use: unparseable input, missing parameters, or a provider denial.
	ErrCallbackInput = errors.New("oauth callback")

	// ErrFlowMismatch rejects a state token presented to another
	// provider's endpoint.
	ErrFlowMismatch = errors.New("oauth flow provider mismatch")
)

// Deps are the manager's collaborators, wired once at startup.
type Deps struct {
	Store       flowstate.Store
	DB          *gorm.DB
	Codec       *secret.Codec
	Pool        *pool.Pool
	Kiro        *kiro.Provider
	Antigravity *antigravity.Provider
	Qwen        *qwen.Provider
	FlowTTL     time.Duration
}

// Manager owns the OAuth flow lifecycle for all three providers.
type Manager struct {
	store flowstate.Store
	db    *gorm.DB
	codec *secret.Codec
	pool  *pool.Pool
	kiro  *kiro.Provider
	anti  *antigravity.Provider
	qwen  *qwen.Provider
	ttl   time.Duration
}

func NewManager(d Deps) *Manager {
	codec := d.Codec
	if codec == nil {
		codec = secret.Plaintext()
	}
	ttl := d.FlowTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{
		store: d.Store,
		db:    d.DB,
		codec: codec,
		pool:  d.Pool,
		kiro:  d.Kiro,
		anti:  d.Antigravity,
		qwen:  d.Qwen,
		ttl:   ttl,
	}
}

// StartRequest begins one authorization flow.
type StartRequest struct {
	Provider string
	UserID   string
	Shared   bool
	IDP      string // kiro only: google (default) or github
}

// StartResult is what the authorize endpoint hands back to the caller.
// UserCode is set for the qwen device flow only.
type StartResult struct {
	AuthURL   string `json:"auth_url"`
	State     string `json:"state"`
	UserCode  string `json:"user_code,omitempty"`
	ExpiresIn int    `json:"expires_in"`
}

// Start creates a pending flow state and returns the URL the user must
// visit. For qwen it also spawns the device-token poller; the caller learns
// the outcome through the status endpoint.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	now := time.Now()
	st := &flowstate.State{
		Provider:  req.Provider,
		UserID:    req.UserID,
		Shared:    req.Shared,
		Status:    flowstate.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	var deviceAuth *qwen.DeviceAuthorization
	switch req.Provider {
	case "kiro":
		idp, err := kiro.NormalizeIDP(req.IDP)
		if err != nil {
			return nil, err
		}
		verifier, err := pkce.NewVerifier()
		if err != nil {
			return nil, err
		}
		st.State = kiro.NewState()
		st.IDP = idp
		st.PKCEVerifier = verifier
		st.AuthURL = m.kiro.AuthorizeURL(idp, pkce.Challenge(verifier), st.State)

	case "antigravity":
		verifier, err := pkce.NewVerifier()
		if err != nil {
			return nil, err
		}
		st.State = antigravity.NewState()
		st.PKCEVerifier = verifier
		st.AuthURL = m.anti.AuthorizeURL(verifier, st.State)

	case "qwen":
		verifier, err := pkce.NewVerifier()
		if err != nil {
			return nil, err
		}
		auth, err := m.qwen.StartDeviceFlow(ctx, verifier)
		if err != nil {
			return nil, err
		}
		deviceAuth = auth
		st.State = qwen.NewState()
		st.PKCEVerifier = verifier
		st.DeviceCode = auth.DeviceCode
		st.Interval = auth.Interval
		st.AuthURL = auth.VerificationURL()
		st.UserCode = auth.UserCode

	default:
		return nil, errs.UnsupportedProvider(req.Provider)
	}

	if err := m.store.Put(ctx, st); err != nil {
		return nil, fmt.Errorf("store flow state: %w", err)
	}
	if deviceAuth != nil {
		go m.pollDevice(st, deviceAuth)
	}

	log.Printf("🔐 OAuth flow started: provider=%s state=%s user=%s shared=%t",
		st.Provider, st.State, st.UserID, st.Shared)
	return &StartResult{
		AuthURL:   st.AuthURL,
		State:     st.State,
		UserCode:  st.UserCode,
		ExpiresIn: int(m.ttl.Seconds()),
	}, nil
}

// Status reports a flow without touching the upstream. Unknown and expired
// states surface flowstate.ErrNotFound alike.
func (m *Manager) Status(ctx context.Context, provider, stateID string) (*flowstate.State, error) {
	st, err := m.store.Get(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if st.Provider != provider {
		return nil, fmt.Errorf("%w: state %s belongs to provider %s", ErrFlowMismatch, stateID, st.Provider)
	}
	return st, nil
}

// CallbackInput is one callback submission: either the pasted redirect URL,
// or the code and state pulled out of it by the caller.
type CallbackInput struct {
	CallbackURL string
	Code        string
	State       string
}

// HandleCallback finishes an auth-code flow: it resolves the flow state,
// exchanges the code, persists the account, and marks the flow completed.
// Repeated submissions after completion report the recorded outcome instead
// of running a second exchange.
func (m *Manager) HandleCallback(ctx context.Context, provider string, in CallbackInput) (*flowstate.State, error) {
	code := strings.TrimSpace(in.Code)
	stateID := strings.TrimSpace(in.State)
	if strings.TrimSpace(in.CallbackURL) != "" {
		var err error
		code, stateID, err = ParseCallbackURL(in.CallbackURL)
		if err != nil {
			if stateID != "" {
				m.failFlow(stateID, err)
			}
			return nil, err
		}
	}
	if code == "" || stateID == "" {
		return nil, fmt.Errorf("%w: missing code or state", ErrCallbackInput)
	}

	st, err := m.store.Get(ctx, stateID)
	if err != nil {
		return nil, err
	}
	if st.Provider != provider {
		return nil, fmt.Errorf("%w: state %s belongs to provider %s", ErrFlowMismatch, stateID, st.Provider)
	}
	if st.Terminal() {
		return st, nil
	}

	switch st.Provider {
	case "kiro":
		err = m.completeKiro(ctx, st, code)
	case "antigravity":
		err = m.completeAntigravity(ctx, st, code)
	default:
		// Device flows stay pending; their poller owns the outcome.
		return nil, fmt.Errorf("%w: provider %s authorizes through the device flow; poll the status endpoint", ErrCallbackInput, st.Provider)
	}
	if err != nil {
		m.failFlow(st.State, err)
		return nil, err
	}
	return st, nil
}

// ParseCallbackURL extracts code and state from a callback in any of the
// shapes users paste: a full redirect URL (kiro://oauth/callback?...,
// https://host/cb?...), a bare query string, or a #fragment form. A state
// is returned alongside provider error parameters so the flow can be failed.
func ParseCallbackURL(raw string) (code, state string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty input", ErrCallbackInput)
	}
	query := raw
	if u, uerr := url.Parse(raw); uerr == nil && u.Scheme != "" {
		query = u.RawQuery
		if query == "" {
			query = u.Fragment
		}
	}
	query = strings.TrimPrefix(strings.TrimPrefix(query, "?"), "#")
	vals, perr := url.ParseQuery(query)
	if perr != nil {
		return "", "", fmt.Errorf("%w: malformed query: %v", ErrCallbackInput, perr)
	}
	code, state = vals.Get("code"), vals.Get("state")
	if e := vals.Get("error"); e != "" {
		return "", state, fmt.Errorf("%w: provider returned %s", ErrCallbackInput, e)
	}
	if code == "" || state == "" {
		return "", state, fmt.Errorf("%w: missing code or state", ErrCallbackInput)
	}
	return code, state, nil
}

func (m *Manager) completeKiro(ctx context.Context, st *flowstate.State, code string) error {
	tok, err := m.kiro.ExchangeCode(ctx, code, st.PKCEVerifier)
	if err != nil {
		return err
	}
	account := &models.Account{
		ID:        uuid.NewString(),
		UserID:    st.UserID,
		Provider:  "kiro",
		Name:      fmt.Sprintf("Kiro OAuth (%s)", st.IDP),
		Shared:    st.Shared,
		Status:    models.StatusEnabled,
		ExpiresAt: tok.ExpiresAt(time.Now()),
		Metadata:  kiro.AccountMetadata(kiro.NewMachineID(), tok.ProfileARN, m.kiro.Region(), st.IDP),
	}
	return m.finishFlow(st, account, tok.AccessToken, tok.RefreshToken, map[string]string{"idp": st.IDP})
}

func (m *Manager) completeAntigravity(ctx context.Context, st *flowstate.State, code string) error {
	tok, err := m.anti.ExchangeCode(ctx, code, st.PKCEVerifier)
	if err != nil {
		return err
	}
	project, err := m.anti.DiscoverProject(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	email := ""
	if info, uerr := m.anti.FetchUserInfo(ctx, tok.AccessToken); uerr == nil {
		email = info.Email
	} else {
		log.Printf("⚠️ antigravity userinfo lookup failed: %v", uerr)
	}
	name := email
	if name == "" {
		name = "Antigravity OAuth"
	}
	account := &models.Account{
		ID:        uuid.NewString(),
		UserID:    st.UserID,
		Provider:  "antigravity",
		Name:      name,
		Shared:    st.Shared,
		Status:    models.StatusEnabled,
		PaidTier:  project.PaidTier,
		ExpiresAt: tok.Expiry,
		Metadata:  antigravity.AccountMetadata(project.ProjectID, email),
	}
	extra := map[string]string{"project_id": project.ProjectID, "email": email}
	if err := m.finishFlow(st, account, tok.AccessToken, tok.RefreshToken, extra); err != nil {
		return err
	}
	m.syncAntigravityQuotas(ctx, account, tok.AccessToken)
	return nil
}

// pollDevice drives the qwen token endpoint until approval, denial, or flow
// expiry. It owns its lifetime: the flow TTL caps the poll wall regardless
// of what the device authorization advertised.
func (m *Manager) pollDevice(st *flowstate.State, auth *qwen.DeviceAuthorization) {
	ctx, cancel := context.WithTimeout(context.Background(), m.ttl)
	defer cancel()

	tok, err := m.qwen.PollDeviceToken(ctx, auth, st.PKCEVerifier)
	if err != nil {
		m.failFlow(st.State, err)
		return
	}
	account := &models.Account{
		ID:        uuid.NewString(),
		UserID:    st.UserID,
		Provider:  "qwen",
		Name:      "Qwen Device",
		Shared:    st.Shared,
		Status:    models.StatusEnabled,
		ExpiresAt: tok.ExpiresAt(time.Now()),
		Metadata:  qwen.AccountMetadata(tok.ResourceURL, ""),
	}
	extra := map[string]string{"resource_url": tok.ResourceURL}
	if err := m.finishFlow(st, account, tok.AccessToken, tok.RefreshToken, extra); err != nil {
		m.failFlow(st.State, err)
	}
}

// finishFlow persists the account and marks the flow completed with a
// redacted summary. A flow state that expired mid-exchange only costs the
// status record; the account itself is already durable.
func (m *Manager) finishFlow(st *flowstate.State, account *models.Account, accessToken, refreshToken string, extra map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err := m.createAccount(ctx, account, accessToken, refreshToken); err != nil {
		return err
	}

	result := map[string]string{
		"account_id":   account.ID,
		"account_name": account.Name,
		"provider":     account.Provider,
	}
	if account.Shared {
		result["shared"] = "true"
	}
	for k, v := range extra {
		if v != "" {
			result[k] = v
		}
	}

	st.Status = flowstate.StatusCompleted
	st.Result = result
	st.PKCEVerifier = ""
	st.DeviceCode = ""
	err := m.store.Update(ctx, st.State, func(cur *flowstate.State) error {
		cur.Status = flowstate.StatusCompleted
		cur.Result = result
		cur.PKCEVerifier = ""
		cur.DeviceCode = ""
		cur.Error = ""
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Flow %s finished but state write failed: %v", st.State, err)
	}
	log.Printf("✅ OAuth flow completed: provider=%s account=%s (%s)", account.Provider, account.Name, account.ID)
	return nil
}

// createAccount seals the tokens, inserts the row, and grows the owner's
// shared pools when the account is shared.
func (m *Manager) createAccount(ctx context.Context, account *models.Account, accessToken, refreshToken string) error {
	var err error
	if account.AccessToken, err = m.codec.Seal(accessToken); err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if account.RefreshToken, err = m.codec.Seal(refreshToken); err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	if err := m.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	if account.Shared {
		if err := m.pool.OnAccountSharedChange(ctx, account.UserID, m.catalogFor(account.Provider), true); err != nil {
			log.Printf("⚠️ Shared pool adjustment failed for %s: %v", account.Name, err)
		}
	}
	return nil
}

func (m *Manager) failFlow(stateID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	err := m.store.Update(ctx, stateID, func(st *flowstate.State) error {
		st.Status = flowstate.StatusFailed
		st.Error = cause.Error()
		st.PKCEVerifier = ""
		st.DeviceCode = ""
		return nil
	})
	if err != nil {
		log.Printf("⚠️ Could not mark flow %s failed: %v", stateID, err)
	}
	log.Printf("❌ OAuth flow failed: state=%s: %v", stateID, cause)
}

// syncAntigravityQuotas mirrors the provider-reported allowances right after
// onboarding so selection has fractions to rank by. Best effort.
func (m *Manager) syncAntigravityQuotas(ctx context.Context, account *models.Account, accessToken string) {
	obs, err := m.anti.FetchQuotas(ctx, &providers.Credential{Account: account, AccessToken: accessToken})
	if err != nil {
		log.Printf("⚠️ Initial quota sync failed for %s: %v", account.Name, err)
		return
	}
	for _, o := range obs {
		q := &models.ModelQuota{
			AccountID: account.ID,
			Model:     o.Model,
			Remaining: o.Remaining,
			ResetAt:   o.ResetAt,
			Enabled:   true,
		}
		if err := m.pool.UpsertModelQuota(ctx, q); err != nil {
			log.Printf("⚠️ Quota upsert failed for %s/%s: %v", account.Name, o.Model, err)
		}
	}
}

// catalogFor lists a provider's advertised model ids, the seed for shared
// pool sizing before any quota has been observed.
func (m *Manager) catalogFor(provider string) []string {
	var list []providers.Model
	switch provider {
	case "kiro":
		list = m.kiro.Models()
	case "antigravity":
		list = m.anti.Models()
	case "qwen":
		list = m.qwen.Models()
	}
	ids := make([]string, 0, len(list))
	for _, mod := range list {
		ids = append(ids, mod.ID)
	}
	return ids
}

// ImportRequest is one pasted-credential submission.
type ImportRequest struct {
	Provider    string          `json:"provider"`
	Name        string          `json:"name"`
	Shared      bool            `json:"shared"`
	Credentials json.RawMessage `json:"credentials"`
}

// Import persists a pasted credential as a new account. The provider comes
// from the credential shape; an explicit request provider must agree with
// it, and the bare shape requires one.
func (m *Manager) Import(ctx context.Context, userID string, req ImportRequest) (*models.Account, error) {
	cred, err := ParseCredential(req.Credentials, time.Now())
	if err != nil {
		return nil, err
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	switch {
	case provider == "":
		provider = cred.Provider
	case cred.Provider != "" && cred.Provider != provider:
		return nil, fmt.Errorf("%w: blob matches the %s shape but request names %s",
			ErrUnrecognizedCredential, cred.Provider, provider)
	}
	if provider == "" {
		return nil, fmt.Errorf("%w: bare credentials need an explicit provider", ErrUnrecognizedCredential)
	}

	account := &models.Account{
		ID:        uuid.NewString(),
		UserID:    userID,
		Provider:  provider,
		Name:      strings.TrimSpace(req.Name),
		Shared:    req.Shared,
		Status:    models.StatusEnabled,
		ExpiresAt: cred.ExpiresAt,
	}
	switch provider {
	case "kiro":
		account.Metadata = kiro.AccountMetadata(kiro.NewMachineID(), cred.ProfileARN, m.kiro.Region(), "")
		// Desktop-auth exports often omit expiry; the access token's own
		// claims carry it.
		if account.ExpiresAt.IsZero() {
			if exp, ok := kiro.TokenExpiry(cred.AccessToken); ok {
				account.ExpiresAt = exp
			}
		}
		if account.Name == "" {
			if sub, ok := kiro.TokenSubject(cred.AccessToken); ok {
				account.Name = "Kiro " + sub
			}
		}
	case "antigravity":
		account.Metadata, account.PaidTier = m.antigravityImportMeta(ctx, cred.AccessToken)
	case "qwen":
		account.Metadata = qwen.AccountMetadata(cred.ResourceURL, "")
	default:
		return nil, errs.UnsupportedProvider(provider)
	}
	if account.Name == "" {
		account.Name = importName(provider)
	}

	if err := m.createAccount(ctx, account, cred.AccessToken, cred.RefreshToken); err != nil {
		return nil, err
	}
	log.Printf("📥 Imported %s account %s (%s)", provider, account.Name, account.ID)
	return account, nil
}

// antigravityImportMeta tries a live project discovery so calls carry the
// real companion project. A dead or absent access token leaves the metadata
// empty and calls use the synthetic project fallback.
func (m *Manager) antigravityImportMeta(ctx context.Context, accessToken string) (string, bool) {
	if accessToken == "" {
		return antigravity.AccountMetadata("", ""), false
	}
	project, err := m.anti.DiscoverProject(ctx, accessToken)
	if err != nil {
		log.Printf("⚠️ antigravity project discovery failed on import: %v", err)
		return antigravity.AccountMetadata("", ""), false
	}
	email := ""
	if info, err := m.anti.FetchUserInfo(ctx, accessToken); err == nil {
		email = info.Email
	}
	return antigravity.AccountMetadata(project.ProjectID, email), project.PaidTier
}

func importName(provider string) string {
	switch provider {
	case "kiro":
		return "Kiro Import"
	case "antigravity":
		return "Antigravity Import"
	case "qwen":
		return "Qwen Import"
	}
	return provider
}
