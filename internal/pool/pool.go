// Package pool owns account selection, token freshness, and quota accounting
// for every upstream provider.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/db/secret"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"gorm.io/gorm"
)

// RefreshMargin is how long before expiry a token counts as stale.
const RefreshMargin = 5 * time.Minute

// Credentials is a freshly minted token set from a provider.
// RefreshToken is empty when the provider did not rotate it.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a plaintext refresh token for fresh credentials.
// Each upstream provider registers one; metadata is the account's provider
// extras JSON.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken, metadata string) (*Credentials, error)
}

// Options tunes the quota recovery rates.
type Options struct {
	FreeRate float64 // pool units per cycle per enabled shared free account
	PaidRate float64 // pool units per cycle per enabled shared paid account
}

// Pool coordinates accounts, tokens, and quota rows. All state lives in the
// database; the only in-memory state is the per-account refresh flight table.
type Pool struct {
	db         *gorm.DB
	codec      *secret.Codec
	refreshers map[string]Refresher
	freeRate   float64
	paidRate   float64

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	done  chan struct{}
	token string
	err   error
}

// New builds a pool over an already-migrated database.
func New(db *gorm.DB, codec *secret.Codec, opts Options) *Pool {
	if codec == nil {
		codec = secret.Plaintext()
	}
	return &Pool{
		db:         db,
		codec:      codec,
		refreshers: make(map[string]Refresher),
		freeRate:   opts.FreeRate,
		paidRate:   opts.PaidRate,
		inflight:   make(map[string]*flight),
	}
}

// RegisterRefresher wires a provider's refresh implementation. Call before
// serving traffic; registration is not synchronized.
func (p *Pool) RegisterRefresher(provider string, r Refresher) {
	p.refreshers[provider] = r
}

// EnsureFreshToken returns a plaintext access token for the account,
// refreshing it first when expiry is within RefreshMargin. Concurrent calls
// for the same account share one upstream refresh.
func (p *Pool) EnsureFreshToken(ctx context.Context, account *models.Account) (string, error) {
	if time.Until(account.ExpiresAt) > RefreshMargin {
		return p.codec.Open(account.AccessToken)
	}

	p.mu.Lock()
	if f, ok := p.inflight[account.ID]; ok {
		p.mu.Unlock()
		select {
		case <-f.done:
			return f.token, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	p.inflight[account.ID] = f
	p.mu.Unlock()

	f.token, f.err = p.refresh(ctx, account.ID)
	close(f.done)

	p.mu.Lock()
	delete(p.inflight, account.ID)
	p.mu.Unlock()

	return f.token, f.err
}

// refresh reloads the account row, re-checks staleness (another caller may
// have won), then performs the provider refresh and persists the outcome.
func (p *Pool) refresh(ctx context.Context, accountID string) (string, error) {
	var account models.Account
	if err := p.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if time.Until(account.ExpiresAt) > RefreshMargin {
		return p.codec.Open(account.AccessToken)
	}

	refresher, ok := p.refreshers[account.Provider]
	if !ok {
		return "", errs.UnsupportedProvider(account.Provider)
	}
	refreshToken, err := p.codec.Open(account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}

	creds, err := refresher.RefreshToken(ctx, refreshToken, account.Metadata)
	if err != nil {
		if isPermanentRefreshError(err) {
			p.db.Model(&models.Account{}).Where("id = ?", account.ID).Updates(map[string]any{
				"status":       models.StatusDisabled,
				"need_refresh": true,
			})
			log.Printf("🔒 Account %s (%s) disabled after permanent refresh failure: %v", account.Name, account.Provider, err)
			return "", errs.InvalidGrant(err.Error())
		}
		log.Printf("⏳ Transient refresh failure for %s (%s): %v", account.Name, account.Provider, err)
		return "", fmt.Errorf("refresh token: %w", err)
	}

	sealedAccess, err := p.codec.Seal(creds.AccessToken)
	if err != nil {
		return "", err
	}
	updates := map[string]any{
		"access_token": sealedAccess,
		"expires_at":   creds.ExpiresAt,
		"need_refresh": false,
	}
	if creds.RefreshToken != "" && creds.RefreshToken != refreshToken {
		sealedRefresh, err := p.codec.Seal(creds.RefreshToken)
		if err != nil {
			return "", err
		}
		updates["refresh_token"] = sealedRefresh
		log.Printf("🔄 Rotating refresh token for: %s", account.Name)
	}
	if err := p.db.Model(&models.Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	log.Printf("✅ Refreshed token for %s (%s), expires %s", account.Name, account.Provider, creds.ExpiresAt.Format(time.RFC3339))
	return creds.AccessToken, nil
}

// StartRefreshLoop proactively refreshes tokens entering the stale window, so
// request latency does not absorb the upstream round trip.
func (p *Pool) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.refreshExpiring(ctx)
			}
		}
	}()
	log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
}

func (p *Pool) refreshExpiring(ctx context.Context) {
	threshold := time.Now().Add(RefreshMargin)
	var accounts []models.Account
	p.db.Where("status = ? AND need_refresh = ? AND expires_at < ?",
		models.StatusEnabled, false, threshold).Find(&accounts)

	for i := range accounts {
		if _, err := p.EnsureFreshToken(ctx, &accounts[i]); err != nil {
			log.Printf("⚠️ Background refresh failed for %s: %v", accounts[i].Name, err)
		}
	}
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	// Refreshers return ErrInvalidGrant when the provider signals a dead
	// grant outside the OAuth error vocabulary (kiro answers plain 4xx).
	if errors.Is(err, errs.ErrInvalidGrant) {
		return true
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
