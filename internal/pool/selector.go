package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

// SelectAccount picks the account that should serve one request for (user,
// provider, model). Candidates must be enabled, not awaiting re-auth, and
// either have no quota row for the model or an enabled row with remaining
// quota. Preference order: private before shared (flipped by preferShared),
// then most remaining quota, then oldest account.
func (p *Pool) SelectAccount(ctx context.Context, userID, provider, model string, preferShared bool) (*models.Account, error) {
	var accounts []models.Account
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND status = ? AND need_refresh = ?",
			userID, provider, models.StatusEnabled, false).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, errs.ExhaustedQuota(provider, model)
	}

	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	var quotaRows []models.ModelQuota
	if err := p.db.WithContext(ctx).
		Where("model = ? AND account_id IN ?", model, ids).
		Find(&quotaRows).Error; err != nil {
		return nil, fmt.Errorf("list model quotas: %w", err)
	}
	quotaByAccount := make(map[string]*models.ModelQuota, len(quotaRows))
	for i := range quotaRows {
		quotaByAccount[quotaRows[i].AccountID] = &quotaRows[i]
	}

	eligible := accounts[:0]
	for _, a := range accounts {
		if q, ok := quotaByAccount[a.ID]; ok && (!q.Enabled || q.Remaining <= 0) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, errs.ExhaustedQuota(provider, model)
	}

	remaining := func(a *models.Account) float64 {
		if q, ok := quotaByAccount[a.ID]; ok {
			return q.Remaining
		}
		return 1.0 // no report yet: assume full
	}
	preferred := func(a *models.Account) bool {
		if preferShared {
			return a.Shared
		}
		return !a.Shared
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := &eligible[i], &eligible[j]
		if pa, pb := preferred(a), preferred(b); pa != pb {
			return pa
		}
		if ra, rb := remaining(a), remaining(b); ra != rb {
			return ra > rb
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	chosen := eligible[0]
	p.db.Model(&models.Account{}).Where("id = ?", chosen.ID).
		Update("last_used_at", time.Now())
	return &chosen, nil
}
