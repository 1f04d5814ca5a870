package pool

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"gorm.io/gorm"
)

// poolUnitsPerAccount is each enabled shared account's contribution to a
// pool's max_quota.
const poolUnitsPerAccount = 2.0

// Consumption describes one completed upstream call for ledger purposes.
// Before and After are the provider-reported remaining quota around the call.
type Consumption struct {
	UserID           string
	AccountID        string
	Provider         string
	Model            string
	Before           float64
	After            float64
	Shared           bool
	PromptTokens     int
	CompletionTokens int
}

// RecordConsumption appends one ledger row, bumps the usage counter, and,
// for shared accounts, debits every family member's pool row for the user.
// Consumed is max(0, before-after): an upstream reset mid-call records zero.
// Everything commits in one transaction.
func (p *Pool) RecordConsumption(ctx context.Context, rec Consumption) error {
	consumed := rec.Before - rec.After
	if consumed < 0 {
		consumed = 0
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ConsumptionRecord{
			UserID:           rec.UserID,
			AccountID:        rec.AccountID,
			Provider:         rec.Provider,
			Model:            rec.Model,
			QuotaBefore:      rec.Before,
			QuotaAfter:       rec.After,
			Consumed:         consumed,
			Shared:           rec.Shared,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("ledger insert: %w", err)
		}
		if err := bumpUsage(tx, rec.UserID, rec.Provider, rec.PromptTokens, rec.CompletionTokens, false); err != nil {
			return err
		}
		if rec.Shared && consumed > 0 {
			for _, m := range Family(rec.Model) {
				err := tx.Model(&models.SharedQuotaPool{}).
					Where("user_id = ? AND model = ?", rec.UserID, m).
					Update("quota", gorm.Expr("MAX(0, quota - ?)", consumed)).Error
				if err != nil {
					return fmt.Errorf("debit pool %s/%s: %w", rec.UserID, m, err)
				}
			}
		}
		return nil
	})
}

// RecordFailure bumps the failure counter for (user, provider).
func (p *Pool) RecordFailure(ctx context.Context, userID, provider string) {
	if err := bumpUsage(p.db.WithContext(ctx), userID, provider, 0, 0, true); err != nil {
		log.Printf("⚠️ Failed to record failure for %s/%s: %v", userID, provider, err)
	}
}

func bumpUsage(tx *gorm.DB, userID, provider string, promptTokens, completionTokens int, failed bool) error {
	updates := map[string]any{
		"requests":          gorm.Expr("requests + 1"),
		"prompt_tokens":     gorm.Expr("prompt_tokens + ?", promptTokens),
		"completion_tokens": gorm.Expr("completion_tokens + ?", completionTokens),
	}
	if failed {
		updates["failures"] = gorm.Expr("failures + 1")
	}
	res := tx.Model(&models.UsageCounter{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("bump usage counter: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	counter := models.UsageCounter{
		UserID:           userID,
		Provider:         provider,
		Requests:         1,
		PromptTokens:     int64(promptTokens),
		CompletionTokens: int64(completionTokens),
	}
	if failed {
		counter.Failures = 1
	}
	if err := tx.Create(&counter).Error; err != nil {
		return fmt.Errorf("create usage counter: %w", err)
	}
	return nil
}

// OnSharedToggle adjusts one pool row when a shared account covering model
// is enabled or disabled. Enabling grows max_quota by the account's
// contribution and credits quota up to the new ceiling; disabling shrinks
// both, flooring at zero. Assignments read the pre-update column values, so
// one UPDATE applies the whole adjustment atomically.
func (p *Pool) OnSharedToggle(ctx context.Context, userID, model string, enabled bool) error {
	tx := p.db.WithContext(ctx)
	if enabled {
		res := tx.Model(&models.SharedQuotaPool{}).
			Where("user_id = ? AND model = ?", userID, model).
			Updates(map[string]any{
				"max_quota": gorm.Expr("max_quota + ?", poolUnitsPerAccount),
				"quota":     gorm.Expr("MIN(quota + ?, max_quota + ?)", poolUnitsPerAccount, poolUnitsPerAccount),
			})
		if res.Error != nil {
			return fmt.Errorf("grow pool %s/%s: %w", userID, model, res.Error)
		}
		if res.RowsAffected == 0 {
			pool := models.SharedQuotaPool{
				UserID:   userID,
				Model:    model,
				Quota:    poolUnitsPerAccount,
				MaxQuota: poolUnitsPerAccount,
			}
			if err := tx.Create(&pool).Error; err != nil {
				return fmt.Errorf("create pool %s/%s: %w", userID, model, err)
			}
		}
		return nil
	}

	err := tx.Model(&models.SharedQuotaPool{}).
		Where("user_id = ? AND model = ?", userID, model).
		Updates(map[string]any{
			"max_quota": gorm.Expr("MAX(0, max_quota - ?)", poolUnitsPerAccount),
			"quota":     gorm.Expr("MAX(0, MIN(quota - ?, MAX(0, max_quota - ?)))", poolUnitsPerAccount, poolUnitsPerAccount),
		}).Error
	if err != nil {
		return fmt.Errorf("shrink pool %s/%s: %w", userID, model, err)
	}
	return nil
}

// OnAccountSharedChange applies OnSharedToggle across every family covered
// by the account's model list (its quota rows, or the provider catalog when
// no quota has been reported yet).
func (p *Pool) OnAccountSharedChange(ctx context.Context, userID string, modelIDs []string, enabled bool) error {
	for _, m := range ExpandFamilies(modelIDs) {
		if err := p.OnSharedToggle(ctx, userID, m, enabled); err != nil {
			return err
		}
	}
	return nil
}

// QuotaModels lists the models the account currently has quota rows for.
func (p *Pool) QuotaModels(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	err := p.db.WithContext(ctx).Model(&models.ModelQuota{}).
		Where("account_id = ?", accountID).
		Pluck("model", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list quota models: %w", err)
	}
	return ids, nil
}

// UpsertModelQuota stores a provider-reported remaining fraction.
func (p *Pool) UpsertModelQuota(ctx context.Context, q *models.ModelQuota) error {
	tx := p.db.WithContext(ctx)
	res := tx.Model(&models.ModelQuota{}).
		Where("account_id = ? AND model = ?", q.AccountID, q.Model).
		Updates(map[string]any{
			"remaining": q.Remaining,
			"reset_at":  q.ResetAt,
			"enabled":   q.Enabled,
		})
	if res.Error != nil {
		return fmt.Errorf("update model quota: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(q).Error; err != nil {
			return fmt.Errorf("create model quota: %w", err)
		}
	}
	return nil
}

// RemainingQuota reads the shared pool balance for (user, model); accounts
// without a pool row report -1 so callers can distinguish "no pool" from 0.
func (p *Pool) RemainingQuota(ctx context.Context, userID, model string) (float64, error) {
	var pool models.SharedQuotaPool
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND model = ?", userID, model).
		First(&pool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return pool.Quota, nil
}

// AccountModelQuota reads the mirrored remaining fraction for one account
// and model. ok reports whether the provider has ever reported a value.
func (p *Pool) AccountModelQuota(ctx context.Context, accountID, model string) (remaining float64, ok bool, err error) {
	var row models.ModelQuota
	err = p.db.WithContext(ctx).
		Where("account_id = ? AND model = ?", accountID, model).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Remaining, true, nil
}
