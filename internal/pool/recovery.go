package pool

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"gorm.io/gorm"
)

// RecoverSharedPools tops up every depleted pool by the per-cycle rate of the
// user's enabled shared accounts (free and paid tiers earn at different
// rates), capped at max_quota. Users with no eligible account earn nothing,
// so their pools drain and stay drained until an account comes back.
func (p *Pool) RecoverSharedPools(ctx context.Context) error {
	var pools []models.SharedQuotaPool
	err := p.db.WithContext(ctx).
		Where("quota < max_quota").
		Find(&pools).Error
	if err != nil {
		return fmt.Errorf("list depleted pools: %w", err)
	}
	if len(pools) == 0 {
		return nil
	}

	type tierCount struct {
		UserID   string
		PaidTier bool
		N        int64
	}
	var rows []tierCount
	err = p.db.WithContext(ctx).Model(&models.Account{}).
		Select("user_id, paid_tier, COUNT(*) AS n").
		Where("shared = ? AND status = ? AND need_refresh = ?", true, models.StatusEnabled, false).
		Group("user_id, paid_tier").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("count shared accounts: %w", err)
	}
	gainByUser := make(map[string]float64, len(rows))
	for _, r := range rows {
		rate := p.freeRate
		if r.PaidTier {
			rate = p.paidRate
		}
		gainByUser[r.UserID] += rate * float64(r.N)
	}

	now := time.Now()
	recovered := 0
	for i := range pools {
		gain := gainByUser[pools[i].UserID]
		if gain <= 0 {
			continue
		}
		err := p.db.WithContext(ctx).Model(&models.SharedQuotaPool{}).
			Where("id = ? AND quota < max_quota", pools[i].ID).
			Updates(map[string]any{
				"quota":             gorm.Expr("MIN(quota + ?, max_quota)", gain),
				"last_recovered_at": now,
			}).Error
		if err != nil {
			return fmt.Errorf("recover pool %d: %w", pools[i].ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		log.Printf("🔄 Recovered %d shared quota pool(s)", recovered)
	}
	return nil
}

// StartRecoveryLoop runs RecoverSharedPools on a fixed interval until the
// context is cancelled. The loop never touches request-path locks.
func (p *Pool) StartRecoveryLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.RecoverSharedPools(ctx); err != nil {
					log.Printf("⚠️ Pool recovery pass failed: %v", err)
				}
			}
		}
	}()
	log.Printf("🔄 Shared pool recovery loop started (interval: %s)", interval)
}
