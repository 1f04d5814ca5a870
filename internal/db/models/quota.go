package models

import "time"

// ModelQuota mirrors the upstream per-model allowance for one account.
// Remaining is the fraction [0,1] last reported by the provider.
type ModelQuota struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID string `gorm:"uniqueIndex:idx_account_model;not null"`
	Model     string `gorm:"uniqueIndex:idx_account_model;not null"`
	Remaining float64
	ResetAt   time.Time
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SharedQuotaPool is the per-user, per-model shared allowance.
// 0 <= Quota <= MaxQuota always holds; MaxQuota tracks two units per enabled
// shared account and is adjusted incrementally, never recomputed from scratch.
type SharedQuotaPool struct {
	ID              uint   `gorm:"primaryKey"`
	UserID          string `gorm:"uniqueIndex:idx_pool_user_model;not null"`
	Model           string `gorm:"uniqueIndex:idx_pool_user_model;not null"`
	Quota           float64
	MaxQuota        float64
	LastRecoveredAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
