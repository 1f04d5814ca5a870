package models

import "time"

// ConsumptionRecord is one append-only ledger row per completed upstream call.
// Consumed is always max(0, QuotaBefore-QuotaAfter); a mid-call upstream reset
// therefore records zero, never a negative value.
type ConsumptionRecord struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           string `gorm:"index"`
	AccountID        string `gorm:"index"`
	Provider         string
	Model            string
	QuotaBefore      float64
	QuotaAfter       float64
	Consumed         float64
	Shared           bool
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// UsageCounter keeps per (user, provider) running totals, bumped in the same
// transaction as the ledger insert.
type UsageCounter struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           string `gorm:"uniqueIndex:idx_usage_user_provider;not null"`
	Provider         string `gorm:"uniqueIndex:idx_usage_user_provider;not null"`
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	Failures         int64
	UpdatedAt        time.Time
}
