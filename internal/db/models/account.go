package models

import "time"

// Account status values.
const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"
)

// Account stores OAuth identity and sealed tokens for one upstream provider.
// AccessToken and RefreshToken hold ciphertext (base64), never plaintext;
// internal/db/secret does the sealing.
type Account struct {
	ID           string `gorm:"primaryKey"` // UUID
	UserID       string `gorm:"index:idx_user_provider"`
	Provider     string `gorm:"index:idx_user_provider"` // "kiro", "antigravity", "qwen"
	Name         string
	Shared       bool   `gorm:"default:false"`
	Status       string `gorm:"default:enabled"`
	NeedRefresh  bool   `gorm:"default:false"`
	PaidTier     bool   `gorm:"default:false"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	LastUsedAt   time.Time
	Metadata     string // JSON blob for provider extras (machine id, profile ARN, project id, resource URL)
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Usable reports whether the pool may hand this account to a request.
func (a *Account) Usable() bool {
	return a.Status == StatusEnabled && !a.NeedRefresh
}
