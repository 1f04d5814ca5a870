package models

import "time"

// APIKey authenticates gateway clients. Only the SHA-256 hash of the key is
// stored; the plaintext is shown once at creation time.
type APIKey struct {
	ID        string `gorm:"primaryKey"` // UUID
	UserID    string `gorm:"index"`
	KeyHash   string `gorm:"uniqueIndex;size:64"` // hex SHA-256
	Label     string
	CreatedAt time.Time
}
