package db

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.Account{},
		&models.ModelQuota{},
		&models.SharedQuotaPool{},
		&models.ConsumptionRecord{},
		&models.UsageCounter{},
		&models.APIKey{},
	); err != nil {
		return nil, err
	}

	ensureAPIKey(db)

	return db, nil
}

// ensureAPIKey generates a bootstrap API key on first run. Only the hash is
// persisted; the plaintext is printed once.
func ensureAPIKey(db *gorm.DB) {
	var count int64
	db.Model(&models.APIKey{}).Count(&count)
	if count > 0 {
		return
	}

	keyBytes := make([]byte, 16)
	rand.Read(keyBytes)
	apiKey := "sk-" + hex.EncodeToString(keyBytes)

	db.Create(&models.APIKey{
		ID:      uuid.NewString(),
		UserID:  "default",
		KeyHash: HashAPIKey(apiKey),
		Label:   "bootstrap",
	})
	log.Printf("🔑 Generated new API key: %s", apiKey)
}

// HashAPIKey returns the hex SHA-256 digest stored for a key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// LookupAPIKey resolves a presented key to its row, or nil when unknown.
func LookupAPIKey(db *gorm.DB, raw string) *models.APIKey {
	var key models.APIKey
	if err := db.Where("key_hash = ?", HashAPIKey(raw)).First(&key).Error; err != nil {
		return nil
	}
	return &key
}
