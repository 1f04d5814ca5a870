package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/logging"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/middleware"
	"gorm.io/gorm"
)

// accountView is the redacted account shape for list and import responses.
// Token columns never leave the store.
type accountView struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Name        string    `json:"name"`
	Shared      bool      `json:"shared"`
	Status      string    `json:"status"`
	PaidTier    bool      `json:"paid_tier"`
	NeedRefresh bool      `json:"need_refresh"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func accountViewOf(a *models.Account) accountView {
	return accountView{
		ID:          a.ID,
		Provider:    a.Provider,
		Name:        a.Name,
		Shared:      a.Shared,
		Status:      a.Status,
		PaidTier:    a.PaidTier,
		NeedRefresh: a.NeedRefresh,
		ExpiresAt:   a.ExpiresAt,
		LastUsedAt:  a.LastUsedAt,
		CreatedAt:   a.CreatedAt,
	}
}

// ImportAccount serves POST /v1/accounts/import: a pasted credential blob
// becomes an account, same as finishing an OAuth flow.
func ImportAccount(manager *oauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req oauth.ImportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}

		account, err := manager.Import(r.Context(), middleware.UserID(r.Context()), req)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		log.Printf("✅ %sImported %s account %s (%s)",
			logging.Tag(r.Context()), account.Provider, account.Name, account.ID)
		writeJSON(w, http.StatusCreated, accountViewOf(account))
	}
}

// ListAccounts serves GET /v1/accounts for the calling user.
func ListAccounts(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rows []models.Account
		err := database.WithContext(r.Context()).
			Where("user_id = ?", middleware.UserID(r.Context())).
			Order("created_at ASC").
			Find(&rows).Error
		if err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, "api_error", "failed to list accounts")
			return
		}

		views := make([]accountView, 0, len(rows))
		for i := range rows {
			views = append(views, accountViewOf(&rows[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": views})
	}
}

// DeleteAccount serves DELETE /v1/accounts/{id}. Deleting a shared account
// shrinks the owner's shared pools by the account's contribution, the
// mirror image of the growth applied when it was created.
func DeleteAccount(database *gorm.DB, accounts *pool.Pool, registry *providers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := middleware.UserID(r.Context())

		var account models.Account
		err := database.WithContext(r.Context()).
			Where("id = ? AND user_id = ?", id, userID).
			First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "account not found")
			return
		}
		if err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, "api_error", "failed to load account")
			return
		}

		if account.Shared {
			if translator, ok := registry.Get(account.Provider); ok {
				var modelIDs []string
				for _, m := range translator.Models() {
					modelIDs = append(modelIDs, m.ID)
				}
				if err := accounts.OnAccountSharedChange(r.Context(), userID, modelIDs, false); err != nil {
					log.Printf("⚠️ %sShared pool shrink failed for %s: %v",
						logging.Tag(r.Context()), account.ID, err)
				}
			}
		}

		tx := database.WithContext(r.Context())
		if err := tx.Where("account_id = ?", account.ID).Delete(&models.ModelQuota{}).Error; err != nil {
			log.Printf("⚠️ %sQuota row cleanup failed for %s: %v", logging.Tag(r.Context()), account.ID, err)
		}
		if err := tx.Delete(&account).Error; err != nil {
			writeOpenAIError(w, http.StatusInternalServerError, "api_error", "failed to delete account")
			return
		}

		log.Printf("🗑️ %sDeleted %s account %s (%s)",
			logging.Tag(r.Context()), account.Provider, account.Name, account.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}
