package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/access"
	"github.com/darwin7381/oao-to-sub001/internal/ledger"
	"github.com/darwin7381/oao-to-sub001/internal/models"
	"github.com/darwin7381/oao-to-sub001/internal/security"
	"github.com/darwin7381/oao-to-sub001/internal/util"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdminHandler manages accounts, keys, and credits over the admin API.
type AdminHandler struct {
	db       *gorm.DB       // Database handle.
	ledger   *ledger.Ledger // Balance engine for credit grants.
	verifier *access.Verifier
}

// NewAdminHandler constructs an admin handler.
func NewAdminHandler(db *gorm.DB, l *ledger.Ledger, verifier *access.Verifier) *AdminHandler {
	return &AdminHandler{db: db, ledger: l, verifier: verifier}
}

// AdminAuthMiddleware guards admin routes with a shared bearer token.
func AdminAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin API disabled"})
			return
		}
		presented := extractToken(c)
		if presented == "" {
			presented = strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			return
		}
		c.Next()
	}
}

// createAccountRequest captures the payload for creating an account.
type createAccountRequest struct {
	Name     string `json:"name"`      // Display name.
	Email    string `json:"email"`     // Contact address.
	PlanTier string `json:"plan_tier"` // Subscription tier, defaults to free.
}

// CreateAccount inserts an account together with its zero balance row.
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var body createAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	email := strings.TrimSpace(body.Email)
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	planTier := strings.TrimSpace(body.PlanTier)
	if planTier == "" {
		planTier = models.PlanFree
	}
	switch planTier {
	case models.PlanFree, models.PlanStarter, models.PlanPro, models.PlanUnlimited:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown plan_tier"})
		return
	}

	account := models.Account{Name: name, Email: email, PlanTier: planTier}
	if errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&account).Error; errCreate != nil {
			return errCreate
		}
		return tx.Create(&models.Balance{AccountID: account.ID}).Error
	}); errTx != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        account.ID,
		"name":      account.Name,
		"email":     account.Email,
		"plan_tier": account.PlanTier,
	})
}

// createKeyRequest captures the payload for issuing an API key.
type createKeyRequest struct {
	AccountID   uint64   `json:"account_id"`   // Owning account.
	Name        string   `json:"name"`         // Display name.
	Env         string   `json:"env"`          // live or test, defaults to live.
	Scopes      []string `json:"scopes"`       // Capability strings.
	MinuteLimit int64    `json:"minute_limit"` // Per-minute ceiling, 0 uses the default.
	DayLimit    int64    `json:"day_limit"`    // Per-day ceiling, 0 uses the default.
	ExpiresAt   *string  `json:"expires_at"`   // Optional RFC3339 expiry.
}

// CreateKey issues a new API key. The plaintext appears in this response only;
// afterwards the store holds nothing but its hash.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var body createKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.AccountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	env := strings.TrimSpace(body.Env)
	if env == "" {
		env = security.EnvLive
	}
	if env != security.EnvLive && env != security.EnvTest {
		c.JSON(http.StatusBadRequest, gin.H{"error": "env must be live or test"})
		return
	}

	var expiresAt *time.Time
	if body.ExpiresAt != nil && strings.TrimSpace(*body.ExpiresAt) != "" {
		parsed, errParse := time.Parse(time.RFC3339, strings.TrimSpace(*body.ExpiresAt))
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC3339"})
			return
		}
		expiresAt = &parsed
	}

	var account models.Account
	if errFind := h.db.WithContext(c.Request.Context()).First(&account, body.AccountID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load account failed"})
		return
	}

	token, errGenerate := security.GenerateAPIKey(env)
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate key failed"})
		return
	}

	scopes := body.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, errMarshal := json.Marshal(scopes)
	if errMarshal != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode scopes failed"})
		return
	}

	apiKey := models.APIKey{
		AccountID:   account.ID,
		Name:        strings.TrimSpace(body.Name),
		KeyHash:     security.HashAPIKey(token),
		KeyPrefix:   util.HideAPIKey(token),
		Scopes:      datatypes.JSON(scopesJSON),
		MinuteLimit: body.MinuteLimit,
		DayLimit:    body.DayLimit,
		Active:      true,
		ExpiresAt:   expiresAt,
	}
	if apiKey.MinuteLimit <= 0 {
		apiKey.MinuteLimit = 60
	}
	if apiKey.DayLimit <= 0 {
		apiKey.DayLimit = 5000
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&apiKey).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create key failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           apiKey.ID,
		"account_id":   apiKey.AccountID,
		"name":         apiKey.Name,
		"key":          token,
		"key_prefix":   apiKey.KeyPrefix,
		"scopes":       scopes,
		"minute_limit": apiKey.MinuteLimit,
		"day_limit":    apiKey.DayLimit,
		"expires_at":   apiKey.ExpiresAt,
	})
}

// ListKeys returns the keys of one account, hashes omitted.
func (h *AdminHandler) ListKeys(c *gin.Context) {
	accountID, errParse := strconv.ParseUint(strings.TrimSpace(c.Query("account_id")), 10, 64)
	if errParse != nil || accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id query is required"})
		return
	}

	var keys []models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&keys).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keys failed"})
		return
	}

	out := make([]gin.H, 0, len(keys))
	for i := range keys {
		k := &keys[i]
		out = append(out, gin.H{
			"id":           k.ID,
			"name":         k.Name,
			"key_prefix":   k.KeyPrefix,
			"status":       k.Status(),
			"minute_limit": k.MinuteLimit,
			"day_limit":    k.DayLimit,
			"usage_count":  k.UsageCount,
			"last_used_at": k.LastUsedAt,
			"expires_at":   k.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// RevokeKey disables a key and drops its cached projection so the revocation
// takes effect immediately instead of after the cache TTL.
func (h *AdminHandler) RevokeKey(c *gin.Context) {
	keyID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || keyID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}

	var apiKey models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).First(&apiKey, keyID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load key failed"})
		return
	}

	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(c.Request.Context()).Model(&apiKey).
		Updates(map[string]any{
			"active":     false,
			"revoked_at": &now,
			"updated_at": now,
		}).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke key failed"})
		return
	}

	if h.verifier != nil {
		h.verifier.Forget(c.Request.Context(), apiKey.KeyHash)
	}

	c.JSON(http.StatusOK, gin.H{"id": apiKey.ID, "status": "revoked", "revoked_at": now})
}

// creditRequest captures the payload for granting purchased credits.
type creditRequest struct {
	Amount      int64  `json:"amount"`       // Credits to add, must be positive.
	AdminAdjust bool   `json:"admin_adjust"` // Record as a manual correction.
	Reason      string `json:"reason"`       // Free-form note.
}

// CreditAccount adds purchased credits through the ledger.
func (h *AdminHandler) CreditAccount(c *gin.Context) {
	accountID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var body creditRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}

	after, errCredit := h.ledger.Credit(c.Request.Context(), accountID, body.Amount, ledger.Metadata{
		Resource:    strings.TrimSpace(body.Reason),
		AdminAdjust: body.AdminAdjust,
	})
	if errCredit != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "credit failed, retry later"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": after})
}

// ListTransactions returns an account's transaction history, newest first.
func (h *AdminHandler) ListTransactions(c *gin.Context) {
	accountID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	limit := 100
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errLimit := strconv.Atoi(raw)
		if errLimit != nil || parsed <= 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-1000"})
			return
		}
		limit = parsed
	}

	var txns []models.Transaction
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list transactions failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}
