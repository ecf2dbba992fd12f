package http

import (
	"net/http"

	"github.com/darwin7381/oao-to-sub001/internal/access"
	"github.com/darwin7381/oao-to-sub001/internal/ledger"
	"github.com/darwin7381/oao-to-sub001/internal/ratelimit"
	"github.com/darwin7381/oao-to-sub001/internal/usage"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RouterDeps bundles everything the HTTP surface needs.
type RouterDeps struct {
	DB         *gorm.DB
	Verifier   *access.Verifier
	Limiter    *ratelimit.Limiter
	Ledger     *ledger.Ledger
	Recorder   *usage.Recorder
	AdminToken string

	DefaultMinuteLimit int64
	DefaultDayLimit    int64
}

// NewRouter assembles the gin engine: health probe, protected v1 surface, and
// the token-guarded admin API.
func NewRouter(deps RouterDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", healthHandler(deps.DB))

	middleware := NewAccessMiddleware(deps.Verifier, deps.Limiter, deps.Ledger, deps.Recorder)
	middleware.SetDefaultLimits(deps.DefaultMinuteLimit, deps.DefaultDayLimit)

	v1 := engine.Group("/v1")
	{
		v1.GET("/whoami", middleware.Require("", 0), whoamiHandler)
	}

	admin := NewAdminHandler(deps.DB, deps.Ledger, deps.Verifier)
	adminGroup := engine.Group("/admin", AdminAuthMiddleware(deps.AdminToken))
	{
		adminGroup.POST("/accounts", admin.CreateAccount)
		adminGroup.POST("/accounts/:id/credit", admin.CreditAccount)
		adminGroup.GET("/accounts/:id/transactions", admin.ListTransactions)
		adminGroup.POST("/keys", admin.CreateKey)
		adminGroup.GET("/keys", admin.ListKeys)
		adminGroup.DELETE("/keys/:id", admin.RevokeKey)
	}

	return engine
}

// whoamiHandler echoes the verified identity, balance snapshot included.
func whoamiHandler(c *gin.Context) {
	identity, ok := IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity missing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"api_key_id":   identity.APIKeyID,
		"account_id":   identity.AccountID,
		"plan_tier":    identity.PlanTier,
		"scopes":       identity.Scopes,
		"minute_limit": identity.MinuteLimit,
		"day_limit":    identity.DayLimit,
		"balance":      identity.Balance,
	})
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			sqlDB, errDB := db.DB()
			if errDB != nil || sqlDB.PingContext(c.Request.Context()) != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
