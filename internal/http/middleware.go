package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/access"
	"github.com/darwin7381/oao-to-sub001/internal/ledger"
	"github.com/darwin7381/oao-to-sub001/internal/ratelimit"
	"github.com/darwin7381/oao-to-sub001/internal/usage"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// identityContextKey is the gin context key under which the verified identity
// is stored for downstream handlers.
const identityContextKey = "accessIdentity"

// AccessMiddleware runs the metered-access pipeline for protected routes:
// credential verification, window rate limiting, and credit deduction, with
// an asynchronous usage record for every outcome.
type AccessMiddleware struct {
	verifier *access.Verifier
	limiter  *ratelimit.Limiter
	ledger   *ledger.Ledger
	recorder *usage.Recorder

	defaultMinuteLimit int64
	defaultDayLimit    int64
}

func NewAccessMiddleware(verifier *access.Verifier, limiter *ratelimit.Limiter, l *ledger.Ledger, recorder *usage.Recorder) *AccessMiddleware {
	return &AccessMiddleware{
		verifier: verifier,
		limiter:  limiter,
		ledger:   l,
		recorder: recorder,

		defaultMinuteLimit: 60,
		defaultDayLimit:    5000,
	}
}

// SetDefaultLimits overrides the ceilings applied to keys that carry none.
func (m *AccessMiddleware) SetDefaultLimits(minute, day int64) {
	if minute > 0 {
		m.defaultMinuteLimit = minute
	}
	if day > 0 {
		m.defaultDayLimit = day
	}
}

// Require returns a handler enforcing the full pipeline with a fixed credit
// cost for the route. A cost of zero skips the ledger entirely. A non-empty
// scope additionally requires the credential to carry that capability.
func (m *AccessMiddleware) Require(scope string, cost int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		identity, errVerify := m.verifier.Verify(c.Request.Context(), token)
		if errVerify != nil {
			m.rejectVerify(c, errVerify)
			return
		}

		if scope != "" && !identity.HasScope(scope) {
			m.record(identity, c, usage.OutcomeUnauthorized, 0, start)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Missing required scope", "scope": scope})
			return
		}

		minuteLimit := identity.MinuteLimit
		if minuteLimit <= 0 {
			minuteLimit = m.defaultMinuteLimit
		}
		dayLimit := identity.DayLimit
		if dayLimit <= 0 {
			dayLimit = m.defaultDayLimit
		}
		limit := m.limiter.Check(c.Request.Context(), identity.RateKey(), minuteLimit, dayLimit)
		// Limit headers are set on every response, allowed or not.
		for name, value := range limit.Headers() {
			c.Header(name, value)
		}
		if !limit.Allowed {
			m.record(identity, c, usage.OutcomeRateLimited, 0, start)
			c.Header("Retry-After", retryAfter(limit))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"scope": string(limit.DeniedBy),
			})
			return
		}

		if cost > 0 {
			// The deduction must survive a client disconnect once started.
			deductCtx := context.WithoutCancel(c.Request.Context())
			result, errDeduct := m.ledger.Deduct(deductCtx, identity.AccountID, cost, ledger.Metadata{
				APIKeyID: &identity.APIKeyID,
				Resource: c.FullPath(),
			})
			if errDeduct != nil {
				m.rejectDeduct(c, identity, errDeduct, start)
				return
			}
			c.Set("deductionTier", result.Tier)
		}

		c.Set(identityContextKey, identity)
		c.Next()

		outcome := usage.OutcomeOK
		if c.Writer.Status() >= http.StatusBadRequest {
			outcome = usage.OutcomeError
		}
		m.record(identity, c, outcome, cost, start)
	}
}

// IdentityFrom extracts the verified identity stored by Require.
func IdentityFrom(c *gin.Context) (*access.Identity, bool) {
	v, exists := c.Get(identityContextKey)
	if !exists {
		return nil, false
	}
	identity, ok := v.(*access.Identity)
	return identity, ok
}

func (m *AccessMiddleware) rejectVerify(c *gin.Context, errVerify error) {
	switch {
	case errors.Is(errVerify, access.ErrInvalidFormat),
		errors.Is(errVerify, access.ErrCredentialNotFound):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	case errors.Is(errVerify, access.ErrCredentialInactive):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key disabled or revoked"})
	case errors.Is(errVerify, access.ErrCredentialExpired):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
	case errors.Is(errVerify, access.ErrStoreUnavailable):
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Credential store unavailable"})
	default:
		log.WithError(errVerify).Error("access middleware: verification error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication service error"})
	}
}

func (m *AccessMiddleware) rejectDeduct(c *gin.Context, identity *access.Identity, errDeduct error, start time.Time) {
	var insufficient *ledger.InsufficientError
	switch {
	case errors.As(errDeduct, &insufficient):
		m.record(identity, c, usage.OutcomeInsufficient, 0, start)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":     "Insufficient credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(errDeduct, ledger.ErrUnavailable):
		m.record(identity, c, usage.OutcomeError, 0, start)
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Ledger unavailable, retry later"})
	default:
		log.WithError(errDeduct).Error("access middleware: deduction error")
		m.record(identity, c, usage.OutcomeError, 0, start)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Billing service error"})
	}
}

func (m *AccessMiddleware) record(identity *access.Identity, c *gin.Context, outcome string, cost int64, start time.Time) {
	if m.recorder == nil {
		return
	}
	accountID := identity.AccountID
	apiKeyID := identity.APIKeyID
	m.recorder.Record(usage.Record{
		AccountID:   &accountID,
		APIKeyID:    &apiKeyID,
		Resource:    c.FullPath(),
		Outcome:     outcome,
		Cost:        cost,
		LatencyMS:   time.Since(start).Milliseconds(),
		RequestedAt: start.UTC(),
	})
}

// extractToken pulls the credential from the Authorization bearer header or
// the X-API-Key header.
func extractToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

func retryAfter(result ratelimit.Result) string {
	reset := result.Minute.ResetUnix
	if result.DeniedBy == ratelimit.GranularityDay {
		reset = result.Day.ResetUnix
	}
	secs := reset - time.Now().Unix()
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
