package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/config"
	"github.com/darwin7381/oao-to-sub001/internal/models"
	"github.com/darwin7381/oao-to-sub001/internal/security"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProjectionCache is the read-mostly side of the fast cache. Entries are
// trusted for identity, scope, and ceiling lookups only; balance arithmetic
// always goes through the ledger store.
type ProjectionCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Identity is the resolved context of a verified credential. It is built once
// per request and passed down the call chain unchanged.
type Identity struct {
	APIKeyID  uint64
	AccountID uint64

	Scopes      []string
	MinuteLimit int64
	DayLimit    int64

	PlanTier string
	Balance  models.Snapshot
}

// RateKey returns the stable identity string used for window counters.
func (id *Identity) RateKey() string {
	return fmt.Sprintf("key:%d", id.APIKeyID)
}

// HasScope reports whether the credential carries the given capability.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// projection is the denormalized cache entry for one credential hash. Ceiling
// and flag fields change rarely, so a stale read is acceptable for the cache
// TTL; a revoked key may therefore be honored for up to that window.
type projection struct {
	APIKeyID    uint64          `json:"api_key_id"`
	AccountID   uint64          `json:"account_id"`
	Scopes      []string        `json:"scopes"`
	MinuteLimit int64           `json:"minute_limit"`
	DayLimit    int64           `json:"day_limit"`
	PlanTier    string          `json:"plan_tier"`
	Active      bool            `json:"active"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Balance     models.Snapshot `json:"balance"`
}

// Verifier resolves opaque credentials to identities using the fast cache as
// a read-through layer in front of the ledger store.
type Verifier struct {
	db    *gorm.DB
	cache ProjectionCache
	ttl   time.Duration
	now   func() time.Time
}

// NewVerifier constructs a Verifier with the standard projection TTL.
func NewVerifier(db *gorm.DB, cache ProjectionCache) *Verifier {
	return &Verifier{
		db:    db,
		cache: cache,
		ttl:   config.CredentialCacheTTL,
		now:   time.Now,
	}
}

// Verify resolves a raw credential string to an identity or a typed rejection.
// The lexical check runs before any I/O, and the plaintext is never stored or
// logged; everything downstream works on its hash.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Identity, error) {
	if !security.ValidKeyFormat(raw) {
		return nil, ErrInvalidFormat
	}
	hash := security.HashAPIKey(raw)

	proj, hit := v.cachedProjection(ctx, hash)
	if !hit {
		loaded, errLoad := v.loadProjection(ctx, hash)
		if errLoad != nil {
			return nil, errLoad
		}
		proj = loaded
		v.storeProjection(ctx, hash, proj)
	}

	if !proj.Active {
		return nil, ErrCredentialInactive
	}
	if proj.ExpiresAt != nil && proj.ExpiresAt.Before(v.now()) {
		return nil, ErrCredentialExpired
	}

	v.bumpUsageAsync(proj.APIKeyID)

	return &Identity{
		APIKeyID:    proj.APIKeyID,
		AccountID:   proj.AccountID,
		Scopes:      proj.Scopes,
		MinuteLimit: proj.MinuteLimit,
		DayLimit:    proj.DayLimit,
		PlanTier:    proj.PlanTier,
		Balance:     proj.Balance,
	}, nil
}

// cachedProjection looks the hash up in the fast cache. Cache failures are
// logged and treated as misses so an unreachable cache degrades to store reads.
func (v *Verifier) cachedProjection(ctx context.Context, hash string) (*projection, bool) {
	if v.cache == nil {
		return nil, false
	}
	val, ok, errGet := v.cache.Get(ctx, cacheKey(hash))
	if errGet != nil {
		log.WithError(errGet).Warn("access: credential cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var proj projection
	if errUnmarshal := json.Unmarshal([]byte(val), &proj); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("access: credential cache entry corrupt")
		return nil, false
	}
	return &proj, true
}

func (v *Verifier) storeProjection(ctx context.Context, hash string, proj *projection) {
	if v.cache == nil {
		return
	}
	payload, errMarshal := json.Marshal(proj)
	if errMarshal != nil {
		return
	}
	if errSet := v.cache.SetWithTTL(ctx, cacheKey(hash), string(payload), v.ttl); errSet != nil {
		log.WithError(errSet).Warn("access: credential cache write failed")
	}
}

// loadProjection joins the credential, its account, and its balance snapshot
// in one store read.
func (v *Verifier) loadProjection(ctx context.Context, hash string) (*projection, error) {
	var apiKey models.APIKey
	err := v.db.WithContext(ctx).
		Preload("Account").
		Where("key_hash = ?", hash).
		First(&apiKey).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrCredentialNotFound
	default:
		return nil, fmt.Errorf("%w: query credential: %v", ErrStoreUnavailable, err)
	}

	active := apiKey.Active && apiKey.RevokedAt == nil
	planTier := models.PlanFree
	if apiKey.Account != nil {
		if apiKey.Account.Disabled {
			active = false
		}
		planTier = apiKey.Account.PlanTier
	}

	var scopes []string
	if len(apiKey.Scopes) > 0 {
		if errUnmarshal := json.Unmarshal(apiKey.Scopes, &scopes); errUnmarshal != nil {
			log.WithError(errUnmarshal).Warnf("access: bad scopes payload for key %d", apiKey.ID)
		}
	}

	var snapshot models.Snapshot
	var balance models.Balance
	errBalance := v.db.WithContext(ctx).
		Where("account_id = ?", apiKey.AccountID).
		First(&balance).Error
	switch {
	case errBalance == nil:
		snapshot = balance.Snapshot()
	case errors.Is(errBalance, gorm.ErrRecordNotFound):
		// Missing balance rows are repaired lazily by the ledger.
	default:
		return nil, fmt.Errorf("%w: query balance: %v", ErrStoreUnavailable, errBalance)
	}

	return &projection{
		APIKeyID:    apiKey.ID,
		AccountID:   apiKey.AccountID,
		Scopes:      scopes,
		MinuteLimit: apiKey.MinuteLimit,
		DayLimit:    apiKey.DayLimit,
		PlanTier:    planTier,
		Active:      active,
		ExpiresAt:   apiKey.ExpiresAt,
		Balance:     snapshot,
	}, nil
}

// Forget drops the cached projection for a credential hash so revocations
// and key edits take effect before the TTL lapses.
func (v *Verifier) Forget(ctx context.Context, hash string) {
	if v.cache == nil || hash == "" {
		return
	}
	if errDelete := v.cache.Delete(ctx, cacheKey(hash)); errDelete != nil {
		log.WithError(errDelete).Warn("access: credential cache invalidation failed")
	}
}

// bumpUsageAsync schedules the last-used update and counter increment off
// the request path. Failures never affect the caller's response.
func (v *Verifier) bumpUsageAsync(apiKeyID uint64) {
	if v.db == nil || apiKeyID == 0 {
		return
	}
	go func() {
		bumpCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		now := time.Now().UTC()
		if errUpdate := v.db.WithContext(bumpCtx).Model(&models.APIKey{}).
			Where("id = ?", apiKeyID).
			Updates(map[string]any{
				"last_used_at": &now,
				"usage_count":  gorm.Expr("usage_count + 1"),
			}).Error; errUpdate != nil {
			log.WithError(errUpdate).Debug("access: usage bump failed")
		}
	}()
}

func cacheKey(hash string) string {
	return "credential:" + hash
}
