package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/access"
	"github.com/darwin7381/oao-to-sub001/internal/cache"
	"github.com/darwin7381/oao-to-sub001/internal/db"
	"github.com/darwin7381/oao-to-sub001/internal/ledger"
	"github.com/darwin7381/oao-to-sub001/internal/models"
	"github.com/darwin7381/oao-to-sub001/internal/ratelimit"
	"github.com/darwin7381/oao-to-sub001/internal/security"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	conn     *gorm.DB
	verifier *access.Verifier
	limiter  *ratelimit.Limiter
	ledger   *ledger.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:http_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	mem := cache.NewMemory()
	return &testEnv{
		conn:     conn,
		verifier: access.NewVerifier(conn, mem),
		limiter:  ratelimit.NewLimiter(mem),
		ledger:   ledger.NewLedger(conn),
	}
}

// meteredEngine registers a single protected route with the given scope and cost.
func (env *testEnv) meteredEngine(scope string, cost int64) *gin.Engine {
	middleware := NewAccessMiddleware(env.verifier, env.limiter, env.ledger, nil)
	engine := gin.New()
	engine.GET("/v1/resource", middleware.Require(scope, cost), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return engine
}

func (env *testEnv) issueKey(t *testing.T, planTier string, balance models.Balance, minuteLimit, dayLimit int64, scopes []string) string {
	t.Helper()
	account := models.Account{
		Name:     "acct",
		Email:    fmt.Sprintf("acct_%d@example.com", time.Now().UnixNano()),
		PlanTier: planTier,
	}
	if errCreate := env.conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	balance.AccountID = account.ID
	if errCreate := env.conn.Create(&balance).Error; errCreate != nil {
		t.Fatalf("create balance: %v", errCreate)
	}

	token, errGenerate := security.GenerateAPIKey(security.EnvTest)
	if errGenerate != nil {
		t.Fatalf("generate key: %v", errGenerate)
	}
	scopesJSON, _ := json.Marshal(scopes)
	apiKey := models.APIKey{
		AccountID:   account.ID,
		Name:        "test key",
		KeyHash:     security.HashAPIKey(token),
		KeyPrefix:   token[:8],
		Scopes:      datatypes.JSON(scopesJSON),
		MinuteLimit: minuteLimit,
		DayLimit:    dayLimit,
		Active:      true,
	}
	if errCreate := env.conn.Create(&apiKey).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return token
}

func doRequest(engine *gin.Engine, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareMissingKey(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("", 0)

	rec := doRequest(engine, http.MethodGet, "/v1/resource", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want 401", rec.Code)
	}
}

func TestMiddlewareRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("", 0)

	for _, token := range []string{
		"not-a-key",
		"oao_test_aaaaaaaaaaaaaaaaaaaa", // valid shape, never issued
	} {
		rec := doRequest(engine, http.MethodGet, "/v1/resource", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status got %d want 401", token, rec.Code)
		}
	}
}

func TestMiddlewareDeductsAndSetsHeaders(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("", 5)
	token := env.issueKey(t, models.PlanPro, models.Balance{MonthlyQuota: 100}, 60, 5000, nil)

	rec := doRequest(engine, http.MethodGet, "/v1/resource", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "59" {
		t.Fatalf("remaining header: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var balance models.Balance
	if errFind := env.conn.First(&balance).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	if balance.MonthlyUsed != 5 {
		t.Fatalf("monthly used: got %d want 5", balance.MonthlyUsed)
	}
}

func TestMiddlewareRateLimitRejectsWithoutDeducting(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("", 1)
	token := env.issueKey(t, models.PlanPro, models.Balance{MonthlyQuota: 100}, 1, 5000, nil)

	first := doRequest(engine, http.MethodGet, "/v1/resource", token, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status: got %d", first.Code)
	}
	second := doRequest(engine, http.MethodGet, "/v1/resource", token, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status: got %d want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing on 429")
	}
	if second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header: %q", second.Header().Get("X-RateLimit-Remaining"))
	}

	var balance models.Balance
	if errFind := env.conn.First(&balance).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	if balance.MonthlyUsed != 1 {
		t.Fatalf("rate-limited request deducted: monthly used %d", balance.MonthlyUsed)
	}
}

func TestMiddlewareInsufficientCredits(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("", 10)
	token := env.issueKey(t, models.PlanPro, models.Balance{}, 60, 5000, nil)

	rec := doRequest(engine, http.MethodGet, "/v1/resource", token, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d want 402", rec.Code)
	}
	var payload struct {
		Required  int64 `json:"required"`
		Available int64 `json:"available"`
	}
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &payload); errUnmarshal != nil {
		t.Fatalf("decode body: %v", errUnmarshal)
	}
	if payload.Required != 10 || payload.Available != 0 {
		t.Fatalf("payload: %+v", payload)
	}
}

func TestMiddlewareScopeEnforcement(t *testing.T) {
	env := newTestEnv(t)
	engine := env.meteredEngine("links:write", 0)

	missing := env.issueKey(t, models.PlanPro, models.Balance{MonthlyQuota: 10}, 60, 5000, []string{"links:read"})
	rec := doRequest(engine, http.MethodGet, "/v1/resource", missing, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing scope status: got %d want 403", rec.Code)
	}

	granted := env.issueKey(t, models.PlanPro, models.Balance{MonthlyQuota: 10}, 60, 5000, []string{"links:write"})
	rec = doRequest(engine, http.MethodGet, "/v1/resource", granted, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("granted scope status: got %d want 200", rec.Code)
	}
}

func TestAdminIssueAndRevokeFlow(t *testing.T) {
	env := newTestEnv(t)
	const adminToken = "test-admin-token"
	engine := NewRouter(RouterDeps{
		DB:         env.conn,
		Verifier:   env.verifier,
		Limiter:    env.limiter,
		Ledger:     env.ledger,
		AdminToken: adminToken,
	})

	// Create an account.
	rec := doRequest(engine, http.MethodPost, "/admin/accounts", adminToken,
		[]byte(`{"name":"acme","email":"ops@acme.test","plan_tier":"pro"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account: got %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &created); errUnmarshal != nil {
		t.Fatalf("decode account: %v", errUnmarshal)
	}

	// Issue a key; the plaintext must only appear here.
	rec = doRequest(engine, http.MethodPost, "/admin/keys", adminToken,
		[]byte(fmt.Sprintf(`{"account_id":%d,"name":"ci","env":"test"}`, created.ID)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: got %d body %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		ID  uint64 `json:"id"`
		Key string `json:"key"`
	}
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &issued); errUnmarshal != nil {
		t.Fatalf("decode key: %v", errUnmarshal)
	}
	if !security.ValidKeyFormat(issued.Key) {
		t.Fatalf("issued key has bad format: %q", issued.Key)
	}
	var stored models.APIKey
	if errFind := env.conn.First(&stored, issued.ID).Error; errFind != nil {
		t.Fatalf("load stored key: %v", errFind)
	}
	if stored.KeyHash == issued.Key {
		t.Fatal("plaintext key persisted")
	}
	if stored.KeyHash != security.HashAPIKey(issued.Key) {
		t.Fatal("stored hash does not match issued key")
	}

	// The key works against the protected surface.
	rec = doRequest(engine, http.MethodGet, "/v1/whoami", issued.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("whoami: got %d body %s", rec.Code, rec.Body.String())
	}

	// Revocation takes effect immediately, cached projection included.
	rec = doRequest(engine, http.MethodDelete, fmt.Sprintf("/admin/keys/%d", issued.ID), adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke: got %d body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(engine, http.MethodGet, "/v1/whoami", issued.Key, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("whoami after revoke: got %d want 401", rec.Code)
	}
}

func TestAdminCreditEndpoint(t *testing.T) {
	env := newTestEnv(t)
	const adminToken = "test-admin-token"
	engine := NewRouter(RouterDeps{
		DB:         env.conn,
		Verifier:   env.verifier,
		Limiter:    env.limiter,
		Ledger:     env.ledger,
		AdminToken: adminToken,
	})

	account := models.Account{Name: "acme", Email: "fin@acme.test", PlanTier: models.PlanPro}
	if errCreate := env.conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	if errCreate := env.conn.Create(&models.Balance{AccountID: account.ID}).Error; errCreate != nil {
		t.Fatalf("create balance: %v", errCreate)
	}

	rec := doRequest(engine, http.MethodPost, fmt.Sprintf("/admin/accounts/%d/credit", account.ID), adminToken,
		[]byte(`{"amount":500,"reason":"invoice 42"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: got %d body %s", rec.Code, rec.Body.String())
	}

	var balance models.Balance
	if errFind := env.conn.Where("account_id = ?", account.ID).First(&balance).Error; errFind != nil {
		t.Fatalf("load balance: %v", errFind)
	}
	if balance.PurchasedBalance != 500 {
		t.Fatalf("purchased: got %d want 500", balance.PurchasedBalance)
	}

	rec = doRequest(engine, http.MethodGet, fmt.Sprintf("/admin/accounts/%d/transactions", account.ID), adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: got %d", rec.Code)
	}
	var listed struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &listed); errUnmarshal != nil {
		t.Fatalf("decode transactions: %v", errUnmarshal)
	}
	if len(listed.Transactions) != 1 || listed.Transactions[0].Type != models.TxTypeCreditAdd {
		t.Fatalf("transactions: %+v", listed.Transactions)
	}
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)
	engine := NewRouter(RouterDeps{
		DB:         env.conn,
		Verifier:   env.verifier,
		Limiter:    env.limiter,
		Ledger:     env.ledger,
		AdminToken: "right-token",
	})

	rec := doRequest(engine, http.MethodPost, "/admin/accounts", "wrong-token", []byte(`{}`))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d want 401", rec.Code)
	}

	disabled := NewRouter(RouterDeps{
		DB:       env.conn,
		Verifier: env.verifier,
		Limiter:  env.limiter,
		Ledger:   env.ledger,
	})
	rec = doRequest(disabled, http.MethodPost, "/admin/accounts", "anything", []byte(`{}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disabled admin: got %d want 403", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	engine := NewRouter(RouterDeps{
		DB:       env.conn,
		Verifier: env.verifier,
		Limiter:  env.limiter,
		Ledger:   env.ledger,
	})
	rec := doRequest(engine, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
}
