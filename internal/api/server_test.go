package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowstyle/glowstyle-backend/internal/cache"
	"github.com/glowstyle/glowstyle-backend/internal/config"
	"github.com/glowstyle/glowstyle-backend/internal/genapi"
	"github.com/glowstyle/glowstyle-backend/internal/models"
	"github.com/glowstyle/glowstyle-backend/internal/repository"
	"github.com/glowstyle/glowstyle-backend/internal/resilience"
	"github.com/glowstyle/glowstyle-backend/internal/service"
)

// In-memory stores backing a full server for handler tests. They keep the
// same conditional-update semantics the SQL repositories have.

type memLedger struct {
	mu       sync.Mutex
	balances map[int64]int
	hasRow   map[int64]bool
	bonusDay map[int64]bool
	txs      []models.TokenTransaction
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[int64]int),
		hasRow:   make(map[int64]bool),
		bonusDay: make(map[int64]bool),
	}
}

func (m *memLedger) EnsureRecord(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRow[userID] {
		m.hasRow[userID] = true
	}
	return nil
}

func (m *memLedger) ApplyDelta(_ context.Context, userID int64, amount int, txType models.TransactionType, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRow[userID] {
		return 0, repository.ErrNoTokenRecord
	}
	m.balances[userID] += amount
	m.txs = append(m.txs, models.TokenTransaction{UserID: userID, Amount: amount, Type: txType, Description: description})
	return m.balances[userID], nil
}

func (m *memLedger) SpendDelta(_ context.Context, userID int64, amount int, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRow[userID] {
		return 0, repository.ErrNoTokenRecord
	}
	if m.balances[userID] < amount {
		return 0, repository.ErrInsufficientBalance
	}
	m.balances[userID] -= amount
	m.txs = append(m.txs, models.TokenTransaction{UserID: userID, Amount: -amount, Type: models.TransactionGeneration, Description: description})
	return m.balances[userID], nil
}

func (m *memLedger) ClaimDailyBonus(_ context.Context, userID int64, amount int) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRow[userID] {
		return false, 0, repository.ErrNoTokenRecord
	}
	if m.bonusDay[userID] {
		return false, 0, nil
	}
	m.bonusDay[userID] = true
	m.balances[userID] += amount
	m.txs = append(m.txs, models.TokenTransaction{UserID: userID, Amount: amount, Type: models.TransactionBonus, Description: "Daily bonus"})
	return true, m.balances[userID], nil
}

func (m *memLedger) GrantWelcomeBonus(_ context.Context, userID int64, amount int, description string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Description == description {
			return false, nil
		}
	}
	m.balances[userID] += amount
	m.txs = append(m.txs, models.TokenTransaction{UserID: userID, Amount: amount, Type: models.TransactionBonus, Description: description})
	return true, nil
}

func (m *memLedger) Snapshot(_ context.Context, userID int64) (*repository.TokenSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasRow[userID] {
		return nil, repository.ErrNoTokenRecord
	}
	return &repository.TokenSnapshot{
		Balance:       m.balances[userID],
		ServerDate:    time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		CanClaimBonus: !m.bonusDay[userID],
	}, nil
}

func (m *memLedger) HasTransaction(_ context.Context, userID int64, description string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Description == description {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) SumTransactions(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, tx := range m.txs {
		if tx.UserID == userID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

type memUserStore struct {
	mu     sync.Mutex
	users  []*models.User
	nextID int64
}

func (m *memUserStore) find(match func(*models.User) bool) *models.User {
	for _, u := range m.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

func (m *memUserStore) FindByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(u *models.User) bool { return u.ID == id }), nil
}

func (m *memUserStore) FindByTelegramID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(u *models.User) bool { return u.TelegramID == id }), nil
}

func (m *memUserStore) FindByClerkID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(u *models.User) bool { return u.ClerkID == id }), nil
}

func (m *memUserStore) FindByDeviceID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(func(u *models.User) bool { return u.DeviceID == id }), nil
}

func (m *memUserStore) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *user
	cp.ID = m.nextID
	m.users = append(m.users, &cp)
	out := cp
	return &out, nil
}

func (m *memUserStore) UpdateProfile(_ context.Context, userID int64, email, firstName, lastName string) error {
	return nil
}

func (m *memUserStore) SetPlan(_ context.Context, userID int64, plan models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == userID {
			u.Plan = plan
		}
	}
	return nil
}

func (m *memUserStore) DeleteAnonymous(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.users[:0]
	var removed int64
	for _, u := range m.users {
		if u.TelegramID == "" && u.ClerkID == "" {
			removed++
			continue
		}
		kept = append(kept, u)
	}
	m.users = kept
	return removed, nil
}

type memGenStore struct {
	mu      sync.Mutex
	created []*models.Generation
}

func (m *memGenStore) Create(_ context.Context, g *models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.created = append(m.created, &cp)
	return nil
}

func (m *memGenStore) MarkCompleted(_ context.Context, id string, imageURLs []string, tokensSpent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.created {
		if g.ID == id {
			g.Status = models.GenerationCompleted
			g.ImageURLs = imageURLs
			g.TokensSpent = tokensSpent
		}
	}
	return nil
}

func (m *memGenStore) MarkFailed(_ context.Context, id string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.created {
		if g.ID == id {
			g.Status = models.GenerationFailed
			g.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (m *memGenStore) CountToday(_ context.Context, _ int64) (int, error) {
	return 0, nil
}

func (m *memGenStore) ListRecent(_ context.Context, userID int64, limit int) ([]models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Generation
	for _, g := range m.created {
		if g.UserID == userID && len(out) < limit {
			out = append(out, *g)
		}
	}
	return out, nil
}

type memPaymentStore struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func newMemPaymentStore() *memPaymentStore {
	return &memPaymentStore{payments: make(map[string]*models.Payment)}
}

func (m *memPaymentStore) Create(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *payment
	m.payments[payment.ExternalID] = &cp
	return nil
}

func (m *memPaymentStore) FindByExternalID(_ context.Context, externalID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pmt, ok := m.payments[externalID]
	if !ok {
		return nil, nil
	}
	cp := *pmt
	return &cp, nil
}

func (m *memPaymentStore) Settle(_ context.Context, externalID string, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pmt, ok := m.payments[externalID]
	if !ok || pmt.Status == models.PaymentSucceeded {
		return false, nil
	}
	pmt.Status = models.PaymentSucceeded
	return true, nil
}

func (m *memPaymentStore) Cancel(_ context.Context, externalID string, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pmt, ok := m.payments[externalID]; ok && pmt.Status != models.PaymentSucceeded {
		pmt.Status = models.PaymentCanceled
	}
	return nil
}

type memStylizer struct {
	mu    sync.Mutex
	calls int
}

func (m *memStylizer) Stylize(_ context.Context, _ string, _ genapi.StylizeRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return fmt.Sprintf("https://upstream.example/out-%d.png", m.calls), nil
}

func (m *memStylizer) FetchImage(_ context.Context, url string) ([]byte, string, error) {
	return []byte("png"), "image/png", nil
}

type serverFixture struct {
	srv      *httptest.Server
	ledger   *memLedger
	payments *memPaymentStore
	payment  *service.PaymentService
}

func newServerFixture(t *testing.T, rateLimit int) *serverFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := newMemLedger()
	tokens := service.NewTokenService(ledger, cache.New(10*time.Second, 100), log, 20)
	users := service.NewUserService(&memUserStore{}, log)

	reg := resilience.NewRegistry(resilience.DefaultBreakerConfig())
	fallback := genapi.NewFallback(reg, log, "test-key")
	generations := service.NewGenerationService(log, tokens, &memGenStore{}, &memStylizer{}, fallback, nil)

	paymentStore := newMemPaymentStore()
	payments := service.NewPaymentService(service.PaymentConfig{
		ShopID:        "shop-1",
		SecretKey:     "secret",
		WebhookSecret: "webhook-secret",
		Currency:      "RUB",
	}, paymentStore, tokens, log)

	s := NewServer(config.Config{
		ListenAddr:         ":0",
		AdminSecret:        "admin-secret",
		AllowedOrigins:     []string{"*"},
		RateLimitPerMinute: rateLimit,
	}, log, nil, users, tokens, generations, payments)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, ledger: ledger, payments: paymentStore, payment: payments}
}

func (fx *serverFixture) do(t *testing.T, method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &parsed))
	}
	return resp, parsed
}

func clerkHeaders(id string) map[string]string {
	return map[string]string{"X-Clerk-Id": id}
}

func validGenerateBody() map[string]any {
	return map[string]any{
		"userImages": []string{"https://example.com/in.jpg"},
		"config": map[string]any{
			"trend":      "vintage",
			"quality":    "1K",
			"imageCount": 1,
		},
	}
}

func TestAPI_RequiresIdentity(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodGet, "/api/tokens", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication required", body["error"])
}

func TestAPI_GenerateChargesWelcomeBalance(t *testing.T) {
	fx := newServerFixture(t, 0)

	// First contact creates the account and grants the welcome bonus, which
	// covers a 1K generation on the free plan.
	resp, body := fx.do(t, http.MethodPost, "/api/generations", clerkHeaders("c1"), validGenerateBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tokens := body["tokens"].(map[string]any)
	assert.Equal(t, float64(5), tokens["spent"])
	assert.Equal(t, float64(15), tokens["remaining"])
	assert.Equal(t, false, body["free"])
	assert.Len(t, body["images"], 1)
	assert.NotEmpty(t, body["generationId"])
}

func TestAPI_GenerateInsufficientTokens(t *testing.T) {
	fx := newServerFixture(t, 0)

	req := validGenerateBody()
	req["config"].(map[string]any)["quality"] = "4K"
	req["config"].(map[string]any)["imageCount"] = 4

	resp, body := fx.do(t, http.MethodPost, "/api/generations", clerkHeaders("c1"), req)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, body["error"], "not enough tokens")
}

func TestAPI_GenerateValidation(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodPost, "/api/generations", clerkHeaders("c1"), map[string]any{
		"userImages": []string{"ftp://bad"},
		"config":     map[string]any{"quality": "9K", "imageCount": 7},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation failed", body["error"])
	assert.NotEmpty(t, body["fields"])
}

func TestAPI_GenerateRateLimited(t *testing.T) {
	fx := newServerFixture(t, 1)

	resp, _ := fx.do(t, http.MethodPost, "/api/generations", clerkHeaders("c1"), validGenerateBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/api/generations", clerkHeaders("c1"), validGenerateBody())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestAPI_TokenBalance(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodGet, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(20), body["balance"], "welcome bonus granted on first contact")
	assert.Equal(t, true, body["canClaimBonus"])
	assert.Equal(t, "free", body["plan"])

	free := body["freeGenerations"].(map[string]any)
	assert.Equal(t, float64(0), free["total"])
	assert.Equal(t, "1K", free["maxQuality"])
}

func TestAPI_AnonymousGetsNoWelcomeBonus(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodGet, "/api/tokens", map[string]string{"X-Device-Id": "d1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["balance"])
}

func TestAPI_ClaimBonusOncePerDay(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodPost, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	awarded := body["tokensAwarded"].(float64)
	assert.GreaterOrEqual(t, awarded, float64(1))
	assert.LessOrEqual(t, awarded, float64(10))

	resp, body = fx.do(t, http.MethodPost, "/api/tokens", clerkHeaders("c1"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bonus already claimed today", body["error"])
}

func TestAPI_ListPackages(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodGet, "/api/packages", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["packages"], 3)
}

func TestAPI_WebhookRejectsBadSignature(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, body := fx.do(t, http.MethodPost, "/webhooks/payment",
		map[string]string{"X-Webhook-Signature": "deadbeef"},
		map[string]any{"event": "payment.succeeded"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid signature", body["error"])
}

func TestAPI_WebhookSettlesOnce(t *testing.T) {
	fx := newServerFixture(t, 0)

	// Create the account, then seed a pending payment for it.
	resp, _ := fx.do(t, http.MethodGet, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, fx.payments.Create(context.Background(), &models.Payment{
		UserID:     1,
		ExternalID: "pay-1",
		Amount:     19900,
		Currency:   "RUB",
		Status:     models.PaymentPending,
		Tokens:     100,
	}))

	payload := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`)
	sig := fx.payment.Sign(payload)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodPost, fx.srv.URL+"/webhooks/payment", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("X-Webhook-Signature", sig)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	sum, err := fx.ledger.SumTransactions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 120, sum, "welcome bonus plus one purchase credit")
}

func TestAPI_AdminRequiresSecret(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, _ := fx.do(t, http.MethodDelete, "/admin/users/anonymous", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := fx.do(t, http.MethodDelete, "/admin/users/anonymous",
		map[string]string{"X-Admin-Secret": "admin-secret"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["deleted"])
}

func TestAPI_AdminSetPlan(t *testing.T) {
	fx := newServerFixture(t, 0)
	adminHeaders := map[string]string{"X-Admin-Secret": "admin-secret"}

	resp, _ := fx.do(t, http.MethodGet, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := fx.do(t, http.MethodPost, "/admin/users/1/plan", adminHeaders, map[string]string{"plan": "premium"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "premium", body["plan"])

	// The new plan shows up on the balance endpoint.
	resp, body = fx.do(t, http.MethodGet, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "premium", body["plan"])
	assert.Equal(t, float64(10), body["freeGenerations"].(map[string]any)["total"])

	resp, _ = fx.do(t, http.MethodPost, "/admin/users/1/plan", adminHeaders, map[string]string{"plan": "gold"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/admin/users/999/plan", adminHeaders, map[string]string{"plan": "pro"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_LedgerAudit(t *testing.T) {
	fx := newServerFixture(t, 0)

	resp, _ := fx.do(t, http.MethodGet, "/api/tokens", clerkHeaders("c1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := fx.do(t, http.MethodGet, "/admin/users/1/ledger",
		map[string]string{"X-Admin-Secret": "admin-secret"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(20), body["balance"])
	assert.Equal(t, float64(20), body["transactionSum"])
	assert.Equal(t, true, body["consistent"])
}
