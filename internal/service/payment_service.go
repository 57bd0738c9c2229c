package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

var (
	// ErrUnknownPackage is returned for a checkout against an unlisted
	// token package.
	ErrUnknownPackage = errors.New("unknown token package")
	// ErrBadSignature is returned when a webhook signature does not match.
	ErrBadSignature = errors.New("webhook signature mismatch")
)

// TokenPackage is a purchasable bundle.
type TokenPackage struct {
	Code            string `json:"code"`
	Tokens          int    `json:"tokens"`
	PriceMinorUnits int    `json:"price_minor_units"`
}

// Packages lists the catalog in display order.
func Packages() []TokenPackage {
	return []TokenPackage{
		{Code: "starter", Tokens: 100, PriceMinorUnits: 19900},
		{Code: "standard", Tokens: 300, PriceMinorUnits: 49900},
		{Code: "studio", Tokens: 1000, PriceMinorUnits: 129900},
	}
}

func packageByCode(code string) (TokenPackage, bool) {
	for _, p := range Packages() {
		if p.Code == code {
			return p, true
		}
	}
	return TokenPackage{}, false
}

type paymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	Settle(ctx context.Context, externalID string, payload string) (bool, error)
	Cancel(ctx context.Context, externalID string, payload string) error
}

// PaymentConfig is the provider credential set.
type PaymentConfig struct {
	ShopID        string
	SecretKey     string
	WebhookSecret string
	ReturnURL     string
	Currency      string
	APIBaseURL    string
}

// PaymentService creates provider payments and settles webhooks. Settlement
// is exactly-once: the conditional status transition in the repository is
// the idempotency gate, and tokens are credited only when it applies.
type PaymentService struct {
	cfg      PaymentConfig
	payments paymentStore
	tokens   *TokenService
	client   *http.Client
	log      *slog.Logger
}

func NewPaymentService(cfg PaymentConfig, payments paymentStore, tokens *TokenService, log *slog.Logger) *PaymentService {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.yookassa.ru/v3"
	}
	return &PaymentService{
		cfg:      cfg,
		payments: payments,
		tokens:   tokens,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// CheckoutResult is returned to the client to complete payment.
type CheckoutResult struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
	Tokens          int    `json:"tokens"`
	Amount          int    `json:"amount"`
	Currency        string `json:"currency"`
}

// Checkout creates a provider payment for a token package and records it
// as pending.
func (s *PaymentService) Checkout(ctx context.Context, userID int64, packageCode string) (*CheckoutResult, error) {
	pkg, ok := packageByCode(packageCode)
	if !ok {
		return nil, ErrUnknownPackage
	}

	created, err := s.createProviderPayment(ctx, pkg)
	if err != nil {
		return nil, err
	}

	record := &models.Payment{
		UserID:     userID,
		ExternalID: created.ID,
		Amount:     pkg.PriceMinorUnits,
		Currency:   s.cfg.Currency,
		Status:     models.PaymentPending,
		Tokens:     pkg.Tokens,
		RawPayload: string(jsonMustMarshal(created)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	return &CheckoutResult{
		PaymentID:       created.ID,
		ConfirmationURL: created.Confirmation.URL,
		Tokens:          pkg.Tokens,
		Amount:          pkg.PriceMinorUnits,
		Currency:        s.cfg.Currency,
	}, nil
}

type providerPayment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createProviderPayment(ctx context.Context, pkg TokenPackage) (*providerPayment, error) {
	if s.cfg.ShopID == "" || s.cfg.SecretKey == "" {
		return nil, fmt.Errorf("payment provider credentials are not configured")
	}

	returnURL := s.cfg.ReturnURL
	if returnURL == "" {
		returnURL = "https://glowstyle.app/payment/return"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    fmt.Sprintf("%.2f", float64(pkg.PriceMinorUnits)/100),
			"currency": s.cfg.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("Token package %s (%d tokens)", pkg.Code, pkg.Tokens),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBaseURL+"/payments", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.ShopID, s.cfg.SecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	var parsed providerPayment
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid provider response (missing id or confirmation url)")
	}
	return &parsed, nil
}

// VerifySignature checks the webhook HMAC-SHA256 signature in constant
// time. An empty signature never verifies.
func (s *PaymentService) VerifySignature(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// Sign computes the signature for a payload. Exposed for tests and local
// webhook tooling.
func (s *PaymentService) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook settles a payment event. Business no-ops (unknown payment,
// replayed event, unhandled event type) return nil so the provider stops
// retrying; only storage failures surface as errors.
func (s *PaymentService) HandleWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		s.log.Warn("webhook parse failed", "err", err)
		return nil
	}
	if evt.Object.ID == "" {
		s.log.Warn("webhook missing payment id", "event", evt.Event)
		return nil
	}

	pmt, err := s.payments.FindByExternalID(ctx, evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		s.log.Warn("webhook for unknown payment", "external_id", evt.Object.ID)
		return nil
	}

	switch evt.Event {
	case "payment.succeeded":
		settled, err := s.payments.Settle(ctx, evt.Object.ID, string(payload))
		if err != nil {
			return fmt.Errorf("settle payment: %w", err)
		}
		if !settled {
			// Replayed webhook; the first delivery already credited.
			return nil
		}
		if _, err := s.tokens.AddTokens(ctx, pmt.UserID, pmt.Tokens, models.TransactionPurchase,
			fmt.Sprintf("Token purchase %s", pmt.ExternalID)); err != nil {
			return fmt.Errorf("credit purchased tokens: %w", err)
		}
		s.log.Info("payment settled", "external_id", pmt.ExternalID, "user_id", pmt.UserID, "tokens", pmt.Tokens)
		return nil
	case "payment.canceled":
		if err := s.payments.Cancel(ctx, evt.Object.ID, string(payload)); err != nil {
			return fmt.Errorf("cancel payment: %w", err)
		}
		return nil
	default:
		s.log.Info("webhook event ignored", "event", evt.Event)
		return nil
	}
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
