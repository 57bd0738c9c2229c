package models

import "time"

// IdentitySource names the credential a user was resolved from.
// Resolution priority is telegram > clerk > device.
type IdentitySource string

const (
	IdentityTelegram IdentitySource = "telegram"
	IdentityClerk    IdentitySource = "clerk"
	IdentityDevice   IdentitySource = "device"
)

// Identified reports whether the source counts as a real account rather
// than an anonymous device.
func (s IdentitySource) Identified() bool {
	return s == IdentityTelegram || s == IdentityClerk
}

type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionBonus      TransactionType = "bonus"
	TransactionGeneration TransactionType = "generation"
	TransactionRefund     TransactionType = "refund"
)

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentCanceled  PaymentStatus = "canceled"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
	PlanPro     Plan = "pro"
)

// Quality is an image resolution tier. Tiers are ordered: 1K < 2K < 4K.
type Quality string

const (
	Quality1K Quality = "1K"
	Quality2K Quality = "2K"
	Quality4K Quality = "4K"
)

// Rank returns the ordinal position of the quality tier, or -1 for unknown values.
func (q Quality) Rank() int {
	switch q {
	case Quality1K:
		return 0
	case Quality2K:
		return 1
	case Quality4K:
		return 2
	default:
		return -1
	}
}

type User struct {
	ID         int64
	ClerkID    string
	TelegramID string
	DeviceID   string
	Email      string
	FirstName  string
	LastName   string
	Plan       Plan
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type UserTokens struct {
	UserID        int64
	Balance       int
	LastBonusDate *time.Time
	UpdatedAt     time.Time
}

type TokenTransaction struct {
	ID          int64
	UserID      int64
	Amount      int
	Type        TransactionType
	Description string
	CreatedAt   time.Time
}

type Generation struct {
	ID           string
	UserID       int64
	Status       GenerationStatus
	Trend        string
	Quality      Quality
	AspectRatio  string
	ImageCount   int
	ImageURLs    []string
	ErrorMessage string
	TokensSpent  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Payment struct {
	ID         int64
	UserID     int64
	ExternalID string
	Amount     int
	Currency   string
	Status     PaymentStatus
	Tokens     int
	RawPayload string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
