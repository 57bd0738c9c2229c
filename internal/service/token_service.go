package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/glowstyle/glowstyle-backend/internal/cache"
	"github.com/glowstyle/glowstyle-backend/internal/models"
	"github.com/glowstyle/glowstyle-backend/internal/repository"
)

// Welcome-bonus sentinel descriptions. Their presence in the transaction
// log is the idempotency witness for the one-time grant.
const (
	welcomeBonusDescription          = "Welcome bonus"
	welcomeBonusAnonymousDescription = "Welcome Pack (anonymous)"
	dailyBonusMax                    = 10
)

// tokenLedger is the repository surface TokenService needs; tests supply
// a fake.
type tokenLedger interface {
	EnsureRecord(ctx context.Context, userID int64) error
	ApplyDelta(ctx context.Context, userID int64, amount int, txType models.TransactionType, description string) (int, error)
	SpendDelta(ctx context.Context, userID int64, amount int, description string) (int, error)
	ClaimDailyBonus(ctx context.Context, userID int64, amount int) (bool, int, error)
	GrantWelcomeBonus(ctx context.Context, userID int64, amount int, description string) (bool, error)
	Snapshot(ctx context.Context, userID int64) (*repository.TokenSnapshot, error)
	HasTransaction(ctx context.Context, userID int64, description string) (bool, error)
	SumTransactions(ctx context.Context, userID int64) (int, error)
}

// TokenService implements the prepaid token economy: guarded spends,
// unconditional credits, and the two idempotent bonus grants. The cache is
// a 10-second read shadow, invalidated on every mutation.
type TokenService struct {
	ledger       tokenLedger
	cache        *cache.BalanceCache
	log          *slog.Logger
	welcomeBonus int
	// randInt returns a value in [0, n); replaced in tests.
	randInt func(n int) int
}

func NewTokenService(ledger tokenLedger, balances *cache.BalanceCache, log *slog.Logger, welcomeBonus int) *TokenService {
	return &TokenService{
		ledger:       ledger,
		cache:        balances,
		log:          log,
		welcomeBonus: welcomeBonus,
		randInt:      rand.Intn,
	}
}

// Balance returns the user's balance, served from the cache when fresh.
// Users predating the token table get their record created lazily.
func (s *TokenService) Balance(ctx context.Context, userID int64) (int, error) {
	if balance, ok := s.cache.Get(userID); ok {
		return balance, nil
	}
	snap, err := s.snapshotEnsuring(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.cache.Set(userID, snap.Balance)
	return snap.Balance, nil
}

// SpendResult reports the outcome of a guarded debit.
type SpendResult struct {
	Success    bool
	NewBalance int
}

// Spend debits amount when the balance covers it. The cheap cache check
// rejects obviously insufficient requests; the ledger's conditional update
// is the authoritative guard, so a stale cache can never drive the balance
// negative.
func (s *TokenService) Spend(ctx context.Context, userID int64, amount int, description string) (SpendResult, error) {
	if amount <= 0 {
		return SpendResult{}, fmt.Errorf("spend amount must be positive, got %d", amount)
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return SpendResult{}, err
	}
	if balance < amount {
		return SpendResult{Success: false, NewBalance: balance}, nil
	}

	newBalance, err := s.ledger.SpendDelta(ctx, userID, amount, description)
	if errors.Is(err, repository.ErrInsufficientBalance) {
		// Cache was stale; nothing was mutated.
		s.cache.Invalidate(userID)
		return SpendResult{Success: false, NewBalance: balance}, nil
	}
	if err != nil {
		return SpendResult{}, fmt.Errorf("spend tokens: %w", err)
	}

	s.cache.Invalidate(userID)
	s.cache.Set(userID, newBalance)
	return SpendResult{Success: true, NewBalance: newBalance}, nil
}

// AddTokens credits the balance unconditionally (purchases, bonuses,
// refunds), creating the token record if missing.
func (s *TokenService) AddTokens(ctx context.Context, userID int64, amount int, txType models.TransactionType, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if err := s.ledger.EnsureRecord(ctx, userID); err != nil {
		return 0, err
	}
	newBalance, err := s.ledger.ApplyDelta(ctx, userID, amount, txType, description)
	if err != nil {
		return 0, fmt.Errorf("add tokens: %w", err)
	}
	s.cache.Invalidate(userID)
	s.cache.Set(userID, newBalance)
	return newBalance, nil
}

// BonusResult reports a daily-bonus claim.
type BonusResult struct {
	Claimed    bool
	Amount     int
	NewBalance int
}

// ClaimDailyBonus awards a random 1..10 tokens once per server-side
// calendar day. The day check and the credit are one conditional statement,
// so concurrent claims cannot double-award.
func (s *TokenService) ClaimDailyBonus(ctx context.Context, userID int64) (BonusResult, error) {
	amount := s.randInt(dailyBonusMax) + 1

	claimed, newBalance, err := s.ledger.ClaimDailyBonus(ctx, userID, amount)
	if errors.Is(err, repository.ErrNoTokenRecord) {
		if err := s.ledger.EnsureRecord(ctx, userID); err != nil {
			return BonusResult{}, err
		}
		claimed, newBalance, err = s.ledger.ClaimDailyBonus(ctx, userID, amount)
	}
	if err != nil {
		return BonusResult{}, fmt.Errorf("claim daily bonus: %w", err)
	}
	if !claimed {
		return BonusResult{Claimed: false}, nil
	}

	s.cache.Invalidate(userID)
	s.cache.Set(userID, newBalance)
	return BonusResult{Claimed: true, Amount: amount, NewBalance: newBalance}, nil
}

// EnsureWelcomeBonus grants the one-time starting balance. Identified
// users (Clerk or Telegram) get the configured grant; anonymous device
// accounts get nothing, which closes the reinstall-farming loophole.
func (s *TokenService) EnsureWelcomeBonus(ctx context.Context, userID int64, source models.IdentitySource) (bool, error) {
	if !source.Identified() {
		return false, nil
	}

	granted, err := s.ledger.HasTransaction(ctx, userID, welcomeBonusDescription)
	if err != nil {
		return false, err
	}
	if granted {
		return false, nil
	}

	if err := s.ledger.EnsureRecord(ctx, userID); err != nil {
		return false, err
	}
	awarded, err := s.ledger.GrantWelcomeBonus(ctx, userID, s.welcomeBonus, welcomeBonusDescription)
	if err != nil {
		return false, fmt.Errorf("grant welcome bonus: %w", err)
	}
	if awarded {
		s.cache.Invalidate(userID)
		s.log.Info("welcome bonus granted", "user_id", userID, "amount", s.welcomeBonus)
	}
	return awarded, nil
}

// Snapshot reads the authoritative balance row together with the server
// date and bonus eligibility.
func (s *TokenService) Snapshot(ctx context.Context, userID int64) (*repository.TokenSnapshot, error) {
	return s.snapshotEnsuring(ctx, userID)
}

// LedgerSum totals the transaction log for a user. Used by the admin
// reconciliation endpoint to verify the balance matches its audit trail.
func (s *TokenService) LedgerSum(ctx context.Context, userID int64) (int, error) {
	return s.ledger.SumTransactions(ctx, userID)
}

func (s *TokenService) snapshotEnsuring(ctx context.Context, userID int64) (*repository.TokenSnapshot, error) {
	snap, err := s.ledger.Snapshot(ctx, userID)
	if errors.Is(err, repository.ErrNoTokenRecord) {
		if err := s.ledger.EnsureRecord(ctx, userID); err != nil {
			return nil, err
		}
		snap, err = s.ledger.Snapshot(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("token snapshot: %w", err)
	}
	return snap, nil
}
