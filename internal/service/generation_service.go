package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glowstyle/glowstyle-backend/internal/genapi"
	"github.com/glowstyle/glowstyle-backend/internal/models"
)

// ErrInsufficientTokens is returned when a paid generation cannot be
// charged. Nothing is mutated.
var ErrInsufficientTokens = errors.New("insufficient tokens")

const maxBatchSize = 4

type generationStore interface {
	Create(ctx context.Context, g *models.Generation) error
	MarkCompleted(ctx context.Context, id string, imageURLs []string, tokensSpent int) error
	MarkFailed(ctx context.Context, id string, errorMessage string) error
	CountToday(ctx context.Context, userID int64) (int, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]models.Generation, error)
}

type stylizeClient interface {
	Stylize(ctx context.Context, apiKey string, req genapi.StylizeRequest) (string, error)
	FetchImage(ctx context.Context, url string) ([]byte, string, error)
}

// resultUploader persists generated images durably. Optional; when nil the
// upstream's temporary URLs are returned as-is.
type resultUploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// GenerationService orchestrates a stylization request: free-quota or
// token charge, external calls through the credential fallback, and refund
// reconciliation on failure. Tokens are spent before the expensive work
// starts and compensated afterwards; there is no distributed transaction.
type GenerationService struct {
	log         *slog.Logger
	tokens      *TokenService
	generations generationStore
	client      stylizeClient
	fallback    *genapi.Fallback
	uploader    resultUploader
}

func NewGenerationService(log *slog.Logger, tokens *TokenService, generations generationStore, client stylizeClient, fallback *genapi.Fallback, uploader resultUploader) *GenerationService {
	return &GenerationService{
		log:         log,
		tokens:      tokens,
		generations: generations,
		client:      client,
		fallback:    fallback,
		uploader:    uploader,
	}
}

type GenerateRequest struct {
	Trend       string
	Quality     models.Quality
	AspectRatio string
	ImageCount  int
	SourceURLs  []string
}

type GenerateResult struct {
	GenerationID string
	ImageURLs    []string
	TokensSpent  int
	Balance      int
	Free         bool
}

func (r GenerateRequest) validate() error {
	if len(r.SourceURLs) == 0 {
		return fmt.Errorf("at least one source image is required")
	}
	if r.Quality.Rank() < 0 {
		return fmt.Errorf("unknown quality tier: %s", r.Quality)
	}
	if r.ImageCount < 1 || r.ImageCount > maxBatchSize {
		return fmt.Errorf("image count must be between 1 and %d", maxBatchSize)
	}
	return nil
}

// Generate runs the full pipeline for one user request.
func (s *GenerationService) Generate(ctx context.Context, user *models.User, req GenerateRequest) (*GenerateResult, error) {
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	free, err := s.freePathAllowed(ctx, user, req.Quality)
	if err != nil {
		return nil, err
	}

	cost := 0
	balance := 0
	if !free {
		cost = GenerationCost(req.Quality, req.ImageCount)
		spend, err := s.tokens.Spend(ctx, user.ID, cost, fmt.Sprintf("Generation: %s %s x%d", req.Trend, req.Quality, req.ImageCount))
		if err != nil {
			return nil, err
		}
		if !spend.Success {
			return nil, ErrInsufficientTokens
		}
		balance = spend.NewBalance
	}

	gen := &models.Generation{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Status:      models.GenerationProcessing,
		Trend:       req.Trend,
		Quality:     req.Quality,
		AspectRatio: req.AspectRatio,
		ImageCount:  req.ImageCount,
		TokensSpent: cost,
	}
	if err := s.generations.Create(ctx, gen); err != nil {
		// Charged but could not even record the attempt: compensate fully.
		s.refund(ctx, user.ID, cost, "Refund: generation could not be started")
		return nil, fmt.Errorf("create generation: %w", err)
	}

	urls, failures, lastErr := s.fanOut(ctx, req)

	if len(urls) == 0 {
		s.refund(ctx, user.ID, cost, "Refund: generation failed")
		if err := s.generations.MarkFailed(ctx, gen.ID, userFacingReason(lastErr)); err != nil {
			s.log.Error("mark generation failed", "generation_id", gen.ID, "err", err)
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("generation produced no images")
		}
		return nil, lastErr
	}

	spent := cost
	if failures > 0 && cost > 0 {
		refundAmount := cost * failures / req.ImageCount
		if refundAmount > 0 {
			s.refund(ctx, user.ID, refundAmount, fmt.Sprintf("Refund: %d of %d images failed", failures, req.ImageCount))
			spent = cost - refundAmount
		}
	}

	if err := s.generations.MarkCompleted(ctx, gen.ID, urls, spent); err != nil {
		s.log.Error("mark generation completed", "generation_id", gen.ID, "err", err)
	}

	// Re-read so the response reflects any partial refund.
	if b, err := s.tokens.Balance(ctx, user.ID); err == nil {
		balance = b
	}

	return &GenerateResult{
		GenerationID: gen.ID,
		ImageURLs:    urls,
		TokensSpent:  spent,
		Balance:      balance,
		Free:         free,
	}, nil
}

// fanOut runs the batch concurrently. Slots succeed or fail independently;
// nothing cancels siblings, matching the reconcile-per-image contract.
func (s *GenerationService) fanOut(ctx context.Context, req GenerateRequest) (urls []string, failures int, lastErr error) {
	results := make([]string, req.ImageCount)
	errs := make([]error, req.ImageCount)

	var g errgroup.Group
	for i := 0; i < req.ImageCount; i++ {
		i := i
		g.Go(func() error {
			// A panicking slot counts as a failed slot, so the refund
			// reconciliation still runs for it.
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("generation panic: %v", r)
				}
			}()
			url, err := s.generateOne(ctx, req)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = url
			return nil
		})
	}
	_ = g.Wait()

	for i := 0; i < req.ImageCount; i++ {
		if errs[i] != nil {
			failures++
			lastErr = errs[i]
			continue
		}
		urls = append(urls, results[i])
	}
	return urls, failures, lastErr
}

func (s *GenerationService) generateOne(ctx context.Context, req GenerateRequest) (string, error) {
	var resultURL string
	err := s.fallback.Do(ctx, func(ctx context.Context, apiKey string) error {
		url, err := s.client.Stylize(ctx, apiKey, genapi.StylizeRequest{
			Trend:       req.Trend,
			Quality:     req.Quality,
			AspectRatio: req.AspectRatio,
			SourceURLs:  req.SourceURLs,
		})
		if err != nil {
			return err
		}
		resultURL = url
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.uploader == nil {
		return resultURL, nil
	}
	// Upstream URLs are temporary; persist a durable copy. Falling back to
	// the upstream URL keeps a storage outage from failing the generation.
	data, contentType, err := s.client.FetchImage(ctx, resultURL)
	if err != nil {
		s.log.Warn("result fetch failed, returning upstream url", "err", err)
		return resultURL, nil
	}
	stored, err := s.uploader.Upload(ctx, data, contentType)
	if err != nil {
		s.log.Warn("result upload failed, returning upstream url", "err", err)
		return resultURL, nil
	}
	return stored, nil
}

func (s *GenerationService) freePathAllowed(ctx context.Context, user *models.User, quality models.Quality) (bool, error) {
	limits := LimitsFor(user.Plan)
	if !limits.CoversQuality(quality) {
		return false, nil
	}
	if limits.Unlimited() {
		return true, nil
	}
	if limits.DailyGenerations == 0 {
		return false, nil
	}
	used, err := s.generations.CountToday(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("count generations today: %w", err)
	}
	return limits.Remaining(used) > 0, nil
}

// FreeStatus summarizes the free-generation quota for the balance endpoint.
type FreeStatus struct {
	Remaining  int
	Total      int
	MaxQuality models.Quality
}

func (s *GenerationService) FreeStatus(ctx context.Context, user *models.User) (FreeStatus, error) {
	limits := LimitsFor(user.Plan)
	status := FreeStatus{Total: limits.DailyGenerations, MaxQuality: limits.MaxQuality}
	if limits.Unlimited() {
		status.Remaining = UnlimitedGenerations
		return status, nil
	}
	if limits.DailyGenerations == 0 {
		return status, nil
	}
	used, err := s.generations.CountToday(ctx, user.ID)
	if err != nil {
		return FreeStatus{}, fmt.Errorf("count generations today: %w", err)
	}
	status.Remaining = limits.Remaining(used)
	return status, nil
}

// History returns the user's recent generations within the plan's limit.
func (s *GenerationService) History(ctx context.Context, user *models.User) ([]models.Generation, error) {
	return s.generations.ListRecent(ctx, user.ID, LimitsFor(user.Plan).MaxHistory)
}

// refund is best-effort compensation; a failure here leaves the audit
// trail as the recovery path.
func (s *GenerationService) refund(ctx context.Context, userID int64, amount int, description string) {
	if amount <= 0 {
		return
	}
	if _, err := s.tokens.AddTokens(ctx, userID, amount, models.TransactionRefund, description); err != nil {
		s.log.Error("refund failed", "user_id", userID, "amount", amount, "err", err)
	}
}

func userFacingReason(err error) string {
	switch {
	case err == nil:
		return "generation failed"
	case errors.Is(err, genapi.ErrSafetyRejected):
		return "content rejected by safety filter"
	case errors.Is(err, genapi.ErrRateLimited):
		return "generation service is busy"
	default:
		return "generation failed"
	}
}
