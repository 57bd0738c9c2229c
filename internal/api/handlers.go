package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/glowstyle/glowstyle-backend/internal/genapi"
	"github.com/glowstyle/glowstyle-backend/internal/models"
	"github.com/glowstyle/glowstyle-backend/internal/service"
)

type generateRequest struct {
	UserImages []string `json:"userImages"`
	Config     struct {
		Trend      string `json:"trend"`
		Quality    string `json:"quality"`
		Ratio      string `json:"ratio"`
		ImageCount int    `json:"imageCount"`
	} `json:"config"`
}

// fieldError is one structured validation failure.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (r generateRequest) validate() []fieldError {
	var errs []fieldError
	if len(r.UserImages) == 0 {
		errs = append(errs, fieldError{Field: "userImages", Message: "at least one image is required"})
	}
	for _, u := range r.UserImages {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fieldError{Field: "userImages", Message: "image references must be URLs"})
			break
		}
	}
	if r.Config.Trend == "" {
		errs = append(errs, fieldError{Field: "config.trend", Message: "trend is required"})
	}
	if q := models.Quality(r.Config.Quality); r.Config.Quality != "" && q.Rank() < 0 {
		errs = append(errs, fieldError{Field: "config.quality", Message: "quality must be one of 1K, 2K, 4K"})
	}
	if r.Config.ImageCount < 0 || r.Config.ImageCount > 4 {
		errs = append(errs, fieldError{Field: "config.imageCount", Message: "imageCount must be between 1 and 4"})
	}
	return errs
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	if !s.limiter.Allow(user.ID) {
		s.writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxGenerateBody)
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		s.writeValidationErrors(w, errs)
		return
	}

	quality := models.Quality(req.Config.Quality)
	if req.Config.Quality == "" {
		quality = models.Quality1K
	}
	imageCount := req.Config.ImageCount
	if imageCount == 0 {
		imageCount = 1
	}

	result, err := s.generations.Generate(r.Context(), user, service.GenerateRequest{
		Trend:       req.Config.Trend,
		Quality:     quality,
		AspectRatio: req.Config.Ratio,
		ImageCount:  imageCount,
		SourceURLs:  req.UserImages,
	})
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"generationId": result.GenerationID,
		"images":       result.ImageURLs,
		"tokens": map[string]int{
			"spent":     result.TokensSpent,
			"remaining": result.Balance,
		},
		"free": result.Free,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	items, err := s.generations.History(r.Context(), user)
	if err != nil {
		s.internalError(w, "list history", err)
		return
	}

	type historyItem struct {
		ID        string   `json:"id"`
		Status    string   `json:"status"`
		Trend     string   `json:"trend"`
		Quality   string   `json:"quality"`
		Images    []string `json:"images"`
		CreatedAt string   `json:"createdAt"`
	}
	out := make([]historyItem, 0, len(items))
	for _, g := range items {
		out = append(out, historyItem{
			ID:        g.ID,
			Status:    string(g.Status),
			Trend:     g.Trend,
			Quality:   string(g.Quality),
			Images:    g.ImageURLs,
			CreatedAt: g.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"generations": out})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	snap, err := s.tokens.Snapshot(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "token snapshot", err)
		return
	}
	free, err := s.generations.FreeStatus(r.Context(), user)
	if err != nil {
		s.internalError(w, "free status", err)
		return
	}

	var lastBonus *string
	if snap.LastBonusDate != nil {
		v := snap.LastBonusDate.Format("2006-01-02")
		lastBonus = &v
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"balance":       snap.Balance,
		"lastBonusDate": lastBonus,
		"serverDate":    snap.ServerDate.Format("2006-01-02"),
		"canClaimBonus": snap.CanClaimBonus,
		"freeGenerations": map[string]any{
			"remaining":  free.Remaining,
			"total":      free.Total,
			"maxQuality": string(free.MaxQuality),
		},
		"plan": string(user.Plan),
	})
}

func (s *Server) handleClaimBonus(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	result, err := s.tokens.ClaimDailyBonus(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "claim bonus", err)
		return
	}
	if !result.Claimed {
		s.writeError(w, http.StatusBadRequest, "bonus already claimed today")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tokensAwarded": result.Amount,
		"balance":       result.NewBalance,
	})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"packages": service.Packages()})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)

	var req struct {
		Package string `json:"package"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Package == "" {
		s.writeValidationErrors(w, []fieldError{{Field: "package", Message: "package is required"}})
		return
	}

	result, err := s.payments.Checkout(r.Context(), user.ID, req.Package)
	if errors.Is(err, service.ErrUnknownPackage) {
		s.writeValidationErrors(w, []fieldError{{Field: "package", Message: "unknown package"}})
		return
	}
	if err != nil {
		s.internalError(w, "checkout", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handlePaymentWebhook acknowledges business no-ops with 200 so the
// provider stops retrying; only storage failures return 500 to request a
// provider-side retry.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxGenerateBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body error")
		return
	}

	if !s.payments.VerifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), body); err != nil {
		s.log.Error("payment webhook", "err", err)
		s.writeError(w, http.StatusInternalServerError, "temporary failure, retry")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleDeleteAnonymous(w http.ResponseWriter, r *http.Request) {
	n, err := s.users.DeleteAnonymous(r.Context())
	if err != nil {
		s.internalError(w, "delete anonymous", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	user, err := s.users.SetPlan(r.Context(), id, models.Plan(req.Plan))
	if errors.Is(err, service.ErrUnknownPlan) {
		s.writeValidationErrors(w, []fieldError{{Field: "plan", Message: "plan must be one of free, premium, pro"}})
		return
	}
	if errors.Is(err, service.ErrUserNotFound) {
		s.writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.internalError(w, "set plan", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"userId": user.ID,
		"plan":   string(user.Plan),
	})
}

// handleLedgerAudit compares a user's balance against the sum of their
// transactions.
func (s *Server) handleLedgerAudit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	snap, err := s.tokens.Snapshot(r.Context(), id)
	if err != nil {
		s.internalError(w, "ledger audit snapshot", err)
		return
	}
	sum, err := s.tokens.LedgerSum(r.Context(), id)
	if err != nil {
		s.internalError(w, "ledger audit sum", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"balance":        snap.Balance,
		"transactionSum": sum,
		"consistent":     snap.Balance == sum,
	})
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientTokens):
		s.writeError(w, http.StatusPaymentRequired, "not enough tokens, top up your balance")
	case errors.Is(err, genapi.ErrSafetyRejected):
		s.writeError(w, http.StatusBadRequest, "the image was rejected by the safety filter")
	case errors.Is(err, genapi.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "the request could not be processed")
	case errors.Is(err, genapi.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "the generation service is busy, try again shortly")
	default:
		s.internalError(w, "generate", err)
	}
}
