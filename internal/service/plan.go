package service

import "github.com/glowstyle/glowstyle-backend/internal/models"

// UnlimitedGenerations marks a plan with no daily free-generation cap.
const UnlimitedGenerations = -1

// PlanLimits is the per-plan allotment: daily free generations, history
// depth, and the highest quality tier the free path covers.
type PlanLimits struct {
	DailyGenerations int
	MaxHistory       int
	MaxQuality       models.Quality
}

// LimitsFor returns the subscription limits for a plan. Unknown plans get
// the free tier.
func LimitsFor(plan models.Plan) PlanLimits {
	switch plan {
	case models.PlanPremium:
		return PlanLimits{DailyGenerations: 10, MaxHistory: 100, MaxQuality: models.Quality2K}
	case models.PlanPro:
		return PlanLimits{DailyGenerations: UnlimitedGenerations, MaxHistory: 500, MaxQuality: models.Quality4K}
	default:
		return PlanLimits{DailyGenerations: 0, MaxHistory: 20, MaxQuality: models.Quality1K}
	}
}

// Unlimited reports whether the plan has no daily generation cap.
func (l PlanLimits) Unlimited() bool {
	return l.DailyGenerations == UnlimitedGenerations
}

// Remaining computes the free generations left today. Unlimited plans
// report UnlimitedGenerations.
func (l PlanLimits) Remaining(usedToday int) int {
	if l.Unlimited() {
		return UnlimitedGenerations
	}
	remaining := l.DailyGenerations - usedToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CoversQuality reports whether the free path may serve the requested tier.
func (l PlanLimits) CoversQuality(q models.Quality) bool {
	return q.Rank() >= 0 && q.Rank() <= l.MaxQuality.Rank()
}

var qualityCost = map[models.Quality]int{
	models.Quality1K: 5,
	models.Quality2K: 10,
	models.Quality4K: 20,
}

// GenerationCost returns the token price of a batch at the given quality.
func GenerationCost(q models.Quality, imageCount int) int {
	if imageCount < 1 {
		imageCount = 1
	}
	base, ok := qualityCost[q]
	if !ok {
		base = qualityCost[models.Quality1K]
	}
	return base * imageCount
}
