package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/glowstyle/glowstyle-backend/internal/models"
)

func TestLimitsFor(t *testing.T) {
	cases := []struct {
		plan models.Plan
		want PlanLimits
	}{
		{models.PlanFree, PlanLimits{DailyGenerations: 0, MaxHistory: 20, MaxQuality: models.Quality1K}},
		{models.PlanPremium, PlanLimits{DailyGenerations: 10, MaxHistory: 100, MaxQuality: models.Quality2K}},
		{models.PlanPro, PlanLimits{DailyGenerations: UnlimitedGenerations, MaxHistory: 500, MaxQuality: models.Quality4K}},
		{models.Plan("legacy-gold"), PlanLimits{DailyGenerations: 0, MaxHistory: 20, MaxQuality: models.Quality1K}},
	}

	for _, tc := range cases {
		t.Run(string(tc.plan), func(t *testing.T) {
			assert.Equal(t, tc.want, LimitsFor(tc.plan))
		})
	}
}

func TestPlanLimits_Remaining(t *testing.T) {
	premium := LimitsFor(models.PlanPremium)
	assert.Equal(t, 10, premium.Remaining(0))
	assert.Equal(t, 3, premium.Remaining(7))
	assert.Equal(t, 0, premium.Remaining(10))
	assert.Equal(t, 0, premium.Remaining(15), "overuse never reports negative")

	pro := LimitsFor(models.PlanPro)
	assert.True(t, pro.Unlimited())
	assert.Equal(t, UnlimitedGenerations, pro.Remaining(1000))

	free := LimitsFor(models.PlanFree)
	assert.False(t, free.Unlimited())
	assert.Equal(t, 0, free.Remaining(0))
}

func TestPlanLimits_CoversQuality(t *testing.T) {
	free := LimitsFor(models.PlanFree)
	assert.True(t, free.CoversQuality(models.Quality1K))
	assert.False(t, free.CoversQuality(models.Quality2K))
	assert.False(t, free.CoversQuality(models.Quality4K))

	premium := LimitsFor(models.PlanPremium)
	assert.True(t, premium.CoversQuality(models.Quality2K))
	assert.False(t, premium.CoversQuality(models.Quality4K))

	pro := LimitsFor(models.PlanPro)
	assert.True(t, pro.CoversQuality(models.Quality4K))

	assert.False(t, pro.CoversQuality(models.Quality("8K")), "unknown tier is never free")
}

func TestGenerationCost(t *testing.T) {
	assert.Equal(t, 5, GenerationCost(models.Quality1K, 1))
	assert.Equal(t, 10, GenerationCost(models.Quality2K, 1))
	assert.Equal(t, 20, GenerationCost(models.Quality4K, 1))
	assert.Equal(t, 40, GenerationCost(models.Quality2K, 4))
	assert.Equal(t, 5, GenerationCost(models.Quality1K, 0), "count clamps to one")
	assert.Equal(t, 5, GenerationCost(models.Quality("8K"), 1), "unknown tier priced as base")
}
