package tiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

func TestTiers_Get(t *testing.T) {
	tests := []struct {
		id       tiers.TierID
		expected string
	}{
		{tiers.TierStarter, "Starter"},
		{tiers.TierPro, "Pro"},
		{tiers.TierEnterprise, "Enterprise"},
	}

	for _, tt := range tests {
		tier := tiers.Get(tt.id)
		assert.NotNil(t, tier)
		assert.Equal(t, tt.expected, tier.Name)
	}
}

func TestTiers_GetUnknown(t *testing.T) {
	tier := tiers.Get("unknown-tier")
	assert.Nil(t, tier)
}

func TestTiers_Pricing(t *testing.T) {
	assert.Equal(t, int64(900), tiers.Starter.PricePerMonth)
	assert.Equal(t, int64(2900), tiers.Pro.PricePerMonth)
	assert.Equal(t, int64(18500), tiers.Enterprise.PricePerMonth)
}

func TestTiers_StarterLimits(t *testing.T) {
	tier := tiers.Starter
	assert.Equal(t, int64(25), tier.Limits.RequestsPerSecond)
	assert.Equal(t, int64(1_000_000), tier.Limits.MonthlyRequests)
	assert.Equal(t, 2, tier.Limits.MaxSealKeys)
}

func TestTiers_EnterpriseUnlimited(t *testing.T) {
	tier := tiers.Enterprise
	assert.True(t, tiers.IsUnlimited(tier.Limits.RequestsPerSecond))
	assert.True(t, tiers.IsUnlimited(tier.Limits.MonthlyRequests))
	assert.True(t, tiers.IsUnlimited(int64(tier.Limits.MaxSealKeys)))
}

func TestTiers_AllTiers(t *testing.T) {
	assert.Len(t, tiers.AllTiers, 3)
	assert.Contains(t, tiers.AllTiers, tiers.TierStarter)
	assert.Contains(t, tiers.AllTiers, tiers.TierPro)
	assert.Contains(t, tiers.AllTiers, tiers.TierEnterprise)
}

func TestTiers_GetReturnsCopy(t *testing.T) {
	tier := tiers.Get(tiers.TierPro)
	tier.PricePerMonth = 1
	assert.Equal(t, int64(2900), tiers.Pro.PricePerMonth)
}
