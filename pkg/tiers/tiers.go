// Package tiers defines the subscription tiers for the Seal service.
// Tiers map to gateway limits and monthly pricing.
package tiers

// TierID identifies a subscription tier.
type TierID string

const (
	TierStarter    TierID = "starter"
	TierPro        TierID = "pro"
	TierEnterprise TierID = "enterprise"
)

// Limits defines the gateway limits for a tier. The data plane enforces
// them from the vault payload; the control plane only records them.
type Limits struct {
	RequestsPerSecond int64 // -1 = unlimited
	BurstRequests     int64 // -1 = unlimited
	MonthlyRequests   int64 // included quota before overage, -1 = unlimited
	MaxSealKeys       int   // -1 = unlimited
}

// Tier represents a subscription tier with limits and pricing.
type Tier struct {
	ID            TierID
	Name          string
	Description   string
	Limits        Limits
	PricePerMonth int64 // cents
}

// All available tiers
var (
	Starter = Tier{
		ID:          TierStarter,
		Name:        "Starter",
		Description: "For individuals and small projects",
		Limits: Limits{
			RequestsPerSecond: 25,
			BurstRequests:     50,
			MonthlyRequests:   1_000_000,
			MaxSealKeys:       2,
		},
		PricePerMonth: 900, // $9
	}

	Pro = Tier{
		ID:          TierPro,
		Name:        "Pro",
		Description: "For teams and production workloads",
		Limits: Limits{
			RequestsPerSecond: 500,
			BurstRequests:     1_000,
			MonthlyRequests:   50_000_000,
			MaxSealKeys:       10,
		},
		PricePerMonth: 2900, // $29
	}

	Enterprise = Tier{
		ID:          TierEnterprise,
		Name:        "Enterprise",
		Description: "For large organizations with dedicated throughput",
		Limits: Limits{
			RequestsPerSecond: -1, // unlimited
			BurstRequests:     -1,
			MonthlyRequests:   -1,
			MaxSealKeys:       -1,
		},
		PricePerMonth: 18500, // $185
	}

	// AllTiers contains all available tiers
	AllTiers = map[TierID]Tier{
		TierStarter:    Starter,
		TierPro:        Pro,
		TierEnterprise: Enterprise,
	}
)

// Get returns a tier by ID, or nil if not found.
func Get(id TierID) *Tier {
	tier, ok := AllTiers[id]
	if !ok {
		return nil
	}
	return &tier
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}
