package seal

import (
	"encoding/json"
	"time"
)

// Service types served by the control plane.
const (
	ServiceSealMainnet = "seal-mainnet"
	ServiceSealTestnet = "seal-testnet"
)

// Tier identifiers.
const (
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Service states as reported by the API.
const (
	StateNotProvisioned      = "not_provisioned"
	StateProvisioning        = "provisioning"
	StateDisabled            = "disabled"
	StateEnabled             = "enabled"
	StateCancellationPending = "cancellation_pending"
)

// Service is one customer's instance of a service type.
type Service struct {
	ID                       int64           `json:"id"`
	ServiceType              string          `json:"serviceType"`
	Tier                     string          `json:"tier"`
	State                    string          `json:"state"`
	PaidOnce                 bool            `json:"paidOnce"`
	PendingInvoiceID         *int64          `json:"pendingInvoiceId,omitempty"`
	ScheduledTier            *string         `json:"scheduledTier,omitempty"`
	CancellationScheduledFor *time.Time      `json:"cancellationScheduledFor,omitempty"`
	GatewayConfig            json.RawMessage `json:"gatewayConfig,omitempty"`
}

// Invoice is a billing record. Amounts are gross; payments and credits
// settle against them.
type Invoice struct {
	ID                 int64     `json:"id"`
	Status             string    `json:"status"`
	AmountUsdCents     int64     `json:"amountUsdCents"`
	AmountPaidUsdCents int64     `json:"amountPaidUsdCents"`
	BillingPeriodStart time.Time `json:"billingPeriodStart"`
	DueDate            time.Time `json:"dueDate"`
	PaymentActionURL   *string   `json:"paymentActionUrl,omitempty"`
	TxDigest           *string   `json:"txDigest,omitempty"`
	FailureReason      *string   `json:"failureReason,omitempty"`
}

// Key is an API key bound to a service's process group.
type Key struct {
	ID              int64     `json:"id"`
	ProcessGroup    int       `json:"processGroup"`
	DerivationIndex int64     `json:"derivationIndex"`
	PublicKey       string    `json:"publicKey"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SubscribeResult is the subscribe response: the service plus its
// first-month invoice.
type SubscribeResult struct {
	Service Service  `json:"service"`
	Invoice *Invoice `json:"invoice"`
}

// CancelResult reports how a cancellation landed. Deleted means the
// service was removed immediately; otherwise ScheduledFor carries the
// boundary.
type CancelResult struct {
	Deleted      bool       `json:"deleted"`
	Service      *Service   `json:"service,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// TierChange reports a tier move. Scheduled means a downgrade queued for
// the period boundary; an immediate upgrade carries the proration invoice.
type TierChange struct {
	Service   Service  `json:"service"`
	Scheduled bool     `json:"scheduled"`
	Invoice   *Invoice `json:"invoice,omitempty"`
}

// ServiceStatus is the joined service view: the instance, its open
// invoice and whether the edge fleet has applied the customer's latest
// config.
type ServiceStatus struct {
	Service            Service  `json:"service"`
	Synced             bool     `json:"synced"`
	PendingInvoice     *Invoice `json:"pendingInvoice,omitempty"`
	FleetMinAppliedSeq *int64   `json:"fleetMinAppliedSeq,omitempty"`
}

// ReconcileSummary reports an immediate reconciliation pass.
type ReconcileSummary struct {
	Settled          int    `json:"settled"`
	StillPending     int    `json:"stillPending"`
	CreditUsdCents   int64  `json:"creditUsdCents"`
	PaymentActionURL string `json:"paymentActionUrl,omitempty"`
}

// Health is the GM health document.
type Health struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
