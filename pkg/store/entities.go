package store

import (
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// ServiceType identifies a subscribable Seal service.
type ServiceType string

const (
	ServiceSealMainnet ServiceType = "seal-mainnet"
	ServiceSealTestnet ServiceType = "seal-testnet"
)

// VaultType returns the 3-character vault type code the service's gateway
// configuration lives in.
func (s ServiceType) VaultType() string {
	switch s {
	case ServiceSealMainnet:
		return VaultTypeSMA
	case ServiceSealTestnet:
		return VaultTypeSTA
	}
	return ""
}

// ProcessGroup returns the derivation-index namespace for the service.
// Mainnet and testnet keys live in disjoint key spaces.
func (s ServiceType) ProcessGroup() int {
	switch s {
	case ServiceSealMainnet:
		return 1
	case ServiceSealTestnet:
		return 2
	}
	return 0
}

// Valid reports whether s names a known service type.
func (s ServiceType) Valid() bool {
	return s == ServiceSealMainnet || s == ServiceSealTestnet
}

// Vault type codes ({service}{network}{purpose}).
const (
	VaultTypeSMA = "sma" // seal-mainnet-api
	VaultTypeSTA = "sta" // seal-testnet-api
)

// VaultTypes lists every vault type the control plane manages.
var VaultTypes = []string{VaultTypeSMA, VaultTypeSTA}

// ServiceTypeForVault is the inverse of ServiceType.VaultType.
func ServiceTypeForVault(vaultType string) ServiceType {
	switch vaultType {
	case VaultTypeSMA:
		return ServiceSealMainnet
	case VaultTypeSTA:
		return ServiceSealTestnet
	}
	return ""
}

// ServiceState is the subscription lifecycle state of a ServiceInstance.
type ServiceState string

const (
	StateNotProvisioned      ServiceState = "not_provisioned"
	StateProvisioning        ServiceState = "provisioning"
	StateDisabled            ServiceState = "disabled"
	StateEnabled             ServiceState = "enabled"
	StateCancellationPending ServiceState = "cancellation_pending"
)

// InvoiceStatus is the lifecycle state of a BillingRecord.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceFailed  InvoiceStatus = "failed"
	InvoiceVoid    InvoiceStatus = "void"
)

// PaymentSource attributes an InvoicePayment row to its origin.
type PaymentSource string

const (
	SourceCredit PaymentSource = "credit"
	SourceEscrow PaymentSource = "escrow"
	SourceStripe PaymentSource = "stripe"
	SourcePayPal PaymentSource = "paypal"
)

// EscrowTxKind classifies entries of the on-chain intent log.
type EscrowTxKind string

const (
	EscrowDeposit  EscrowTxKind = "deposit"
	EscrowWithdraw EscrowTxKind = "withdraw"
	EscrowCharge   EscrowTxKind = "charge"
	EscrowCredit   EscrowTxKind = "credit"
)

// Customer is a tenant identified by its wallet address. Customers are
// soft-deleted only; the row survives forever.
type Customer struct {
	ID                           int64
	WalletAddress                string
	BalanceUsdCents              int64
	SpendingLimitUsdCents        int64 // 0 = unlimited
	CurrentPeriodChargedUsdCents int64
	CurrentPeriodStart           *time.Time
	PaidOnce                     bool
	EscrowContractID             *string
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
	DeletedAt                    *time.Time
}

// ServiceInstance is one subscription of a customer to a service type.
type ServiceInstance struct {
	ID                        int64
	CustomerID                int64
	ServiceType               ServiceType
	Tier                      tiers.TierID
	State                     ServiceState
	IsUserEnabled             bool
	PaidOnce                  bool
	SubscriptionChargePending bool
	SubPendingInvoiceID       *int64
	ScheduledTier             *tiers.TierID
	CancellationScheduledFor  *time.Time
	CancellationEffectiveAt   *time.Time
	GatewayConfigJSON         []byte // opaque per-service gateway payload
	SmaConfigChangeVaultSeq   int64  // 0 = no pending change recorded
	StaConfigChangeVaultSeq   int64
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// ConfigChangeSeq returns the recorded pending-change seq for a vault type.
func (s *ServiceInstance) ConfigChangeSeq(vaultType string) int64 {
	switch vaultType {
	case VaultTypeSMA:
		return s.SmaConfigChangeVaultSeq
	case VaultTypeSTA:
		return s.StaConfigChangeVaultSeq
	}
	return 0
}

// SetConfigChangeSeq records the pending-change seq for a vault type.
func (s *ServiceInstance) SetConfigChangeSeq(vaultType string, seq int64) {
	switch vaultType {
	case VaultTypeSMA:
		s.SmaConfigChangeVaultSeq = seq
	case VaultTypeSTA:
		s.StaConfigChangeVaultSeq = seq
	}
}

// EffectiveTier is the tier the next monthly charge will be priced at.
func (s *ServiceInstance) EffectiveTier() tiers.TierID {
	if s.ScheduledTier != nil {
		return *s.ScheduledTier
	}
	return s.Tier
}

// BillingRecord is an invoice. Drafts are mutable; once pending the row is
// append-only except for the payment outcome fields.
type BillingRecord struct {
	ID                 int64
	CustomerID         int64
	Status             InvoiceStatus
	AmountUsdCents     int64
	AmountPaidUsdCents int64
	BillingPeriodStart time.Time
	DueDate            time.Time
	PaymentActionURL   *string
	TxDigest           *string
	FailureReason      *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Line item types. Subscription items carry the tier in the type tag.
const (
	ItemSubscriptionPrefix = "subscription_"
	ItemRequests           = "requests"
	ItemCredit             = "credit"
)

// InvoiceLineItem belongs to a BillingRecord. Credits carry negative amounts.
type InvoiceLineItem struct {
	ID                int64
	BillingRecordID   int64
	ItemType          string
	ServiceType       *ServiceType
	Quantity          int64
	UnitPriceUsdCents int64
	AmountUsdCents    int64
	CreditMonth       *string // YYYY-MM tag on credit items
	CreatedAt         time.Time
}

// CustomerCredit is a balance consumed FIFO by expiry then creation time.
type CustomerCredit struct {
	ID                      int64
	CustomerID              int64
	RemainingAmountUsdCents int64
	OriginalAmountUsdCents  int64
	ExpiresAt               *time.Time // nil = never expires
	Reason                  string
	CreatedAt               time.Time
}

// InvoicePayment links a BillingRecord to one payment source. The sum of
// payment amounts for a record never exceeds its AmountUsdCents.
type InvoicePayment struct {
	ID              int64
	BillingRecordID int64
	CustomerID      int64
	SourceType      PaymentSource
	ReferenceID     *string
	AmountUsdCents  int64
	CreatedAt       time.Time
}

// EscrowTransaction is the append-only log of on-chain intents.
type EscrowTransaction struct {
	ID             int64
	CustomerID     int64
	Kind           EscrowTxKind
	AmountUsdCents int64
	TxDigest       string
	Success        bool
	CreatedAt      time.Time
}

// SealKey is an API key bound to a (customer, service instance) with a
// never-recycled derivation index.
type SealKey struct {
	ID              int64
	CustomerID      int64
	InstanceID      int64
	ProcessGroup    int
	DerivationIndex int64
	PublicKey       string
	IsUserEnabled   bool
	CreatedAt       time.Time
	DeletedAt       *time.Time
}

// LMFreshnessWindow bounds how old a status row may be and still count
// toward fleet aggregates.
const LMFreshnessWindow = 30 * time.Second

// LMStatus is the last reported state of one (edge, vault type) pair.
type LMStatus struct {
	LMID          string
	VaultType     string
	AppliedSeq    *int64
	AppliedAt     *time.Time
	ProcessingSeq *int64
	Entries       int64
	LastSeenAt    time.Time
	LastError     *string
}

// Live reports whether the row counts toward the fleet aggregate: seen
// within the freshness window and not failing.
func (l *LMStatus) Live(cutoff time.Time) bool {
	return !l.LastSeenAt.Before(cutoff) && (l.LastError == nil || *l.LastError == "")
}

// InvoiceUsage is an aggregate usage row keyed to a draft invoice,
// maintained by the external stats pipeline.
type InvoiceUsage struct {
	ID                int64
	BillingRecordID   int64
	ServiceType       ServiceType
	ItemType          string
	Quantity          int64
	UnitPriceUsdCents int64
	AmountUsdCents    int64
	UpdatedAt         time.Time
}

// ServiceTombstone preserves the identity of an unpaid-cancelled service so
// a later re-subscription reuses the original instance id after the cooldown.
type ServiceTombstone struct {
	CustomerID  int64
	ServiceType ServiceType
	InstanceID  int64
	DeletedAt   time.Time
}

// VaultControl is the per-vault-type slice of the SystemControl row.
type VaultControl struct {
	NextVaultSeq       int64
	MaxConfigChangeSeq int64
	VaultSeq           int64
	VaultContentHash   string
	VaultEntries       int64
}

// HasPendingChanges is the O(1) "anything to sync" check.
func (v VaultControl) HasPendingChanges() bool {
	return v.MaxConfigChangeSeq > v.VaultSeq
}

// SystemControl mirrors the singleton counters row (id = 1).
type SystemControl struct {
	PG1NextIndex int64
	PG2NextIndex int64
	Vaults       map[string]VaultControl
}
