// Package payment adapts the supported payment rails (on-chain escrow,
// Stripe, PayPal) to one Provider contract. Providers receive the caller's
// store.Querier so that database side effects of a charge (escrow mirror,
// intent log) commit or roll back with the enclosing customer transaction.
//
// Mock mode is a process-wide construction-time setting: the mock ledger,
// the mock invoice backend and the PayPal adapter all refuse to exist in a
// production environment.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// Kind names a payment rail.
type Kind string

const (
	Escrow Kind = "escrow"
	Stripe Kind = "stripe"
	PayPal Kind = "paypal"
)

// ErrorCode is the stable failure classification carried by a ChargeResult.
type ErrorCode string

const (
	CodeInsufficientEscrow    ErrorCode = "insufficient_escrow"
	CodeCardDeclined          ErrorCode = "card_declined"
	CodeRequiresAction        ErrorCode = "requires_action"
	CodeAccountNotConfigured  ErrorCode = "account_not_configured"
	CodeSpendingLimitExceeded ErrorCode = "spending_limit_exceeded"
	CodeProviderUnavailable   ErrorCode = "provider_unavailable"
)

// ChargeRequest describes one attempt to collect an invoice amount.
type ChargeRequest struct {
	CustomerID     int64
	InvoiceID      int64
	AmountUsdCents int64
	Description    string
	// IdempotencyKey scopes provider-side dedup. Retrying with the same
	// key must not collect twice.
	IdempotencyKey string
}

// ChargeResult reports the business outcome of a charge. A nil error with
// Succeeded=false is a decline, not a malfunction; infrastructure failures
// (database, invariant violations) surface as errors and abort the
// enclosing transaction.
type ChargeResult struct {
	Succeeded        bool
	ReferenceID      string // provider-side handle for the InvoicePayment row
	TxDigest         string // escrow only
	HostedInvoiceURL string // Stripe 3DS handoff
	ErrorCode        ErrorCode
	Retryable        bool
}

// DisplayInfo is the UI-facing summary of a configured payment method.
type DisplayInfo struct {
	Kind            Kind
	Label           string
	Detail          string
	BalanceUsdCents *int64 // escrow only, computed live
}

// Provider is the uniform capability contract over the rails.
type Provider interface {
	Kind() Kind
	// IsConfigured reports whether a payment instrument is on file.
	IsConfigured(ctx context.Context, q store.Querier, customerID int64) (bool, error)
	// CanPay reports configured AND funded for the given amount.
	CanPay(ctx context.Context, q store.Querier, customerID, amountCents int64) (bool, error)
	// Charge attempts collection inside the caller's transaction.
	Charge(ctx context.Context, q store.Querier, req ChargeRequest) (*ChargeResult, error)
	// Info returns display data, or nil when not configured.
	Info(ctx context.Context, q store.Querier, customerID int64) (*DisplayInfo, error)
}

// SourceFor maps a provider kind to its InvoicePayment attribution.
func SourceFor(k Kind) store.PaymentSource {
	switch k {
	case Escrow:
		return store.SourceEscrow
	case Stripe:
		return store.SourceStripe
	case PayPal:
		return store.SourcePayPal
	}
	return store.PaymentSource(k)
}

// Scenario forces a specific business failure out of the mock rails.
type Scenario string

const (
	ScenarioNone                  Scenario = ""
	ScenarioInsufficientBalance   Scenario = "insufficient_balance"
	ScenarioSpendingLimitExceeded Scenario = "spending_limit_exceeded"
	ScenarioAccountNotFound       Scenario = "account_not_found"
)

// MockConfig is the process-wide mock-mode switchboard. The dev test
// endpoints mutate it at runtime; real providers never consult it.
type MockConfig struct {
	mu                  sync.Mutex
	forceFail           bool
	forceRequiresAction bool
	scenario            Scenario
	latency             time.Duration
}

// NewMockConfig builds the switchboard, refusing production environments.
func NewMockConfig(environment string) (*MockConfig, error) {
	if environment == config.EnvProduction {
		return nil, fault.New(fault.KindInput, "payment: mock mode is not available in production")
	}
	return &MockConfig{}, nil
}

func (m *MockConfig) SetForceFail(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceFail = v
}

func (m *MockConfig) SetForceRequiresAction(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceRequiresAction = v
}

func (m *MockConfig) SetScenario(s Scenario) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenario = s
}

func (m *MockConfig) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Reset clears every forced behavior.
func (m *MockConfig) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceFail = false
	m.forceRequiresAction = false
	m.scenario = ScenarioNone
	m.latency = 0
}

type mockState struct {
	forceFail           bool
	forceRequiresAction bool
	scenario            Scenario
	latency             time.Duration
}

func (m *MockConfig) snapshot() mockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockState{m.forceFail, m.forceRequiresAction, m.scenario, m.latency}
}

// sleep applies the configured artificial latency, honoring cancellation.
func (m *MockConfig) sleep(ctx context.Context) error {
	d := m.snapshot().latency
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
