package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
)

func newStripeFixture(t *testing.T) (*StripeProvider, *MockInvoiceBackend, *MockDirectory, *MockConfig) {
	t.Helper()
	cfg, err := NewMockConfig(config.EnvDevelopment)
	require.NoError(t, err)
	backend := NewMockInvoiceBackend(cfg)
	dir := NewMockDirectory()
	p := NewStripeProvider(backend, dir, true, nil)
	return p, backend, dir, cfg
}

func TestStripeFourStageKeys(t *testing.T) {
	p, backend, dir, _ := newStripeFixture(t)
	ctx := context.Background()
	dir.Configure(7, "cus_seven")

	res, err := p.Charge(ctx, nil, ChargeRequest{
		CustomerID: 7, InvoiceID: 77, AmountUsdCents: 2_900,
		Description: "seal-mainnet pro", IdempotencyKey: "77:1",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.NotEmpty(t, res.ReferenceID)
	assert.Equal(t, int64(2_900), backend.InvoiceAmount(res.ReferenceID))

	assert.Equal(t, []string{
		"77:1:create-invoice",
		"77:1:add-item",
		"77:1:finalize",
		"77:1:pay",
	}, backend.RecordedKeys())
}

func TestStripeRetrySameKeyDoesNotDoubleCharge(t *testing.T) {
	p, backend, dir, _ := newStripeFixture(t)
	ctx := context.Background()
	dir.Configure(7, "cus_seven")

	req := ChargeRequest{CustomerID: 7, InvoiceID: 77, AmountUsdCents: 500, IdempotencyKey: "77:1"}

	first, err := p.Charge(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, first.Succeeded)

	second, err := p.Charge(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, second.Succeeded)

	assert.Equal(t, first.ReferenceID, second.ReferenceID)
	assert.Equal(t, 1, backend.SettledPayCalls())
	assert.Equal(t, int64(500), backend.InvoiceAmount(first.ReferenceID), "item not re-added")
}

func TestStripeRequiresAction(t *testing.T) {
	p, _, dir, cfg := newStripeFixture(t)
	ctx := context.Background()
	dir.Configure(7, "cus_seven")
	cfg.SetForceRequiresAction(true)

	res, err := p.Charge(ctx, nil, ChargeRequest{CustomerID: 7, AmountUsdCents: 500, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, CodeRequiresAction, res.ErrorCode)
	assert.NotEmpty(t, res.HostedInvoiceURL)
	assert.False(t, res.Retryable, "waiting on the user, not on a retry")
}

func TestStripeDeclined(t *testing.T) {
	p, _, dir, cfg := newStripeFixture(t)
	ctx := context.Background()
	dir.Configure(7, "cus_seven")
	cfg.SetForceFail(true)

	res, err := p.Charge(ctx, nil, ChargeRequest{CustomerID: 7, AmountUsdCents: 500, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, CodeCardDeclined, res.ErrorCode)
	assert.False(t, res.Retryable)
}

func TestStripeUnconfigured(t *testing.T) {
	p, _, _, _ := newStripeFixture(t)
	ctx := context.Background()

	res, err := p.Charge(ctx, nil, ChargeRequest{CustomerID: 9, AmountUsdCents: 500, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, CodeAccountNotConfigured, res.ErrorCode)

	ok, err := p.IsConfigured(ctx, nil, 9)
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := p.Info(ctx, nil, 9)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestStripeInfoSandboxMarker(t *testing.T) {
	p, _, dir, _ := newStripeFixture(t)
	ctx := context.Background()
	dir.Configure(7, "cus_seven")

	info, err := p.Info(ctx, nil, 7)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Contains(t, info.Detail, "(sandbox)")
}

func TestIsSandboxKey(t *testing.T) {
	assert.True(t, IsSandboxKey("sk_test_abc123"))
	assert.False(t, IsSandboxKey("sk_live_abc123"))
	assert.False(t, IsSandboxKey(""))
}
