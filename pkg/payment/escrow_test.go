package payment

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

type escrowFixture struct {
	st       *store.Store
	clk      *clock.Mock
	cfg      *MockConfig
	ledger   *MockLedger
	provider *EscrowProvider
	customer *store.Customer
	contract string
}

func newEscrowFixture(t *testing.T) *escrowFixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	st := store.New(db, store.DialectSQLite, clk)
	require.NoError(t, st.Init(ctx))

	cfg, err := NewMockConfig(config.EnvDevelopment)
	require.NoError(t, err)
	ledger := NewMockLedger(cfg)
	provider := NewEscrowProvider(st, ledger, clk, nil)

	c, err := st.GetOrCreateCustomerByWallet(ctx, "0xescrow")
	require.NoError(t, err)
	contract, err := ledger.EnsureContract(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, st.SetEscrowContract(ctx, st.DB(), c.ID, contract))

	return &escrowFixture{st: st, clk: clk, cfg: cfg, ledger: ledger, provider: provider, customer: c, contract: contract}
}

// fund moves cents onto the chain and mirrors them locally, the way a
// deposit operation does.
func (f *escrowFixture) fund(t *testing.T, cents int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Deposit(ctx, f.contract, cents)
	require.NoError(t, err)
	require.NoError(t, f.st.AdjustCustomerBalance(ctx, f.st.DB(), f.customer.ID, cents))
}

func TestEscrowChargeSuccess(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()
	f.fund(t, 10_000)

	res, err := f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, InvoiceID: 1, AmountUsdCents: 2_900,
		Description: "seal-mainnet pro", IdempotencyKey: "inv-1:1",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)
	assert.NotEmpty(t, res.TxDigest)
	_, convErr := strconv.ParseInt(res.ReferenceID, 10, 64)
	assert.NoError(t, convErr, "escrow reference is the intent-log row id")

	c, err := f.st.GetCustomer(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7_100), c.BalanceUsdCents)
	assert.Equal(t, int64(2_900), c.CurrentPeriodChargedUsdCents)
	require.NotNil(t, c.CurrentPeriodStart)

	chainBal, err := f.ledger.Balance(ctx, f.contract)
	require.NoError(t, err)
	assert.Equal(t, int64(7_100), chainBal)

	txs, err := f.st.ListEscrowTransactions(ctx, f.st.DB(), f.customer.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, store.EscrowCharge, txs[0].Kind)
	assert.True(t, txs[0].Success)
}

func TestEscrowChargeInsufficient(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()
	f.fund(t, 1_000)

	res, err := f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 2_900, IdempotencyKey: "inv-2:1",
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, CodeInsufficientEscrow, res.ErrorCode)
	assert.True(t, res.Retryable)

	// The failed intent is logged, the mirror untouched.
	txs, err := f.st.ListEscrowTransactions(ctx, f.st.DB(), f.customer.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Equal(t, store.EscrowCharge, txs[0].Kind)
	assert.False(t, txs[0].Success)

	c, err := f.st.GetCustomer(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), c.BalanceUsdCents)
	assert.Zero(t, c.CurrentPeriodChargedUsdCents)
}

func TestEscrowSpendingLimitWindow(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()
	f.fund(t, 100_000)
	require.NoError(t, f.st.SetSpendingLimit(ctx, f.st.DB(), f.customer.ID, 1_000))

	res, err := f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 900, IdempotencyKey: "a",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	// 900 of 1000 spent inside the window: 200 more does not fit.
	res, err = f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 200, IdempotencyKey: "b",
	})
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, CodeSpendingLimitExceeded, res.ErrorCode)
	assert.True(t, res.Retryable)

	// After 28 days the window rolls: the full limit is available again and
	// the counter restarts at the new charge.
	f.clk.Advance(28 * 24 * time.Hour)
	res, err = f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 1_000, IdempotencyKey: "c",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	c, err := f.st.GetCustomer(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), c.CurrentPeriodChargedUsdCents)
	require.NotNil(t, c.CurrentPeriodStart)
	assert.True(t, c.CurrentPeriodStart.Equal(f.clk.Now()))
}

func TestEscrowChargeUnconfigured(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()

	other, err := f.st.GetOrCreateCustomerByWallet(ctx, "0xnocontract")
	require.NoError(t, err)

	res, err := f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: other.ID, AmountUsdCents: 100, IdempotencyKey: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeAccountNotConfigured, res.ErrorCode)
	assert.False(t, res.Retryable)

	ok, err := f.provider.IsConfigured(ctx, f.st.DB(), other.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEscrowCanPay(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()

	ok, err := f.provider.CanPay(ctx, f.st.DB(), f.customer.ID, 500)
	require.NoError(t, err)
	assert.False(t, ok, "configured but unfunded")

	f.fund(t, 1_000)
	ok, err = f.provider.CanPay(ctx, f.st.DB(), f.customer.ID, 500)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.st.SetSpendingLimit(ctx, f.st.DB(), f.customer.ID, 300))
	ok, err = f.provider.CanPay(ctx, f.st.DB(), f.customer.ID, 500)
	require.NoError(t, err)
	assert.False(t, ok, "funded but over the spending limit")
}

func TestEscrowInfoIsLive(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()

	// On-chain moves without the mirror: Info must report the chain.
	_, err := f.ledger.Deposit(ctx, f.contract, 4_321)
	require.NoError(t, err)

	info, err := f.provider.Info(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, Escrow, info.Kind)
	require.NotNil(t, info.BalanceUsdCents)
	assert.Equal(t, int64(4_321), *info.BalanceUsdCents)
}

func TestEscrowForcedScenarios(t *testing.T) {
	f := newEscrowFixture(t)
	ctx := context.Background()
	f.fund(t, 50_000)

	f.cfg.SetScenario(ScenarioInsufficientBalance)
	res, err := f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 100, IdempotencyKey: "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeInsufficientEscrow, res.ErrorCode)

	f.cfg.Reset()
	f.cfg.SetForceFail(true)
	res, err = f.provider.Charge(ctx, f.st.DB(), ChargeRequest{
		CustomerID: f.customer.ID, AmountUsdCents: 100, IdempotencyKey: "s2",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeProviderUnavailable, res.ErrorCode)
	assert.True(t, res.Retryable)
}

func TestMockConfigProductionGuard(t *testing.T) {
	_, err := NewMockConfig(config.EnvProduction)
	assert.Error(t, err)

	cfg, err := NewMockConfig(config.EnvDevelopment)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
