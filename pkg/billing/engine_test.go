package billing

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

type fixture struct {
	st       *store.Store
	clk      *clock.Mock
	cfg      *payment.MockConfig
	ledger   *payment.MockLedger
	escrow   *payment.EscrowProvider
	stripe   *payment.MockInvoiceBackend
	dir      *payment.MockDirectory
	engine   *Engine
	customer *store.Customer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture wires the full provider chain (escrow, stripe, paypal) against
// an in-memory store with a clock pinned mid-March.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	clk := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	st := store.New(db, store.DialectSQLite, clk)
	require.NoError(t, st.Init(context.Background()))

	cfg, err := payment.NewMockConfig(config.EnvDevelopment)
	require.NoError(t, err)
	ledger := payment.NewMockLedger(cfg)
	escrow := payment.NewEscrowProvider(st, ledger, clk, discardLogger())
	dir := payment.NewMockDirectory()
	backend := payment.NewMockInvoiceBackend(cfg)
	stripeProv := payment.NewStripeProvider(backend, dir, true, discardLogger())
	paypalProv, err := payment.NewPayPalProvider(cfg)
	require.NoError(t, err)

	eng := New(st, []payment.Provider{escrow, stripeProv, paypalProv}, clk, discardLogger())

	c, err := st.GetOrCreateCustomerByWallet(context.Background(), "0xbilling")
	require.NoError(t, err)

	return &fixture{
		st: st, clk: clk, cfg: cfg, ledger: ledger, escrow: escrow,
		stripe: backend, dir: dir, engine: eng, customer: c,
	}
}

// fund deposits into the customer's escrow, creating the contract on first
// use.
func (f *fixture) fund(t *testing.T, cents int64) {
	t.Helper()
	_, err := f.escrow.Deposit(context.Background(), f.st.DB(), f.customer.ID, cents)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	c, err := f.st.GetCustomer(context.Background(), f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	return c.BalanceUsdCents
}

func (f *fixture) service(t *testing.T, st store.ServiceType) *store.ServiceInstance {
	t.Helper()
	si, err := f.st.GetServiceByCustomerAndType(context.Background(), f.st.DB(), f.customer.ID, st)
	require.NoError(t, err)
	return si
}

func (f *fixture) draft(t *testing.T) (*store.BillingRecord, []*store.InvoiceLineItem) {
	t.Helper()
	br, err := f.st.GetDraftInvoice(context.Background(), f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	items, err := f.st.ListLineItems(context.Background(), f.st.DB(), br.ID)
	require.NoError(t, err)
	return br, items
}

func TestSubscribeChargesFirstMonthUpfront(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10000)

	si, inv, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierPro)
	require.NoError(t, err)

	assert.Equal(t, store.StateDisabled, si.State)
	assert.True(t, si.PaidOnce)
	assert.False(t, si.SubscriptionChargePending)
	assert.Nil(t, si.SubPendingInvoiceID)

	assert.Equal(t, store.InvoicePaid, inv.Status)
	assert.Equal(t, int64(2900), inv.AmountUsdCents)
	assert.Equal(t, int64(2900), inv.AmountPaidUsdCents)
	require.NotNil(t, inv.TxDigest)
	assert.NotEmpty(t, *inv.TxDigest)

	payments, err := f.st.ListInvoicePayments(ctx, f.st.DB(), inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.SourceEscrow, payments[0].SourceType)
	assert.Equal(t, int64(2900), payments[0].AmountUsdCents)

	assert.Equal(t, int64(7100), f.balance(t))

	c, err := f.st.GetCustomer(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	assert.True(t, c.PaidOnce)

	// The upcoming period's draft prices the new subscription.
	br, items := f.draft(t)
	assert.True(t, br.BillingPeriodStart.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, items, 1)
	assert.Equal(t, "subscription_pro", items[0].ItemType)
	assert.Equal(t, int64(2900), br.AmountUsdCents)
}

func TestSubscribeUnfundedParksService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 100) // contract exists but cannot cover the starter price

	si, inv, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)

	assert.Equal(t, store.StateDisabled, si.State)
	assert.False(t, si.PaidOnce)
	assert.True(t, si.SubscriptionChargePending)
	require.NotNil(t, si.SubPendingInvoiceID)
	assert.Equal(t, inv.ID, *si.SubPendingInvoiceID)

	// A retryable shortfall keeps the invoice open for reconciliation.
	assert.Equal(t, store.InvoicePending, inv.Status)
	require.NotNil(t, inv.FailureReason)
	assert.Contains(t, *inv.FailureReason, "insufficient_escrow")
	assert.Equal(t, int64(100), f.balance(t))

	// Parked services generate no future charge, so there is no draft.
	_, err = f.st.GetDraftInvoice(ctx, f.st.DB(), f.customer.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Five days later a deposit makes reconciliation settle it.
	f.clk.AdvanceDays(5)
	f.fund(t, 2000)
	sum, err := f.engine.ReconcilePayments(ctx, f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Settled)

	si = f.service(t, store.ServiceSealMainnet)
	assert.True(t, si.PaidOnce)
	assert.False(t, si.SubscriptionChargePending)
	assert.Nil(t, si.SubPendingInvoiceID)

	paid, err := f.st.GetBillingRecord(ctx, f.st.DB(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoicePaid, paid.Status)
	assert.Equal(t, int64(2100-900), f.balance(t))

	// floor(900 * 5 / 31) compensates the unusable days, never expiring.
	credits, err := f.st.ListOpenCredits(ctx, f.st.DB(), f.customer.ID, f.clk.Now())
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, int64(145), credits[0].RemainingAmountUsdCents)
	assert.Equal(t, creditReasonReconciliation, credits[0].Reason)
	assert.Nil(t, credits[0].ExpiresAt)
	assert.Equal(t, int64(145), sum.CreditUsdCents)

	// With the invoice settled the service can finally turn on.
	si, err = f.engine.Enable(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.Equal(t, store.StateEnabled, si.State)
}

func TestSubscribeWithoutPaymentMethodFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	si, inv, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealTestnet, tiers.TierStarter)
	require.NoError(t, err)

	assert.Equal(t, store.InvoiceFailed, inv.Status)
	require.NotNil(t, inv.FailureReason)
	assert.Equal(t, "no payment method configured", *inv.FailureReason)
	assert.True(t, si.SubscriptionChargePending)
}

func TestSubscribeDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 5000)

	_, _, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)

	_, _, err = f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierPro)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInput))
}

func TestUnpaidCancelDeletesAndTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 100)

	si, inv, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierPro)
	require.NoError(t, err)
	originalID := si.ID

	res, err := f.engine.ScheduleCancellation(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.True(t, res.Deleted)

	_, err = f.st.GetServiceByCustomerAndType(ctx, f.st.DB(), f.customer.ID, store.ServiceSealMainnet)
	assert.ErrorIs(t, err, store.ErrNotFound)

	voided, err := f.st.GetBillingRecord(ctx, f.st.DB(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.InvoiceVoid, voided.Status)

	// Re-subscribing inside the cooldown is rejected.
	_, _, err = f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInput))

	// Past the cooldown the original identity is reused.
	f.clk.Advance(ResubscribeCooldown + time.Hour)
	f.fund(t, 5000)
	si2, _, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, originalID, si2.ID)
	assert.True(t, si2.PaidOnce)
}

func TestEnableBlocksOnUnpaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 100)

	_, _, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)

	_, err = f.engine.Enable(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindPaymentDeclined))

	si := f.service(t, store.ServiceSealMainnet)
	assert.Equal(t, store.StateDisabled, si.State)
	assert.False(t, si.IsUserEnabled)
}

func TestEnableDisableBumpVaultSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 5000)

	_, _, err := f.engine.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)

	si, err := f.engine.Enable(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.Equal(t, store.StateEnabled, si.State)
	assert.True(t, si.IsUserEnabled)
	firstSeq := si.SmaConfigChangeVaultSeq
	assert.Greater(t, firstSeq, int64(0))

	ctrl, err := f.st.GetVaultControl(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	assert.Equal(t, firstSeq, ctrl.MaxConfigChangeSeq)
	assert.True(t, ctrl.HasPendingChanges())

	// Enabling twice is a no-op and must not burn another seq.
	si, err = f.engine.Enable(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.Equal(t, firstSeq, si.SmaConfigChangeVaultSeq)

	// Once a vault covering the change is written, disabling records a
	// change seq beyond it.
	written, err := f.st.AdvanceNextVaultSeq(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	require.NoError(t, f.st.CompleteVaultWrite(ctx, f.st.DB(), store.VaultTypeSMA, written, "sha256:ab", 1))

	si, err = f.engine.Disable(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.Equal(t, store.StateDisabled, si.State)
	assert.Greater(t, si.SmaConfigChangeVaultSeq, firstSeq)
	assert.False(t, si.IsUserEnabled)
}
