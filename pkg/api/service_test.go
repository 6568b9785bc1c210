package api

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// syncRecorder counts trigger calls so tests can assert the fire-and-forget
// nudges without a running GM.
type syncRecorder struct {
	mu         sync.Mutex
	syncAlls   int
	reconciles []int64
}

func (r *syncRecorder) TriggerSyncAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncAlls++
}

func (r *syncRecorder) TriggerReconcile(customerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles = append(r.reconciles, customerID)
}

func (r *syncRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncAlls, len(r.reconciles)
}

type fixture struct {
	st       *store.Store
	clk      *clock.Mock
	escrow   *payment.EscrowProvider
	eng      *billing.Engine
	svc      *Service
	rec      *syncRecorder
	customer *store.Customer
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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
	eng := billing.New(st, []payment.Provider{escrow}, clk, discardLogger())

	rec := &syncRecorder{}
	svc := NewService(st, eng, escrow, rec, clk, discardLogger())

	c, err := st.GetOrCreateCustomerByWallet(context.Background(), "0xapitest")
	require.NoError(t, err)

	return &fixture{st: st, clk: clk, escrow: escrow, eng: eng, svc: svc, rec: rec, customer: c}
}

func (f *fixture) fund(t *testing.T, cents int64) {
	t.Helper()
	_, err := f.escrow.Deposit(context.Background(), f.st.DB(), f.customer.ID, cents)
	require.NoError(t, err)
}

// subscribeEnabled funds, subscribes and enables so config changes get
// recorded for the vault pipeline.
func (f *fixture) subscribeEnabled(t *testing.T, st store.ServiceType) *store.ServiceInstance {
	t.Helper()
	ctx := context.Background()
	f.fund(t, 50_000)
	_, _, err := f.svc.Subscribe(ctx, f.customer.ID, st, tiers.TierStarter)
	require.NoError(t, err)
	si, err := f.svc.EnableService(ctx, f.customer.ID, st)
	require.NoError(t, err)
	require.Equal(t, store.StateEnabled, si.State)
	return si
}

func TestService_SubscribeTriggersSync(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 10_000)

	si, inv, err := f.svc.Subscribe(context.Background(), f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)
	assert.Equal(t, store.StateDisabled, si.State)
	assert.True(t, si.PaidOnce)
	require.NotNil(t, inv)
	assert.Equal(t, store.InvoicePaid, inv.Status)

	syncs, _ := f.rec.counts()
	assert.Equal(t, 1, syncs)
}

func TestService_UpdateGatewayConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	cfg := []byte(`{"ipAllowlist":["10.0.0.0/8","2001:db8::1"],"custom":{"x":1}}`)
	si, err := f.svc.UpdateGatewayConfig(ctx, f.customer.ID, store.ServiceSealMainnet, cfg)
	require.NoError(t, err)
	assert.JSONEq(t, string(cfg), string(si.GatewayConfigJSON))

	// An enabled service records the pending change for the vault pipeline.
	assert.Greater(t, si.SmaConfigChangeVaultSeq, int64(0))
	vc, err := f.st.GetVaultControl(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, vc.MaxConfigChangeSeq, si.SmaConfigChangeVaultSeq)
	assert.True(t, vc.HasPendingChanges())

	syncs, _ := f.rec.counts()
	assert.GreaterOrEqual(t, syncs, 2) // subscribe + config update
}

func TestService_UpdateGatewayConfigRejectsBadAllowlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	for _, bad := range []string{
		`{"ipAllowlist":["999.1.2.3"]}`,
		`{"ipAllowlist":["10.0.0.0/33"]}`,
		`{"ipAllowlist":["not-an-ip"]}`,
		`{"ipAllowlist":"10.0.0.1"}`,
		`[1,2,3]`,
		`{not json`,
	} {
		_, err := f.svc.UpdateGatewayConfig(ctx, f.customer.ID, store.ServiceSealMainnet, []byte(bad))
		assert.True(t, fault.IsKind(err, fault.KindInput), "payload %s should be rejected", bad)
	}

	// Nothing was stored by the rejected updates.
	si, err := f.st.GetServiceByCustomerAndType(ctx, f.st.DB(), f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.Empty(t, si.GatewayConfigJSON)
}

func TestService_UpdateGatewayConfigDisabledServiceSkipsMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Unfunded subscribe leaves the instance disabled with a pending invoice.
	si, _, err := f.svc.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)
	require.Equal(t, store.StateDisabled, si.State)

	si, err = f.svc.UpdateGatewayConfig(ctx, f.customer.ID, store.ServiceSealMainnet, []byte(`{"ipAllowlist":[]}`))
	require.NoError(t, err)
	assert.Zero(t, si.SmaConfigChangeVaultSeq)

	vc, err := f.st.GetVaultControl(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	assert.False(t, vc.HasPendingChanges())
}

func TestService_CreateSealKeyCapPerTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet) // starter: 2 keys

	k1, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-one")
	require.NoError(t, err)
	k2, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-two")
	require.NoError(t, err)

	assert.True(t, k1.IsUserEnabled)
	assert.Equal(t, 1, k1.ProcessGroup)
	assert.NotEqual(t, k1.DerivationIndex, k2.DerivationIndex)

	_, err = f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-three")
	assert.True(t, fault.IsKind(err, fault.KindInput))
}

func TestService_SealKeyIndexNeverRecycled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	k1, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-a")
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSealKey(ctx, f.customer.ID, k1.ID))

	k2, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-b")
	require.NoError(t, err)
	assert.Greater(t, k2.DerivationIndex, k1.DerivationIndex)

	keys, err := f.svc.ListSealKeys(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, k2.ID, keys[0].ID)
}

func TestService_SealKeyOwnershipDoesNotLeak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	k, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-owned")
	require.NoError(t, err)

	other, err := f.st.GetOrCreateCustomerByWallet(ctx, "0xsomeoneelse")
	require.NoError(t, err)

	err = f.svc.DisableSealKey(ctx, other.ID, k.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = f.svc.DeleteSealKey(ctx, other.ID, k.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The owner still sees the key untouched.
	got, err := f.st.GetSealKey(ctx, f.st.DB(), k.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUserEnabled)
	assert.Nil(t, got.DeletedAt)
}

func TestService_SealKeyDisableEnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	k, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "pk-toggle")
	require.NoError(t, err)

	require.NoError(t, f.svc.DisableSealKey(ctx, f.customer.ID, k.ID))
	got, err := f.st.GetSealKey(ctx, f.st.DB(), k.ID)
	require.NoError(t, err)
	assert.False(t, got.IsUserEnabled)

	require.NoError(t, f.svc.EnableSealKey(ctx, f.customer.ID, k.ID))
	got, err = f.st.GetSealKey(ctx, f.st.DB(), k.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUserEnabled)
}

func TestService_SealKeyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	_, err := f.svc.CreateSealKey(ctx, f.customer.ID, store.ServiceSealMainnet, "   ")
	assert.True(t, fault.IsKind(err, fault.KindInput))

	_, err = f.svc.CreateSealKey(ctx, f.customer.ID, "bogus", "pk")
	assert.True(t, fault.IsKind(err, fault.KindInput))
}

func TestService_DepositTriggersReconcile(t *testing.T) {
	f := newFixture(t)

	digest, err := f.svc.Deposit(context.Background(), f.customer.ID, 2_000)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.Len(t, f.rec.reconciles, 1)
	assert.Equal(t, f.customer.ID, f.rec.reconciles[0])
}

func TestService_WalletWithoutEscrowRail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cardOnly := NewService(f.st, nil, nil, f.rec, f.clk, discardLogger())

	_, err := cardOnly.Deposit(ctx, f.customer.ID, 1_000)
	assert.True(t, fault.IsKind(err, fault.KindUnavailable))
	_, err = cardOnly.Withdraw(ctx, f.customer.ID, 1_000)
	assert.True(t, fault.IsKind(err, fault.KindUnavailable))

	syncAlls, reconciles := f.rec.counts()
	assert.Zero(t, syncAlls)
	assert.Zero(t, reconciles)
}

func TestService_SetSpendingLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.SetSpendingLimit(ctx, f.customer.ID, -5)
	assert.True(t, fault.IsKind(err, fault.KindInput))

	require.NoError(t, f.svc.SetSpendingLimit(ctx, f.customer.ID, 12_000))
	c, err := f.st.GetCustomer(ctx, f.st.DB(), f.customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(12_000), c.SpendingLimitUsdCents)
}

func TestService_GetServiceStatusSyncIndicator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribeEnabled(t, store.ServiceSealMainnet)

	si, err := f.svc.UpdateGatewayConfig(ctx, f.customer.ID, store.ServiceSealMainnet, []byte(`{"ipAllowlist":["192.0.2.1"]}`))
	require.NoError(t, err)
	changeSeq := si.SmaConfigChangeVaultSeq
	require.Greater(t, changeSeq, int64(0))

	// No edge reports yet: the aggregate is undefined, nothing is synced.
	status, err := f.svc.GetServiceStatus(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.False(t, status.Synced)
	assert.Nil(t, status.FleetMinSeq)

	// One live edge behind the change: still not synced.
	now := f.clk.Now()
	behind := changeSeq - 1
	require.NoError(t, f.st.UpsertLMStatus(ctx, f.st.DB(), &store.LMStatus{
		LMID: "lm-1", VaultType: store.VaultTypeSMA, AppliedSeq: &behind, LastSeenAt: now,
	}))
	status, err = f.svc.GetServiceStatus(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.False(t, status.Synced)
	require.NotNil(t, status.FleetMinSeq)
	assert.Equal(t, behind, *status.FleetMinSeq)

	// Both edges at or past the change: synced.
	ahead := changeSeq + 1
	require.NoError(t, f.st.UpsertLMStatus(ctx, f.st.DB(), &store.LMStatus{
		LMID: "lm-1", VaultType: store.VaultTypeSMA, AppliedSeq: &changeSeq, LastSeenAt: now,
	}))
	require.NoError(t, f.st.UpsertLMStatus(ctx, f.st.DB(), &store.LMStatus{
		LMID: "lm-2", VaultType: store.VaultTypeSMA, AppliedSeq: &ahead, LastSeenAt: now,
	}))
	status, err = f.svc.GetServiceStatus(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.True(t, status.Synced)

	// A stale edge drops out of the aggregate instead of blocking it.
	stale := changeSeq - 2
	require.NoError(t, f.st.UpsertLMStatus(ctx, f.st.DB(), &store.LMStatus{
		LMID: "lm-3", VaultType: store.VaultTypeSMA, AppliedSeq: &stale,
		LastSeenAt: now.Add(-2 * store.LMFreshnessWindow),
	}))
	status, err = f.svc.GetServiceStatus(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.True(t, status.Synced)
}

func TestService_GetServiceStatusUnknownService(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetServiceStatus(context.Background(), f.customer.ID, store.ServiceSealMainnet)
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestService_GetServiceStatusPendingInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	si, inv, err := f.svc.Subscribe(ctx, f.customer.ID, store.ServiceSealMainnet, tiers.TierStarter)
	require.NoError(t, err)
	require.Equal(t, store.StateDisabled, si.State)
	require.NotNil(t, inv)

	status, err := f.svc.GetServiceStatus(ctx, f.customer.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	require.NotNil(t, status.PendingInvoice)
	assert.Equal(t, inv.ID, status.PendingInvoice.ID)
}
