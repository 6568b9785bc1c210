package gm

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/api"
	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/lm"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
)

// TestPropagation_ConfigChangeReachesSyncIndicator walks a config edit
// through the whole pipeline: API mutation, coordinator vault write, edge
// apply, fleet poll, and finally the customer-facing synced flag. The LM
// consumes the coordinator's directory in place of an rsync'd copy.
func TestPropagation_ConfigChangeReachesSyncIndicator(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	engine := billing.New(f.st, []payment.Provider{f.escrow}, f.clk, discardLogger())
	svc := api.NewService(f.st, engine, f.escrow, nil, f.clk, discardLogger())

	cust, err := f.st.GetOrCreateCustomerByWallet(ctx, "0xpropagation")
	require.NoError(t, err)
	_, err = f.escrow.Deposit(ctx, f.st.DB(), cust.ID, 10_000)
	require.NoError(t, err)
	_, _, err = svc.Subscribe(ctx, cust.ID, store.ServiceSealMainnet, tiers.TierPro)
	require.NoError(t, err)
	_, err = svc.EnableService(ctx, cust.ID, store.ServiceSealMainnet)
	require.NoError(t, err)

	// The allowlist edit records a pending change seq on the control row.
	cfg := `{"ipAllowlist":["203.0.113.0/24"]}`
	si, err := svc.UpdateGatewayConfig(ctx, cust.ID, store.ServiceSealMainnet, []byte(cfg))
	require.NoError(t, err)
	changeSeq := si.SmaConfigChangeVaultSeq
	require.Greater(t, changeSeq, int64(0))
	require.GreaterOrEqual(t, f.control(t, store.VaultTypeSMA).MaxConfigChangeSeq, changeSeq)

	status, err := svc.GetServiceStatus(ctx, cust.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.False(t, status.Synced, "no edge has applied anything yet")

	// Coordinator sweep: the written vault covers the change and carries
	// the new allowlist.
	require.NoError(t, f.g.syncAll(ctx))
	vc := f.control(t, store.VaultTypeSMA)
	require.GreaterOrEqual(t, vc.VaultSeq, changeSeq)

	v, err := f.dir.LoadBySeq(store.VaultTypeSMA, vc.VaultSeq)
	require.NoError(t, err)
	var te tenantEntry
	require.NoError(t, json.Unmarshal([]byte(v.Entries["0xpropagation"]), &te))
	assert.JSONEq(t, cfg, string(te.Config))

	// Edge agent picks the file up and promotes it through its hooks.
	agent, err := lm.NewAgent("edge-1", "edge one", f.dir, []string{store.VaultTypeSMA},
		time.Minute, f.clk, discardLogger())
	require.NoError(t, err)
	var added []string
	require.NoError(t, agent.OnApply(store.VaultTypeSMA, func(_ context.Context, _ *vault.Vault, d *vault.Diff) error {
		added = append(added, d.Added...)
		return nil
	}))
	require.NoError(t, agent.CheckAll(ctx))
	assert.Contains(t, added, "0xpropagation")
	active := agent.VaultHandler(store.VaultTypeSMA).Active()
	require.NotNil(t, active)
	assert.Equal(t, vc.VaultSeq, active.Seq)

	// Fleet poll lands the applied seq in the store over real HTTP.
	srv := httptest.NewServer(agent.Routes())
	defer srv.Close()
	poller := NewPoller(f.st, &Fleet{Managers: []FleetManager{{
		ID: "edge-1", Name: "edge one", Host: srv.URL, Vaults: []string{store.VaultTypeSMA},
	}}}, f.clk, discardLogger())
	require.NoError(t, poller.Poll(ctx))

	last := poller.Last()
	require.Len(t, last, 1)
	assert.True(t, last[0].Reachable)
	require.Len(t, last[0].Vaults, 1)
	require.NotNil(t, last[0].Vaults[0].AppliedSeq)
	assert.Equal(t, vc.VaultSeq, *last[0].Vaults[0].AppliedSeq)

	// The customer-facing indicator flips once the fleet minimum covers
	// the change.
	status, err = svc.GetServiceStatus(ctx, cust.ID, store.ServiceSealMainnet)
	require.NoError(t, err)
	assert.True(t, status.Synced)
	require.NotNil(t, status.FleetMinSeq)
	assert.GreaterOrEqual(t, *status.FleetMinSeq, changeSeq)
}
