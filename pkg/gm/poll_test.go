package gm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/lm"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
)

func healthServer(t *testing.T, health lm.HealthResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func manager(id, host string, vaults ...string) FleetManager {
	return FleetManager{ID: id, Name: id, Host: host, Vaults: vaults}
}

func TestPoller_PersistsAppliedStatus(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()
	appliedAt := time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC)

	srv := healthServer(t, lm.HealthResponse{
		Service: "seal-lm",
		Version: version.Version,
		Vaults: []lm.VaultHealth{{
			Type:    store.VaultTypeSMA,
			Entries: 12,
			Applied: &lm.AppliedInfo{Seq: 3, At: appliedAt},
		}},
	})
	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-1", srv.URL, store.VaultTypeSMA),
	}}, f.clk, discardLogger())

	require.NoError(t, p.Poll(ctx))

	rows, err := f.st.ListLMStatusByVault(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "lm-1", row.LMID)
	require.NotNil(t, row.AppliedSeq)
	assert.Equal(t, int64(3), *row.AppliedSeq)
	require.NotNil(t, row.AppliedAt)
	assert.True(t, row.AppliedAt.Equal(appliedAt))
	assert.Equal(t, int64(12), row.Entries)
	assert.True(t, row.LastSeenAt.Equal(f.clk.Now()))
	assert.Nil(t, row.LastError)

	last := p.Last()
	require.Len(t, last, 1)
	assert.True(t, last[0].Reachable)
	require.Len(t, last[0].Vaults, 1)
	require.NotNil(t, last[0].Vaults[0].AppliedSeq)
	assert.Equal(t, int64(3), *last[0].Vaults[0].AppliedSeq)
}

func TestPoller_UnreachableEdgeKeepsLastAppliedState(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	// The edge reported seq 2 on an earlier round.
	seq := int64(2)
	seen := f.clk.Now().Add(-time.Minute)
	require.NoError(t, f.st.UpsertLMStatus(ctx, f.st.DB(), &store.LMStatus{
		LMID: "lm-1", VaultType: store.VaultTypeSMA,
		AppliedSeq: &seq, Entries: 5, LastSeenAt: seen,
	}))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // connection refused from here on

	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-1", url, store.VaultTypeSMA),
	}}, f.clk, discardLogger())
	require.NoError(t, p.Poll(ctx), "an unreachable edge is recorded, not an error")

	rows, err := f.st.ListLMStatusByVault(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	require.NotNil(t, row.AppliedSeq, "applied state survives failed rounds")
	assert.Equal(t, int64(2), *row.AppliedSeq)
	assert.Equal(t, int64(5), row.Entries)
	require.NotNil(t, row.LastError)
	assert.NotEmpty(t, *row.LastError)
	assert.True(t, row.LastSeenAt.Equal(f.clk.Now()))

	last := p.Last()
	require.Len(t, last, 1)
	assert.False(t, last[0].Reachable)
	assert.NotEmpty(t, last[0].Error)

	// A failing edge drops out of the fleet aggregate entirely.
	cutoff := f.clk.Now().Add(-store.LMFreshnessWindow)
	_, found, err := f.st.MinAppliedSeq(ctx, f.st.DB(), store.VaultTypeSMA, cutoff)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPoller_MinAppliedSeqAcrossFleet(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	ahead := healthServer(t, lm.HealthResponse{
		Version: version.Version,
		Vaults: []lm.VaultHealth{{
			Type:    store.VaultTypeSMA,
			Applied: &lm.AppliedInfo{Seq: 5, At: f.clk.Now()},
		}},
	})
	behind := healthServer(t, lm.HealthResponse{
		Version: version.Version,
		Vaults: []lm.VaultHealth{{
			Type:    store.VaultTypeSMA,
			Applied: &lm.AppliedInfo{Seq: 3, At: f.clk.Now()},
		}},
	})

	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-ahead", ahead.URL, store.VaultTypeSMA),
		manager("lm-behind", behind.URL, store.VaultTypeSMA),
	}}, f.clk, discardLogger())
	require.NoError(t, p.Poll(ctx))

	cutoff := f.clk.Now().Add(-store.LMFreshnessWindow)
	min, found, err := f.st.MinAppliedSeq(ctx, f.st.DB(), store.VaultTypeSMA, cutoff)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), min, "the slowest live edge defines the fleet floor")
}

func TestPoller_ProcessingErrorExcludesEdgeFromAggregate(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	srv := healthServer(t, lm.HealthResponse{
		Version: version.Version,
		Vaults: []lm.VaultHealth{{
			Type:       store.VaultTypeSMA,
			Applied:    &lm.AppliedInfo{Seq: 4, At: f.clk.Now()},
			Processing: &lm.ProcessingInfo{Seq: 5, StartedAt: f.clk.Now(), Error: "decrypt failed"},
		}},
	})
	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-1", srv.URL, store.VaultTypeSMA),
	}}, f.clk, discardLogger())
	require.NoError(t, p.Poll(ctx))

	rows, err := f.st.ListLMStatusByVault(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].AppliedSeq)
	assert.Equal(t, int64(4), *rows[0].AppliedSeq)
	assert.Nil(t, rows[0].ProcessingSeq, "a failed apply is an error, not progress")
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "decrypt failed", *rows[0].LastError)

	cutoff := f.clk.Now().Add(-store.LMFreshnessWindow)
	_, found, err := f.st.MinAppliedSeq(ctx, f.st.DB(), store.VaultTypeSMA, cutoff)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPoller_ProcessingInProgressRecorded(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	srv := healthServer(t, lm.HealthResponse{
		Version: version.Version,
		Vaults: []lm.VaultHealth{{
			Type:       store.VaultTypeSMA,
			Applied:    &lm.AppliedInfo{Seq: 4, At: f.clk.Now()},
			Processing: &lm.ProcessingInfo{Seq: 5, StartedAt: f.clk.Now()},
		}},
	})
	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-1", srv.URL, store.VaultTypeSMA),
	}}, f.clk, discardLogger())
	require.NoError(t, p.Poll(ctx))

	rows, err := f.st.ListLMStatusByVault(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].ProcessingSeq)
	assert.Equal(t, int64(5), *rows[0].ProcessingSeq)
	assert.Nil(t, rows[0].LastError)
}

func TestPoller_EmptyFleetIsNoop(t *testing.T) {
	f := newGMFixture(t)
	p := NewPoller(f.st, &Fleet{}, f.clk, discardLogger())
	require.NoError(t, p.Poll(context.Background()))
	assert.Empty(t, p.Last())
}

func TestPoller_VersionSkewIsAdvisory(t *testing.T) {
	f := newGMFixture(t)
	ctx := context.Background()

	srv := healthServer(t, lm.HealthResponse{
		Version: "99.9.9",
		Vaults: []lm.VaultHealth{{
			Type:    store.VaultTypeSMA,
			Applied: &lm.AppliedInfo{Seq: 1, At: f.clk.Now()},
		}},
	})
	p := NewPoller(f.st, &Fleet{Managers: []FleetManager{
		manager("lm-future", srv.URL, store.VaultTypeSMA),
	}}, f.clk, discardLogger())

	require.NoError(t, p.Poll(ctx), "version skew warns but never fails the round")
	rows, err := f.st.ListLMStatusByVault(ctx, f.st.DB(), store.VaultTypeSMA)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
