package gm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
)

// tenantEntry is the per-tenant vault payload the edge gateway consumes:
// effective limits plus the key material that authenticates requests.
type tenantEntry struct {
	InstanceID        int64           `json:"instanceId"`
	Tier              string          `json:"tier"`
	RequestsPerSecond int64           `json:"requestsPerSecond"`
	BurstRequests     int64           `json:"burstRequests"`
	MonthlyRequests   int64           `json:"monthlyRequests"`
	Config            json.RawMessage `json:"config,omitempty"`
	Keys              []tenantKey     `json:"keys"`
}

type tenantKey struct {
	PG        int    `json:"pg"`
	Index     int64  `json:"index"`
	PublicKey string `json:"publicKey"`
}

// syncAll regenerates every vault type that has pending changes. Runs on
// the task worker, so generation never races itself.
func (g *GM) syncAll(ctx context.Context) error {
	for _, vt := range store.VaultTypes {
		if err := g.generateVault(ctx, vt); err != nil {
			return err
		}
	}
	return nil
}

// generateVault writes one new vault file when MaxConfigChangeSeq has moved
// past the last written seq. NextVaultSeq is advanced to VaultSeq+2 before
// the write so an API mutation that interleaves records a seq distinct from
// the one being generated; CompleteVaultWrite settles it back to VaultSeq+1.
func (g *GM) generateVault(ctx context.Context, vaultType string) error {
	db := g.st.DB()

	vc, err := g.st.GetVaultControl(ctx, db, vaultType)
	if err != nil {
		return err
	}
	if !vc.HasPendingChanges() {
		return nil
	}

	entries, err := g.buildEntries(ctx, vaultType)
	if err != nil {
		return err
	}

	seq, err := g.st.AdvanceNextVaultSeq(ctx, db, vaultType)
	if err != nil {
		return err
	}

	v := &vault.Vault{
		Type:    vaultType,
		Seq:     seq,
		PG:      store.ServiceTypeForVault(vaultType).ProcessGroup(),
		Source:  g.source,
		Entries: entries,
	}
	name, err := g.dir.Write(v)
	if err != nil {
		return err
	}

	if err := g.st.CompleteVaultWrite(ctx, db, vaultType, seq, v.ContentHash, int64(len(entries))); err != nil {
		return err
	}

	g.log.Info("vault generated",
		"type", vaultType, "seq", seq, "entries", len(entries), "hash", v.ContentHash)
	g.archiveAsync(name)
	return nil
}

// buildEntries assembles the tenant mapping for one vault type: every
// enabled instance, keyed by wallet address, carrying its effective limits
// and enabled seal keys.
func (g *GM) buildEntries(ctx context.Context, vaultType string) (map[string]string, error) {
	db := g.st.DB()

	services, err := g.st.ListEnabledServicesForVault(ctx, db, vaultType)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]string, len(services))
	for _, si := range services {
		cust, err := g.st.GetCustomer(ctx, db, si.CustomerID)
		if err != nil {
			return nil, err
		}
		keys, err := g.st.ListSealKeys(ctx, db, si.ID, false)
		if err != nil {
			return nil, err
		}

		te := tenantEntry{
			InstanceID: si.ID,
			Tier:       string(si.Tier),
			Config:     si.GatewayConfigJSON,
			Keys:       make([]tenantKey, 0, len(keys)),
		}
		if t := tiers.Get(si.Tier); t != nil {
			te.RequestsPerSecond = t.Limits.RequestsPerSecond
			te.BurstRequests = t.Limits.BurstRequests
			te.MonthlyRequests = t.Limits.MonthlyRequests
		}
		for _, k := range keys {
			if !k.IsUserEnabled {
				continue
			}
			te.Keys = append(te.Keys, tenantKey{
				PG:        k.ProcessGroup,
				Index:     k.DerivationIndex,
				PublicKey: k.PublicKey,
			})
		}

		raw, err := json.Marshal(te)
		if err != nil {
			return nil, fmt.Errorf("gm: marshal tenant entry for instance %d: %w", si.ID, err)
		}
		entries[cust.WalletAddress] = string(raw)
	}
	return entries, nil
}

// archiveAsync mirrors a written vault file to the archive backend.
// Fire-and-forget: archive failures never block or fail generation.
func (g *GM) archiveAsync(name string) {
	if g.archive == nil {
		return
	}
	data, err := g.dir.Read(name)
	if err != nil {
		g.log.Warn("archive skipped, file unreadable", "file", name, "err", err)
		return
	}
	g.archiveWG.Add(1)
	go func() {
		defer g.archiveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.archive.Put(ctx, name, data); err != nil {
			g.log.Warn("archive upload failed", "file", name, "err", err)
			return
		}
		g.log.Debug("vault archived", "file", name)
	}()
}

// ReconcileStartup aligns the SystemControl row with the transmit
// directory before serving. Disk ahead of the database happens after a DB
// restore; the newest valid file is adopted so seq allocation continues
// past it. A database ahead of disk is logged and left alone.
func (g *GM) ReconcileStartup(ctx context.Context) error {
	db := g.st.DB()
	for _, vt := range store.VaultTypes {
		v, err := g.dir.LatestValid(vt)
		if errors.Is(err, vault.ErrNoVault) {
			continue
		}
		if err != nil {
			return err
		}

		vc, err := g.st.GetVaultControl(ctx, db, vt)
		if err != nil {
			return err
		}
		switch {
		case v.Seq > vc.VaultSeq:
			if err := g.st.CompleteVaultWrite(ctx, db, vt, v.Seq, v.ContentHash, int64(len(v.Entries))); err != nil {
				return err
			}
			g.log.Info("adopted vault state from disk",
				"type", vt, "seq", v.Seq, "dbSeq", vc.VaultSeq)
		case v.Seq < vc.VaultSeq:
			g.log.Warn("database ahead of transmit directory",
				"type", vt, "dbSeq", vc.VaultSeq, "diskSeq", v.Seq)
		}
	}
	return nil
}
