package store

import (
	"context"
	"fmt"
)

// validVaultType guards the vault-type column substitutions below. Only
// whitelisted codes ever reach fmt.Sprintf.
func validVaultType(vt string) bool {
	for _, v := range VaultTypes {
		if v == vt {
			return true
		}
	}
	return false
}

// AllocateDerivationIndex atomically advances the process group's counter
// and returns the value before the advance. It must run inside the caller's
// transaction: a rollback leaves the counter unchanged, and the index is
// never handed out twice. Soft deletes never recycle indices.
func (s *Store) AllocateDerivationIndex(ctx context.Context, q Querier, pg int) (int64, error) {
	var col string
	switch pg {
	case 1:
		col = "pg1_next_index"
	case 2:
		col = "pg2_next_index"
	default:
		return 0, ErrInvalidProcessGroup
	}

	var index int64
	query := fmt.Sprintf(
		`UPDATE system_control SET %s = %s + 1 WHERE id = 1 RETURNING %s - 1`, col, col, col)
	if err := q.QueryRowContext(ctx, query).Scan(&index); err != nil {
		return 0, fmt.Errorf("store: allocate derivation index pg%d: %w", pg, err)
	}
	return index, nil
}

// MarkConfigChanged records that a gateway-affecting mutation is pending for
// a vault type. In one atomic statement it raises the vault's
// MaxConfigChangeSeq to NextVaultSeq and returns that expected seq; the
// caller writes it into the affected service's config-change column inside
// the same transaction.
func (s *Store) MarkConfigChanged(ctx context.Context, q Querier, vaultType string) (int64, error) {
	if !validVaultType(vaultType) {
		return 0, ErrInvalidVaultType
	}

	var expected int64
	query := fmt.Sprintf(
		`UPDATE system_control
		 SET %[1]s_max_config_change_seq = %[2]s(%[1]s_max_config_change_seq, %[1]s_next_vault_seq)
		 WHERE id = 1
		 RETURNING %[1]s_next_vault_seq`, vaultType, s.greatest())
	if err := q.QueryRowContext(ctx, query).Scan(&expected); err != nil {
		return 0, fmt.Errorf("store: mark config changed %s: %w", vaultType, err)
	}
	return expected, nil
}

// SetServiceConfigChangeSeq stamps the service row with the expected seq
// returned by MarkConfigChanged.
func (s *Store) SetServiceConfigChangeSeq(ctx context.Context, q Querier, instanceID int64, vaultType string, seq int64) error {
	if !validVaultType(vaultType) {
		return ErrInvalidVaultType
	}
	query := fmt.Sprintf(
		`UPDATE service_instances SET %s_config_change_vault_seq = ?, updated_at = ? WHERE id = ?`, vaultType)
	res, err := q.ExecContext(ctx, s.q(query), seq, fmtTime(s.clock.Now()), instanceID)
	if err != nil {
		return fmt.Errorf("store: set config change seq: %w", err)
	}
	return requireRow(res)
}

// AdvanceNextVaultSeq reserves the seq for the vault file about to be
// generated. NextVaultSeq jumps to VaultSeq+2 so any API mutation that
// interleaves with the generation records a seq distinct from the one being
// written; the allocated file seq (VaultSeq+1) is returned.
func (s *Store) AdvanceNextVaultSeq(ctx context.Context, q Querier, vaultType string) (int64, error) {
	if !validVaultType(vaultType) {
		return 0, ErrInvalidVaultType
	}

	var allocated int64
	query := fmt.Sprintf(
		`UPDATE system_control
		 SET %[1]s_next_vault_seq = %[1]s_vault_seq + 2
		 WHERE id = 1
		 RETURNING %[1]s_vault_seq + 1`, vaultType)
	if err := q.QueryRowContext(ctx, query).Scan(&allocated); err != nil {
		return 0, fmt.Errorf("store: advance next vault seq %s: %w", vaultType, err)
	}
	return allocated, nil
}

// CompleteVaultWrite records a durably written vault file: VaultSeq adopts
// the written seq and NextVaultSeq resets to the following one. Startup
// reconciliation reuses it when the transmit directory is ahead of the
// database.
func (s *Store) CompleteVaultWrite(ctx context.Context, q Querier, vaultType string, seq int64, contentHash string, entries int64) error {
	if !validVaultType(vaultType) {
		return ErrInvalidVaultType
	}

	query := fmt.Sprintf(
		`UPDATE system_control
		 SET %[1]s_vault_seq = ?, %[1]s_vault_content_hash = ?, %[1]s_vault_entries = ?, %[1]s_next_vault_seq = ?
		 WHERE id = 1`, vaultType)
	if _, err := q.ExecContext(ctx, s.q(query), seq, contentHash, entries, seq+1); err != nil {
		return fmt.Errorf("store: complete vault write %s: %w", vaultType, err)
	}
	return nil
}

// GetVaultControl reads the per-vault slice of the SystemControl row.
func (s *Store) GetVaultControl(ctx context.Context, q Querier, vaultType string) (VaultControl, error) {
	if !validVaultType(vaultType) {
		return VaultControl{}, ErrInvalidVaultType
	}

	var vc VaultControl
	query := fmt.Sprintf(
		`SELECT %[1]s_next_vault_seq, %[1]s_max_config_change_seq, %[1]s_vault_seq,
			%[1]s_vault_content_hash, %[1]s_vault_entries
		 FROM system_control WHERE id = 1`, vaultType)
	err := q.QueryRowContext(ctx, query).Scan(
		&vc.NextVaultSeq, &vc.MaxConfigChangeSeq, &vc.VaultSeq, &vc.VaultContentHash, &vc.VaultEntries)
	if err != nil {
		return VaultControl{}, fmt.Errorf("store: get vault control %s: %w", vaultType, err)
	}
	return vc, nil
}

// GetSystemControl reads the whole singleton row.
func (s *Store) GetSystemControl(ctx context.Context, q Querier) (*SystemControl, error) {
	sc := &SystemControl{Vaults: make(map[string]VaultControl, len(VaultTypes))}

	var sma, sta VaultControl
	err := q.QueryRowContext(ctx,
		`SELECT pg1_next_index, pg2_next_index,
			sma_next_vault_seq, sma_max_config_change_seq, sma_vault_seq, sma_vault_content_hash, sma_vault_entries,
			sta_next_vault_seq, sta_max_config_change_seq, sta_vault_seq, sta_vault_content_hash, sta_vault_entries
		 FROM system_control WHERE id = 1`).Scan(
		&sc.PG1NextIndex, &sc.PG2NextIndex,
		&sma.NextVaultSeq, &sma.MaxConfigChangeSeq, &sma.VaultSeq, &sma.VaultContentHash, &sma.VaultEntries,
		&sta.NextVaultSeq, &sta.MaxConfigChangeSeq, &sta.VaultSeq, &sta.VaultContentHash, &sta.VaultEntries)
	if err != nil {
		return nil, fmt.Errorf("store: get system control: %w", err)
	}
	sc.Vaults[VaultTypeSMA] = sma
	sc.Vaults[VaultTypeSTA] = sta
	return sc, nil
}
