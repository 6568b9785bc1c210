package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertLMStatus records the latest health report for one (edge, vault)
// pair. The polling task calls this once per pair per round.
func (s *Store) UpsertLMStatus(ctx context.Context, q Querier, st *LMStatus) error {
	_, err := q.ExecContext(ctx, s.q(
		`INSERT INTO lm_status (lm_id, vault_type, applied_seq, applied_at, processing_seq,
			entries, last_seen_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (lm_id, vault_type) DO UPDATE
		 SET applied_seq = excluded.applied_seq,
			 applied_at = excluded.applied_at,
			 processing_seq = excluded.processing_seq,
			 entries = excluded.entries,
			 last_seen_at = excluded.last_seen_at,
			 last_error = excluded.last_error`),
		st.LMID, st.VaultType, nullInt(st.AppliedSeq), fmtNullTime(st.AppliedAt), nullInt(st.ProcessingSeq),
		st.Entries, fmtTime(st.LastSeenAt), nullStr(st.LastError))
	if err != nil {
		return fmt.Errorf("store: upsert lm status: %w", err)
	}
	return nil
}

// MarkLMUnreachable records a failed poll round for one (edge, vault) pair.
// Only the seen time and error change; the last successfully reported
// applied state is preserved so operators can still see where the edge was.
func (s *Store) MarkLMUnreachable(ctx context.Context, q Querier, lmID, vaultType string, now time.Time, errMsg string) error {
	_, err := q.ExecContext(ctx, s.q(
		`INSERT INTO lm_status (lm_id, vault_type, applied_seq, applied_at, processing_seq,
			entries, last_seen_at, last_error)
		 VALUES (?, ?, NULL, NULL, NULL, 0, ?, ?)
		 ON CONFLICT (lm_id, vault_type) DO UPDATE
		 SET last_seen_at = excluded.last_seen_at,
			 last_error = excluded.last_error`),
		lmID, vaultType, fmtTime(now), errMsg)
	if err != nil {
		return fmt.Errorf("store: mark lm unreachable: %w", err)
	}
	return nil
}

// ListLMStatus returns every known (edge, vault) row.
func (s *Store) ListLMStatus(ctx context.Context, q Querier) ([]*LMStatus, error) {
	return s.listLMStatus(ctx, q,
		`SELECT lm_id, vault_type, applied_seq, applied_at, processing_seq, entries, last_seen_at, last_error
		 FROM lm_status ORDER BY lm_id, vault_type`)
}

// ListLMStatusByVault returns the rows for one vault type.
func (s *Store) ListLMStatusByVault(ctx context.Context, q Querier, vaultType string) ([]*LMStatus, error) {
	return s.listLMStatus(ctx, q,
		`SELECT lm_id, vault_type, applied_seq, applied_at, processing_seq, entries, last_seen_at, last_error
		 FROM lm_status WHERE vault_type = ? ORDER BY lm_id`, vaultType)
}

// MinAppliedSeq computes the fleet-wide minimum applied seq for a vault type
// over live rows (seen since cutoff, no error). The second return is false
// when no live rows exist, leaving the aggregate undefined.
func (s *Store) MinAppliedSeq(ctx context.Context, q Querier, vaultType string, cutoff time.Time) (int64, bool, error) {
	rows, err := s.ListLMStatusByVault(ctx, q, vaultType)
	if err != nil {
		return 0, false, err
	}

	min, found := int64(0), false
	for _, r := range rows {
		if !r.Live(cutoff) {
			continue
		}
		applied := int64(0) // live edge that has applied nothing pins the fleet at 0
		if r.AppliedSeq != nil {
			applied = *r.AppliedSeq
		}
		if !found || applied < min {
			min, found = applied, true
		}
	}
	return min, found, nil
}

func (s *Store) listLMStatus(ctx context.Context, q Querier, query string, args ...any) ([]*LMStatus, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list lm status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LMStatus
	for rows.Next() {
		var (
			st         LMStatus
			appliedSeq sql.NullInt64
			appliedAt  sql.NullString
			processing sql.NullInt64
			lastSeenAt string
			lastError  sql.NullString
		)
		if err := rows.Scan(&st.LMID, &st.VaultType, &appliedSeq, &appliedAt, &processing,
			&st.Entries, &lastSeenAt, &lastError); err != nil {
			return nil, fmt.Errorf("store: scan lm status: %w", err)
		}
		st.AppliedSeq = intPtr(appliedSeq)
		st.AppliedAt = parseNullTime(appliedAt)
		st.ProcessingSeq = intPtr(processing)
		st.LastSeenAt = parseTime(lastSeenAt)
		st.LastError = strPtr(lastError)
		out = append(out, &st)
	}
	return out, rows.Err()
}
