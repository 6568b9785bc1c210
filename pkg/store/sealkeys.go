package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sealKeyColumns = `id, customer_id, instance_id, process_group, derivation_index,
	public_key, is_user_enabled, created_at, deleted_at`

// CreateSealKey inserts a key row. The derivation index must come from
// AllocateDerivationIndex inside the same transaction; the unique
// (process_group, derivation_index) constraint backstops that discipline.
func (s *Store) CreateSealKey(ctx context.Context, q Querier, k *SealKey) error {
	k.CreatedAt = s.clock.Now()
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO seal_keys (customer_id, instance_id, process_group, derivation_index,
			public_key, is_user_enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		k.CustomerID, k.InstanceID, k.ProcessGroup, k.DerivationIndex,
		k.PublicKey, k.IsUserEnabled, fmtTime(k.CreatedAt)).Scan(&k.ID)
	if err != nil {
		return fmt.Errorf("store: create seal key: %w", err)
	}
	return nil
}

// GetSealKey loads a key by id, including soft-deleted rows.
func (s *Store) GetSealKey(ctx context.Context, q Querier, id int64) (*SealKey, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+sealKeyColumns+` FROM seal_keys WHERE id = ?`), id)
	k, err := scanSealKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// ListSealKeys returns an instance's keys, oldest first. Soft-deleted keys
// are excluded unless includeDeleted is set.
func (s *Store) ListSealKeys(ctx context.Context, q Querier, instanceID int64, includeDeleted bool) ([]*SealKey, error) {
	query := `SELECT ` + sealKeyColumns + ` FROM seal_keys WHERE instance_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, s.q(query), instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: list seal keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SealKey
	for rows.Next() {
		k, err := scanSealKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CountActiveSealKeys counts the instance's non-deleted keys, for tier caps.
func (s *Store) CountActiveSealKeys(ctx context.Context, q Querier, instanceID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM seal_keys WHERE instance_id = ? AND deleted_at IS NULL`),
		instanceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count seal keys: %w", err)
	}
	return n, nil
}

// SetSealKeyEnabled flips the user-enabled flag on a live key.
func (s *Store) SetSealKeyEnabled(ctx context.Context, q Querier, id int64, enabled bool) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE seal_keys SET is_user_enabled = ? WHERE id = ? AND deleted_at IS NULL`),
		enabled, id)
	if err != nil {
		return fmt.Errorf("store: set seal key enabled: %w", err)
	}
	return requireRow(res)
}

// SoftDeleteSealKey tombstones the key. Its derivation index stays burned;
// a later allocation continues from the counter.
func (s *Store) SoftDeleteSealKey(ctx context.Context, q Querier, id int64, now time.Time) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE seal_keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`),
		fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("store: soft delete seal key: %w", err)
	}
	return requireRow(res)
}

func scanSealKey(row scanner) (*SealKey, error) {
	var (
		k         SealKey
		createdAt string
		deletedAt sql.NullString
	)
	err := row.Scan(&k.ID, &k.CustomerID, &k.InstanceID, &k.ProcessGroup, &k.DerivationIndex,
		&k.PublicKey, &k.IsUserEnabled, &createdAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan seal key: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	k.DeletedAt = parseNullTime(deletedAt)
	return &k, nil
}
