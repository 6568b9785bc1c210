package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const customerColumns = `id, wallet_address, balance_usd_cents, spending_limit_usd_cents,
	current_period_charged_usd_cents, current_period_start, paid_once,
	escrow_contract_id, created_at, updated_at, deleted_at`

// GetOrCreateCustomerByWallet returns the customer for a wallet address,
// creating the row on first contact. Safe under concurrent first contact:
// the unique constraint resolves the race and the loser re-reads.
func (s *Store) GetOrCreateCustomerByWallet(ctx context.Context, wallet string) (*Customer, error) {
	c, err := s.GetCustomerByWallet(ctx, s.db, wallet)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := fmtTime(s.clock.Now())
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO customers (wallet_address, created_at, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (wallet_address) DO NOTHING
		 RETURNING id`), wallet, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race; the row exists now.
		return s.GetCustomerByWallet(ctx, s.db, wallet)
	}
	if err != nil {
		return nil, fmt.Errorf("store: create customer: %w", err)
	}
	return s.GetCustomer(ctx, s.db, id)
}

// GetCustomer loads a customer by id.
func (s *Store) GetCustomer(ctx context.Context, q Querier, id int64) (*Customer, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`), id)
	return scanCustomer(row)
}

// GetCustomerByWallet loads a customer by wallet address.
func (s *Store) GetCustomerByWallet(ctx context.Context, q Querier, wallet string) (*Customer, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+customerColumns+` FROM customers WHERE wallet_address = ?`), wallet)
	return scanCustomer(row)
}

func scanCustomer(row *sql.Row) (*Customer, error) {
	var (
		c           Customer
		periodStart sql.NullString
		escrowID    sql.NullString
		createdAt   string
		updatedAt   string
		deletedAt   sql.NullString
	)
	err := row.Scan(&c.ID, &c.WalletAddress, &c.BalanceUsdCents, &c.SpendingLimitUsdCents,
		&c.CurrentPeriodChargedUsdCents, &periodStart, &c.PaidOnce,
		&escrowID, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan customer: %w", err)
	}
	c.CurrentPeriodStart = parseNullTime(periodStart)
	c.EscrowContractID = strPtr(escrowID)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.DeletedAt = parseNullTime(deletedAt)
	return &c, nil
}

// SetCustomerPaidOnce marks the customer as having settled at least one
// invoice. The flag never reverts.
func (s *Store) SetCustomerPaidOnce(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, s.q(
		`UPDATE customers SET paid_once = TRUE, updated_at = ? WHERE id = ?`),
		fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set paid_once: %w", err)
	}
	return nil
}

// SetSpendingLimit updates the 28-day escrow spending limit (0 = unlimited).
func (s *Store) SetSpendingLimit(ctx context.Context, q Querier, id, limitCents int64) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE customers SET spending_limit_usd_cents = ?, updated_at = ? WHERE id = ?`),
		limitCents, fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set spending limit: %w", err)
	}
	return requireRow(res)
}

// AdjustCustomerBalance applies delta (positive deposit, negative debit) to
// the escrow balance mirror. A debit that would take the balance negative
// fails with ErrInsufficientBalance and leaves the row unchanged.
func (s *Store) AdjustCustomerBalance(ctx context.Context, q Querier, id, delta int64) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE customers
		 SET balance_usd_cents = balance_usd_cents + ?, updated_at = ?
		 WHERE id = ? AND balance_usd_cents + ? >= 0`),
		delta, fmtTime(s.clock.Now()), id, delta)
	if err != nil {
		return fmt.Errorf("store: adjust balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: adjust balance: %w", err)
	}
	if n == 0 {
		if _, gerr := s.GetCustomer(ctx, q, id); gerr != nil {
			return gerr
		}
		return ErrInsufficientBalance
	}
	return nil
}

// ResetEscrowPeriod starts a fresh 28-day spending window at start with a
// zero charged counter.
func (s *Store) ResetEscrowPeriod(ctx context.Context, q Querier, id int64, start time.Time) error {
	_, err := q.ExecContext(ctx, s.q(
		`UPDATE customers
		 SET current_period_start = ?, current_period_charged_usd_cents = 0, updated_at = ?
		 WHERE id = ?`),
		fmtTime(start), fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: reset escrow period: %w", err)
	}
	return nil
}

// AddEscrowPeriodCharge accumulates a successful charge into the current
// spending window.
func (s *Store) AddEscrowPeriodCharge(ctx context.Context, q Querier, id, amountCents int64) error {
	_, err := q.ExecContext(ctx, s.q(
		`UPDATE customers
		 SET current_period_charged_usd_cents = current_period_charged_usd_cents + ?, updated_at = ?
		 WHERE id = ?`),
		amountCents, fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: add period charge: %w", err)
	}
	return nil
}

// SetEscrowContract records the on-chain escrow object backing the customer.
func (s *Store) SetEscrowContract(ctx context.Context, q Querier, id int64, contractID string) error {
	_, err := q.ExecContext(ctx, s.q(
		`UPDATE customers SET escrow_contract_id = ?, updated_at = ? WHERE id = ?`),
		contractID, fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set escrow contract: %w", err)
	}
	return nil
}

// RecordEscrowTransaction appends to the on-chain intent log and fills in
// the generated id and timestamp.
func (s *Store) RecordEscrowTransaction(ctx context.Context, q Querier, t *EscrowTransaction) error {
	t.CreatedAt = s.clock.Now()
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO escrow_transactions (customer_id, kind, amount_usd_cents, tx_digest, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		t.CustomerID, t.Kind, t.AmountUsdCents, t.TxDigest, t.Success, fmtTime(t.CreatedAt)).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("store: record escrow transaction: %w", err)
	}
	return nil
}

// ListEscrowTransactions returns the newest entries of the intent log.
func (s *Store) ListEscrowTransactions(ctx context.Context, q Querier, customerID int64, limit int) ([]*EscrowTransaction, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, customer_id, kind, amount_usd_cents, tx_digest, success, created_at
		 FROM escrow_transactions
		 WHERE customer_id = ?
		 ORDER BY id DESC
		 LIMIT ?`), customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list escrow transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EscrowTransaction
	for rows.Next() {
		var (
			t         EscrowTransaction
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Kind, &t.AmountUsdCents, &t.TxDigest, &t.Success, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan escrow transaction: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
