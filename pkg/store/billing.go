package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const billingColumns = `id, customer_id, status, amount_usd_cents, amount_paid_usd_cents,
	billing_period_start, due_date, payment_action_url, tx_digest, failure_reason,
	created_at, updated_at`

// CreateBillingRecord inserts an invoice and fills in the generated id.
func (s *Store) CreateBillingRecord(ctx context.Context, q Querier, br *BillingRecord) error {
	now := s.clock.Now()
	br.CreatedAt, br.UpdatedAt = now, now
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO billing_records (customer_id, status, amount_usd_cents, amount_paid_usd_cents,
			billing_period_start, due_date, payment_action_url, tx_digest, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		br.CustomerID, br.Status, br.AmountUsdCents, br.AmountPaidUsdCents,
		fmtTime(br.BillingPeriodStart), fmtTime(br.DueDate), nullStr(br.PaymentActionURL),
		nullStr(br.TxDigest), nullStr(br.FailureReason), fmtTime(now), fmtTime(now)).Scan(&br.ID)
	if err != nil {
		return fmt.Errorf("store: create billing record: %w", err)
	}
	return nil
}

// GetBillingRecord loads an invoice by id.
func (s *Store) GetBillingRecord(ctx context.Context, q Querier, id int64) (*BillingRecord, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+billingColumns+` FROM billing_records WHERE id = ?`), id)
	br, err := scanBillingRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return br, err
}

// GetDraftInvoice returns the customer's single draft invoice, or
// ErrNotFound when none exists.
func (s *Store) GetDraftInvoice(ctx context.Context, q Querier, customerID int64) (*BillingRecord, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE customer_id = ? AND status = ?`), customerID, InvoiceDraft)
	br, err := scanBillingRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return br, err
}

// ListInvoicesByCustomer returns the customer's invoices, newest first.
func (s *Store) ListInvoicesByCustomer(ctx context.Context, q Querier, customerID int64, limit int) ([]*BillingRecord, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT `+billingColumns+` FROM billing_records
		 WHERE customer_id = ? ORDER BY id DESC LIMIT ?`), customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*BillingRecord
	for rows.Next() {
		br, err := scanBillingRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

// SetInvoiceStatus transitions an invoice's lifecycle state.
func (s *Store) SetInvoiceStatus(ctx context.Context, q Querier, id int64, status InvoiceStatus) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE billing_records SET status = ?, updated_at = ? WHERE id = ?`),
		status, fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set invoice status: %w", err)
	}
	return requireRow(res)
}

// SetDraftAmount resyncs the draft's total after its line items changed.
func (s *Store) SetDraftAmount(ctx context.Context, q Querier, id, amountCents int64) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE billing_records SET amount_usd_cents = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		amountCents, fmtTime(s.clock.Now()), id, InvoiceDraft)
	if err != nil {
		return fmt.Errorf("store: set draft amount: %w", err)
	}
	return requireRow(res)
}

// SetInvoiceOutcome records the payment outcome fields, the only mutation a
// non-draft invoice accepts.
func (s *Store) SetInvoiceOutcome(ctx context.Context, q Querier, id int64, status InvoiceStatus, actionURL, txDigest, reason *string) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE billing_records
		 SET status = ?, payment_action_url = ?, tx_digest = COALESCE(?, tx_digest),
			 failure_reason = ?, updated_at = ?
		 WHERE id = ?`),
		status, nullStr(actionURL), nullStr(txDigest), nullStr(reason), fmtTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set invoice outcome: %w", err)
	}
	return requireRow(res)
}

// AddInvoiceAmountPaid accumulates a settled amount onto the invoice.
func (s *Store) AddInvoiceAmountPaid(ctx context.Context, q Querier, id, deltaCents int64) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE billing_records
		 SET amount_paid_usd_cents = amount_paid_usd_cents + ?, updated_at = ?
		 WHERE id = ? AND amount_paid_usd_cents + ? <= amount_usd_cents`),
		deltaCents, fmtTime(s.clock.Now()), id, deltaCents)
	if err != nil {
		return fmt.Errorf("store: add amount paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: add amount paid: %w", ErrOverpayment)
	}
	return nil
}

// ReplaceLineItems rewrites an invoice's line items wholesale. Drafts are
// resynced through this continuously; immediate charges (provisioning,
// upgrade proration) write their single item the same way.
func (s *Store) ReplaceLineItems(ctx context.Context, q Querier, invoiceID int64, items []InvoiceLineItem) error {
	if _, err := q.ExecContext(ctx, s.q(
		`DELETE FROM invoice_line_items WHERE billing_record_id = ?`), invoiceID); err != nil {
		return fmt.Errorf("store: clear draft line items: %w", err)
	}

	now := fmtTime(s.clock.Now())
	for i := range items {
		it := &items[i]
		it.BillingRecordID = invoiceID
		err := q.QueryRowContext(ctx, s.q(
			`INSERT INTO invoice_line_items (billing_record_id, item_type, service_type, quantity,
				unit_price_usd_cents, amount_usd_cents, credit_month, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id`),
			it.BillingRecordID, it.ItemType, nullService(it.ServiceType), it.Quantity,
			it.UnitPriceUsdCents, it.AmountUsdCents, nullStr(it.CreditMonth), now).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("store: insert line item: %w", err)
		}
	}
	return nil
}

// ListLineItems returns an invoice's line items in insertion order.
func (s *Store) ListLineItems(ctx context.Context, q Querier, invoiceID int64) ([]*InvoiceLineItem, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, billing_record_id, item_type, service_type, quantity,
			unit_price_usd_cents, amount_usd_cents, credit_month, created_at
		 FROM invoice_line_items WHERE billing_record_id = ? ORDER BY id`), invoiceID)
	if err != nil {
		return nil, fmt.Errorf("store: list line items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*InvoiceLineItem
	for rows.Next() {
		var (
			it        InvoiceLineItem
			service   sql.NullString
			month     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&it.ID, &it.BillingRecordID, &it.ItemType, &service, &it.Quantity,
			&it.UnitPriceUsdCents, &it.AmountUsdCents, &month, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan line item: %w", err)
		}
		it.ServiceType = servicePtr(service)
		it.CreditMonth = strPtr(month)
		it.CreatedAt = parseTime(createdAt)
		out = append(out, &it)
	}
	return out, rows.Err()
}

// CreateCredit inserts a credit balance and fills in the generated id.
func (s *Store) CreateCredit(ctx context.Context, q Querier, c *CustomerCredit) error {
	c.CreatedAt = s.clock.Now()
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO customer_credits (customer_id, remaining_amount_usd_cents, original_amount_usd_cents,
			expires_at, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		c.CustomerID, c.RemainingAmountUsdCents, c.OriginalAmountUsdCents,
		fmtNullTime(c.ExpiresAt), c.Reason, fmtTime(c.CreatedAt)).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("store: create credit: %w", err)
	}
	return nil
}

// ListOpenCredits returns the customer's consumable credits in FIFO order:
// soonest expiry first, never-expiring last, ties broken by creation.
func (s *Store) ListOpenCredits(ctx context.Context, q Querier, customerID int64, now time.Time) ([]*CustomerCredit, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, customer_id, remaining_amount_usd_cents, original_amount_usd_cents,
			expires_at, reason, created_at
		 FROM customer_credits
		 WHERE customer_id = ? AND remaining_amount_usd_cents > 0
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at, created_at, id`),
		customerID, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: list open credits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CustomerCredit
	for rows.Next() {
		var (
			c         CustomerCredit
			expiresAt sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.RemainingAmountUsdCents, &c.OriginalAmountUsdCents,
			&expiresAt, &c.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan credit: %w", err)
		}
		c.ExpiresAt = parseNullTime(expiresAt)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// SumOpenCredits totals the customer's non-expired remaining credit.
func (s *Store) SumOpenCredits(ctx context.Context, q Querier, customerID int64, now time.Time) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx, s.q(
		`SELECT SUM(remaining_amount_usd_cents) FROM customer_credits
		 WHERE customer_id = ? AND remaining_amount_usd_cents > 0
		   AND (expires_at IS NULL OR expires_at > ?)`),
		customerID, fmtTime(now)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: sum open credits: %w", err)
	}
	return total.Int64, nil
}

// ConsumeCredit reduces a credit's remaining amount. The guard keeps the
// remaining amount non-negative under any interleaving.
func (s *Store) ConsumeCredit(ctx context.Context, q Querier, id, amountCents int64) error {
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE customer_credits
		 SET remaining_amount_usd_cents = remaining_amount_usd_cents - ?
		 WHERE id = ? AND remaining_amount_usd_cents >= ?`),
		amountCents, id, amountCents)
	if err != nil {
		return fmt.Errorf("store: consume credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: consume credit %d: %w", id, ErrInsufficientBalance)
	}
	return nil
}

// RecordInvoicePayment appends a payment attribution row.
func (s *Store) RecordInvoicePayment(ctx context.Context, q Querier, p *InvoicePayment) error {
	p.CreatedAt = s.clock.Now()
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO invoice_payments (billing_record_id, customer_id, source_type, reference_id,
			amount_usd_cents, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		p.BillingRecordID, p.CustomerID, p.SourceType, nullStr(p.ReferenceID),
		p.AmountUsdCents, fmtTime(p.CreatedAt)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("store: record invoice payment: %w", err)
	}
	return nil
}

// ListInvoicePayments returns an invoice's payments in creation order.
func (s *Store) ListInvoicePayments(ctx context.Context, q Querier, invoiceID int64) ([]*InvoicePayment, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, billing_record_id, customer_id, source_type, reference_id, amount_usd_cents, created_at
		 FROM invoice_payments WHERE billing_record_id = ? ORDER BY id`), invoiceID)
	if err != nil {
		return nil, fmt.Errorf("store: list invoice payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*InvoicePayment
	for rows.Next() {
		var (
			p         InvoicePayment
			reference sql.NullString
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.BillingRecordID, &p.CustomerID, &p.SourceType, &reference,
			&p.AmountUsdCents, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan invoice payment: %w", err)
		}
		p.ReferenceID = strPtr(reference)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertInvoiceUsage writes one aggregate usage row for a draft invoice.
// The external stats pipeline calls this through the ingestion helper.
func (s *Store) UpsertInvoiceUsage(ctx context.Context, q Querier, u *InvoiceUsage) error {
	u.UpdatedAt = s.clock.Now()
	_, err := q.ExecContext(ctx, s.q(
		`INSERT INTO invoice_usage (billing_record_id, service_type, item_type, quantity,
			unit_price_usd_cents, amount_usd_cents, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (billing_record_id, service_type, item_type) DO UPDATE
		 SET quantity = excluded.quantity,
			 unit_price_usd_cents = excluded.unit_price_usd_cents,
			 amount_usd_cents = excluded.amount_usd_cents,
			 updated_at = excluded.updated_at`),
		u.BillingRecordID, u.ServiceType, u.ItemType, u.Quantity,
		u.UnitPriceUsdCents, u.AmountUsdCents, fmtTime(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert invoice usage: %w", err)
	}
	return nil
}

// ListInvoiceUsage returns the aggregate usage rows keyed to an invoice.
func (s *Store) ListInvoiceUsage(ctx context.Context, q Querier, invoiceID int64) ([]*InvoiceUsage, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, billing_record_id, service_type, item_type, quantity,
			unit_price_usd_cents, amount_usd_cents, updated_at
		 FROM invoice_usage WHERE billing_record_id = ? ORDER BY id`), invoiceID)
	if err != nil {
		return nil, fmt.Errorf("store: list invoice usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*InvoiceUsage
	for rows.Next() {
		var (
			u         InvoiceUsage
			updatedAt string
		)
		if err := rows.Scan(&u.ID, &u.BillingRecordID, &u.ServiceType, &u.ItemType, &u.Quantity,
			&u.UnitPriceUsdCents, &u.AmountUsdCents, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan invoice usage: %w", err)
		}
		u.UpdatedAt = parseTime(updatedAt)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func scanBillingRecord(row scanner) (*BillingRecord, error) {
	var (
		br          BillingRecord
		periodStart string
		dueDate     string
		actionURL   sql.NullString
		txDigest    sql.NullString
		reason      sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&br.ID, &br.CustomerID, &br.Status, &br.AmountUsdCents, &br.AmountPaidUsdCents,
		&periodStart, &dueDate, &actionURL, &txDigest, &reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan billing record: %w", err)
	}
	br.BillingPeriodStart = parseTime(periodStart)
	br.DueDate = parseTime(dueDate)
	br.PaymentActionURL = strPtr(actionURL)
	br.TxDigest = strPtr(txDigest)
	br.FailureReason = strPtr(reason)
	br.CreatedAt = parseTime(createdAt)
	br.UpdatedAt = parseTime(updatedAt)
	return &br, nil
}

func nullService(st *ServiceType) sql.NullString {
	if st == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*st), Valid: true}
}

func servicePtr(v sql.NullString) *ServiceType {
	if !v.Valid || v.String == "" {
		return nil
	}
	st := ServiceType(v.String)
	return &st
}
