package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const serviceColumns = `id, customer_id, service_type, tier, state, is_user_enabled, paid_once,
	subscription_charge_pending, sub_pending_invoice_id, scheduled_tier,
	cancellation_scheduled_for, cancellation_effective_at, gateway_config,
	sma_config_change_vault_seq, sta_config_change_vault_seq, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// CreateServiceInstance inserts a new instance and fills in the generated id.
func (s *Store) CreateServiceInstance(ctx context.Context, q Querier, si *ServiceInstance) error {
	now := s.clock.Now()
	si.CreatedAt, si.UpdatedAt = now, now
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO service_instances (customer_id, service_type, tier, state, is_user_enabled,
			paid_once, subscription_charge_pending, sub_pending_invoice_id, scheduled_tier,
			cancellation_scheduled_for, cancellation_effective_at, gateway_config,
			sma_config_change_vault_seq, sta_config_change_vault_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		si.CustomerID, si.ServiceType, si.Tier, si.State, si.IsUserEnabled,
		si.PaidOnce, si.SubscriptionChargePending, nullInt(si.SubPendingInvoiceID), nullTier(si.ScheduledTier),
		fmtNullTime(si.CancellationScheduledFor), fmtNullTime(si.CancellationEffectiveAt), nullBytes(si.GatewayConfigJSON),
		si.SmaConfigChangeVaultSeq, si.StaConfigChangeVaultSeq, fmtTime(now), fmtTime(now)).Scan(&si.ID)
	if err != nil {
		return fmt.Errorf("store: create service instance: %w", err)
	}
	return nil
}

// CreateServiceInstanceWithID inserts an instance under a caller-chosen id.
// Used when a re-subscription must reuse the identity of a previously
// deleted instance.
func (s *Store) CreateServiceInstanceWithID(ctx context.Context, q Querier, si *ServiceInstance) error {
	if si.ID == 0 {
		return errors.New("store: create with id requires an explicit id")
	}
	now := s.clock.Now()
	si.CreatedAt, si.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, s.q(
		`INSERT INTO service_instances (id, customer_id, service_type, tier, state, is_user_enabled,
			paid_once, subscription_charge_pending, sub_pending_invoice_id, scheduled_tier,
			cancellation_scheduled_for, cancellation_effective_at, gateway_config,
			sma_config_change_vault_seq, sta_config_change_vault_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		si.ID, si.CustomerID, si.ServiceType, si.Tier, si.State, si.IsUserEnabled,
		si.PaidOnce, si.SubscriptionChargePending, nullInt(si.SubPendingInvoiceID), nullTier(si.ScheduledTier),
		fmtNullTime(si.CancellationScheduledFor), fmtNullTime(si.CancellationEffectiveAt), nullBytes(si.GatewayConfigJSON),
		si.SmaConfigChangeVaultSeq, si.StaConfigChangeVaultSeq, fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("store: create service instance with id: %w", err)
	}
	return nil
}

// GetServiceInstance loads an instance by id.
func (s *Store) GetServiceInstance(ctx context.Context, q Querier, id int64) (*ServiceInstance, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+serviceColumns+` FROM service_instances WHERE id = ?`), id)
	si, err := scanServiceInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return si, err
}

// GetServiceByCustomerAndType loads the customer's instance of one service
// type, or ErrNotFound.
func (s *Store) GetServiceByCustomerAndType(ctx context.Context, q Querier, customerID int64, st ServiceType) (*ServiceInstance, error) {
	row := q.QueryRowContext(ctx, s.q(
		`SELECT `+serviceColumns+` FROM service_instances
		 WHERE customer_id = ? AND service_type = ?`), customerID, st)
	si, err := scanServiceInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return si, err
}

// ListServicesByCustomer returns all of a customer's instances.
func (s *Store) ListServicesByCustomer(ctx context.Context, q Querier, customerID int64) ([]*ServiceInstance, error) {
	return s.listServices(ctx, q,
		`SELECT `+serviceColumns+` FROM service_instances WHERE customer_id = ? ORDER BY id`, customerID)
}

// ListServicesWithPendingInvoices returns the customer's instances that
// reference an unpaid invoice, the reconciliation work list.
func (s *Store) ListServicesWithPendingInvoices(ctx context.Context, q Querier, customerID int64) ([]*ServiceInstance, error) {
	return s.listServices(ctx, q,
		`SELECT `+serviceColumns+` FROM service_instances
		 WHERE customer_id = ? AND sub_pending_invoice_id IS NOT NULL ORDER BY id`, customerID)
}

// ListEnabledServicesForVault returns every enabled instance whose gateway
// configuration lives in the given vault type, across all customers.
func (s *Store) ListEnabledServicesForVault(ctx context.Context, q Querier, vaultType string) ([]*ServiceInstance, error) {
	st := ServiceTypeForVault(vaultType)
	if st == "" {
		return nil, ErrInvalidVaultType
	}
	return s.listServices(ctx, q,
		`SELECT `+serviceColumns+` FROM service_instances
		 WHERE service_type = ? AND state = ? ORDER BY id`, st, StateEnabled)
}

// ListServicesDueForCancellation returns the customer's paid instances whose
// scheduled cancellation date has been reached but that have not yet entered
// the grace period.
func (s *Store) ListServicesDueForCancellation(ctx context.Context, q Querier, customerID int64, now time.Time) ([]*ServiceInstance, error) {
	return s.listServices(ctx, q,
		`SELECT `+serviceColumns+` FROM service_instances
		 WHERE customer_id = ?
		   AND cancellation_scheduled_for IS NOT NULL AND cancellation_scheduled_for <= ?
		   AND state IN (?, ?) ORDER BY id`,
		customerID, fmtTime(now), StateEnabled, StateDisabled)
}

// ListServicesPastGrace returns the customer's instances whose 7-day
// cancellation grace has expired.
func (s *Store) ListServicesPastGrace(ctx context.Context, q Querier, customerID int64, now time.Time) ([]*ServiceInstance, error) {
	return s.listServices(ctx, q,
		`SELECT `+serviceColumns+` FROM service_instances
		 WHERE customer_id = ? AND state = ?
		   AND cancellation_effective_at IS NOT NULL AND cancellation_effective_at <= ?
		 ORDER BY id`,
		customerID, StateCancellationPending, fmtTime(now))
}

// ListCustomersWithServices returns the distinct customer ids that own at
// least one service instance; the periodic billing job walks this set.
func (s *Store) ListCustomersWithServices(ctx context.Context, q Querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT DISTINCT customer_id FROM service_instances ORDER BY customer_id`))
	if err != nil {
		return nil, fmt.Errorf("store: list customers with services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateServiceInstance writes back every mutable column of the instance.
func (s *Store) UpdateServiceInstance(ctx context.Context, q Querier, si *ServiceInstance) error {
	si.UpdatedAt = s.clock.Now()
	res, err := q.ExecContext(ctx, s.q(
		`UPDATE service_instances SET
			tier = ?, state = ?, is_user_enabled = ?, paid_once = ?,
			subscription_charge_pending = ?, sub_pending_invoice_id = ?, scheduled_tier = ?,
			cancellation_scheduled_for = ?, cancellation_effective_at = ?, gateway_config = ?,
			sma_config_change_vault_seq = ?, sta_config_change_vault_seq = ?, updated_at = ?
		 WHERE id = ?`),
		si.Tier, si.State, si.IsUserEnabled, si.PaidOnce,
		si.SubscriptionChargePending, nullInt(si.SubPendingInvoiceID), nullTier(si.ScheduledTier),
		fmtNullTime(si.CancellationScheduledFor), fmtNullTime(si.CancellationEffectiveAt), nullBytes(si.GatewayConfigJSON),
		si.SmaConfigChangeVaultSeq, si.StaConfigChangeVaultSeq, fmtTime(si.UpdatedAt),
		si.ID)
	if err != nil {
		return fmt.Errorf("store: update service instance: %w", err)
	}
	return requireRow(res)
}

// DeleteServiceInstance removes the row. Only the unpaid-cancellation path
// does this; paid instances are reset, never deleted.
func (s *Store) DeleteServiceInstance(ctx context.Context, q Querier, id int64) error {
	res, err := q.ExecContext(ctx, s.q(`DELETE FROM service_instances WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete service instance: %w", err)
	}
	return requireRow(res)
}

// UpsertServiceTombstone records the identity of a deleted instance so a
// later re-subscription can reuse it.
func (s *Store) UpsertServiceTombstone(ctx context.Context, q Querier, t *ServiceTombstone) error {
	_, err := q.ExecContext(ctx, s.q(
		`INSERT INTO service_tombstones (customer_id, service_type, instance_id, deleted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (customer_id, service_type) DO UPDATE
		 SET instance_id = excluded.instance_id, deleted_at = excluded.deleted_at`),
		t.CustomerID, t.ServiceType, t.InstanceID, fmtTime(t.DeletedAt))
	if err != nil {
		return fmt.Errorf("store: upsert tombstone: %w", err)
	}
	return nil
}

// GetServiceTombstone returns the tombstone for (customer, service type),
// or ErrNotFound.
func (s *Store) GetServiceTombstone(ctx context.Context, q Querier, customerID int64, st ServiceType) (*ServiceTombstone, error) {
	var (
		t         ServiceTombstone
		deletedAt string
	)
	err := q.QueryRowContext(ctx, s.q(
		`SELECT customer_id, service_type, instance_id, deleted_at
		 FROM service_tombstones WHERE customer_id = ? AND service_type = ?`),
		customerID, st).Scan(&t.CustomerID, &t.ServiceType, &t.InstanceID, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tombstone: %w", err)
	}
	t.DeletedAt = parseTime(deletedAt)
	return &t, nil
}

func (s *Store) listServices(ctx context.Context, q Querier, query string, args ...any) ([]*ServiceInstance, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list service instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ServiceInstance
	for rows.Next() {
		si, err := scanServiceInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

func scanServiceInstance(row scanner) (*ServiceInstance, error) {
	var (
		si            ServiceInstance
		pendingID     sql.NullInt64
		scheduledTier sql.NullString
		cancSchedFor  sql.NullString
		cancEffective sql.NullString
		gatewayConfig sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&si.ID, &si.CustomerID, &si.ServiceType, &si.Tier, &si.State, &si.IsUserEnabled, &si.PaidOnce,
		&si.SubscriptionChargePending, &pendingID, &scheduledTier,
		&cancSchedFor, &cancEffective, &gatewayConfig,
		&si.SmaConfigChangeVaultSeq, &si.StaConfigChangeVaultSeq, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan service instance: %w", err)
	}
	si.SubPendingInvoiceID = intPtr(pendingID)
	si.ScheduledTier = tierPtr(scheduledTier)
	si.CancellationScheduledFor = parseNullTime(cancSchedFor)
	si.CancellationEffectiveAt = parseNullTime(cancEffective)
	if gatewayConfig.Valid && gatewayConfig.String != "" {
		si.GatewayConfigJSON = []byte(gatewayConfig.String)
	}
	si.CreatedAt = parseTime(createdAt)
	si.UpdatedAt = parseTime(updatedAt)
	return &si, nil
}
