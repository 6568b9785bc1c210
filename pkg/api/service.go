package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// SyncTrigger lets the API nudge the coordinator after a config-affecting
// mutation commits. Both calls are fire-and-forget: an unreachable GM is
// non-fatal because the periodic sync picks the change up.
type SyncTrigger interface {
	TriggerSyncAll()
	TriggerReconcile(customerID int64)
}

// Service is the transactional API surface. Every mutation runs under the
// customer's advisory lock; vault-affecting mutations record a config
// change seq inside the transaction and trigger a sync after commit.
type Service struct {
	st     *store.Store
	engine *billing.Engine
	escrow *payment.EscrowProvider
	sync   SyncTrigger
	clk    clock.Clock
	log    *slog.Logger
}

func NewService(st *store.Store, engine *billing.Engine, escrow *payment.EscrowProvider,
	sync SyncTrigger, clk clock.Clock, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		st:     st,
		engine: engine,
		escrow: escrow,
		sync:   sync,
		clk:    clk,
		log:    log.With("component", "api"),
	}
}

func (s *Service) triggerSync() {
	if s.sync != nil {
		s.sync.TriggerSyncAll()
	}
}

// Subscribe creates (or revives) the customer's instance of a service type
// and charges the first month.
func (s *Service) Subscribe(ctx context.Context, customerID int64, serviceType store.ServiceType,
	tier tiers.TierID) (*store.ServiceInstance, *store.BillingRecord, error) {
	si, inv, err := s.engine.Subscribe(ctx, customerID, serviceType, tier)
	if err != nil {
		return nil, nil, err
	}
	s.triggerSync()
	return si, inv, nil
}

// EnableService turns the gateway on for a paid instance.
func (s *Service) EnableService(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	si, err := s.engine.Enable(ctx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	s.triggerSync()
	return si, nil
}

// DisableService turns the gateway off without touching the subscription.
func (s *Service) DisableService(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	si, err := s.engine.Disable(ctx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	s.triggerSync()
	return si, nil
}

// ScheduleCancellation starts winding a subscription down.
func (s *Service) ScheduleCancellation(ctx context.Context, customerID int64, serviceType store.ServiceType) (*billing.CancellationResult, error) {
	res, err := s.engine.ScheduleCancellation(ctx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	s.triggerSync()
	return res, nil
}

// UndoCancellation clears a scheduled cancellation before it is reached.
func (s *Service) UndoCancellation(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	si, err := s.engine.UndoCancellation(ctx, customerID, serviceType)
	if err != nil {
		return nil, err
	}
	s.triggerSync()
	return si, nil
}

// ChangeTier upgrades immediately (prorated charge) or schedules a
// downgrade for the period boundary.
func (s *Service) ChangeTier(ctx context.Context, customerID int64, serviceType store.ServiceType,
	newTier tiers.TierID) (*billing.TierChange, error) {
	chg, err := s.engine.ChangeTier(ctx, customerID, serviceType, newTier)
	if err != nil {
		return nil, err
	}
	s.triggerSync()
	return chg, nil
}

// UpdateGatewayConfig validates and stores the per-service gateway payload
// (IP allowlist and friends) and records the config change for the vault
// pipeline.
func (s *Service) UpdateGatewayConfig(ctx context.Context, customerID int64, serviceType store.ServiceType,
	config []byte) (*store.ServiceInstance, error) {
	if !serviceType.Valid() {
		return nil, fault.New(fault.KindInput, "api: unknown service type %q", serviceType)
	}
	if err := ValidateGatewayConfig(config); err != nil {
		return nil, err
	}

	var out *store.ServiceInstance
	err := s.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := s.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		si.GatewayConfigJSON = config
		if err := s.markServiceChanged(ctx, tx, si); err != nil {
			return err
		}
		if err := s.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		out = si
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("gateway config updated", "customer", customerID, "service", serviceType)
	s.triggerSync()
	return out, nil
}

// Deposit moves funds into the customer's escrow and kicks reconciliation,
// since new funds may unpark an invoice.
func (s *Service) Deposit(ctx context.Context, customerID, amountUsdCents int64) (string, error) {
	if s.escrow == nil {
		return "", errEscrowUnavailable()
	}
	digest, err := s.escrow.Deposit(ctx, s.st.DB(), customerID, amountUsdCents)
	if err != nil {
		return "", err
	}
	if s.sync != nil {
		s.sync.TriggerReconcile(customerID)
	}
	return digest, nil
}

// Withdraw moves funds out of escrow.
func (s *Service) Withdraw(ctx context.Context, customerID, amountUsdCents int64) (string, error) {
	if s.escrow == nil {
		return "", errEscrowUnavailable()
	}
	return s.escrow.Withdraw(ctx, s.st.DB(), customerID, amountUsdCents)
}

// Deployments without an escrow chain adapter run card-only; the wallet
// endpoints stay mounted but report the rail as down.
func errEscrowUnavailable() error {
	return fault.New(fault.KindUnavailable, "api: escrow rail is not configured")
}

// SetSpendingLimit caps the 28-day rolling escrow spend. Zero removes the
// cap.
func (s *Service) SetSpendingLimit(ctx context.Context, customerID, limitUsdCents int64) error {
	if limitUsdCents < 0 {
		return fault.New(fault.KindInput, "api: spending limit must not be negative")
	}
	return s.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		return s.st.SetSpendingLimit(ctx, tx, customerID, limitUsdCents)
	})
}

// ReconcilePayments retries the customer's parked invoices immediately.
func (s *Service) ReconcilePayments(ctx context.Context, customerID int64) (*billing.ReconcileSummary, error) {
	return s.engine.ReconcilePayments(ctx, customerID)
}

// markServiceChanged records a pending config change for the service's
// vault type. Instances the gateway is not serving have nothing to
// propagate, so only enabled ones bump the counter.
func (s *Service) markServiceChanged(ctx context.Context, tx *sql.Tx, si *store.ServiceInstance) error {
	if si.State != store.StateEnabled {
		return nil
	}
	vt := si.ServiceType.VaultType()
	seq, err := s.st.MarkConfigChanged(ctx, tx, vt)
	if err != nil {
		return err
	}
	si.SetConfigChangeSeq(vt, seq)
	return s.st.SetServiceConfigChangeSeq(ctx, tx, si.ID, vt, seq)
}

// ServiceStatus is the per-service view handed to the dashboard: the
// instance, its open invoice if any, and whether the last config change is
// live across the fleet.
type ServiceStatus struct {
	Service        *store.ServiceInstance
	PendingInvoice *store.BillingRecord
	// Synced reports configChangeVaultSeq <= fleet min applied seq. False
	// when no live edge rows exist (indicator undefined counts as not
	// synced).
	Synced bool
	// FleetMinSeq is the aggregate the indicator was computed from; nil
	// when undefined.
	FleetMinSeq *int64
}

// GetServiceStatus reads one instance plus its fleet-sync indicator.
func (s *Service) GetServiceStatus(ctx context.Context, customerID int64, serviceType store.ServiceType) (*ServiceStatus, error) {
	db := s.st.DB()
	si, err := s.st.GetServiceByCustomerAndType(ctx, db, customerID, serviceType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.KindNotFound, "api: %s is not subscribed", serviceType)
		}
		return nil, err
	}

	status := &ServiceStatus{Service: si}
	if si.SubPendingInvoiceID != nil {
		inv, err := s.st.GetBillingRecord(ctx, db, *si.SubPendingInvoiceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		status.PendingInvoice = inv
	}

	vt := si.ServiceType.VaultType()
	cutoff := s.clk.Now().Add(-store.LMFreshnessWindow)
	minSeq, defined, err := s.st.MinAppliedSeq(ctx, db, vt, cutoff)
	if err != nil {
		return nil, err
	}
	if defined {
		status.FleetMinSeq = &minSeq
		status.Synced = si.ConfigChangeSeq(vt) <= minSeq
	}
	return status, nil
}
