// Package billing implements the subscription lifecycle and the invoice
// engine: the per-customer draft for the upcoming period, the monthly close
// with FIFO credit application and the provider chain, payment
// reconciliation and tier changes. Every operation runs under the
// customer's transaction lock so concurrent mutations of one customer
// serialize.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

const (
	// ResubscribeCooldown blocks creating a service again after an unpaid
	// cancellation deleted it.
	ResubscribeCooldown = 7 * 24 * time.Hour
	// CancellationGrace separates leaving the gateway from the final reset
	// of a paid, cancelled instance.
	CancellationGrace = 7 * 24 * time.Hour

	creditReasonReconciliation = "reconciliation"
)

// Engine owns all billing state transitions. Providers are walked in slice
// order when collecting an invoice.
type Engine struct {
	st        *store.Store
	providers []payment.Provider
	clk       clock.Clock
	log       *slog.Logger
}

func New(st *store.Store, providers []payment.Provider, clk clock.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{st: st, providers: providers, clk: clk, log: log.With("component", "billing")}
}

// Subscribe creates (or revives) the customer's instance of a service type
// and collects the first month up front at the full tier price. A declined
// charge is not an error: the instance lands in disabled with the unpaid
// invoice attached, and the caller reads the outcome off the returned
// invoice.
func (e *Engine) Subscribe(ctx context.Context, customerID int64, serviceType store.ServiceType, tierID tiers.TierID) (*store.ServiceInstance, *store.BillingRecord, error) {
	if !serviceType.Valid() {
		return nil, nil, fault.New(fault.KindInput, "billing: unknown service type %q", serviceType)
	}
	tier := tiers.Get(tierID)
	if tier == nil {
		return nil, nil, fault.New(fault.KindInput, "billing: unknown tier %q", tierID)
	}

	var (
		si  *store.ServiceInstance
		inv *store.BillingRecord
	)
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		now := e.clk.Now()
		existing, err := e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		switch {
		case err == nil && existing.State == store.StateNotProvisioned:
			// The row survived a paid cancellation; revive it in place.
			si = existing
			si.Tier = tierID
			si.State = store.StateProvisioning
			si.IsUserEnabled = false
			si.PaidOnce = false
			si.SubscriptionChargePending = false
			si.SubPendingInvoiceID = nil
			si.ScheduledTier = nil
			si.CancellationScheduledFor = nil
			si.CancellationEffectiveAt = nil
			if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
				return err
			}
		case err == nil:
			return fault.New(fault.KindInput, "billing: customer %d already has a %s subscription", customerID, serviceType)
		case errors.Is(err, store.ErrNotFound):
			si = &store.ServiceInstance{
				CustomerID:  customerID,
				ServiceType: serviceType,
				Tier:        tierID,
				State:       store.StateProvisioning,
			}
			ts, terr := e.st.GetServiceTombstone(ctx, tx, customerID, serviceType)
			switch {
			case terr == nil:
				if wait := ts.DeletedAt.Add(ResubscribeCooldown).Sub(now); wait > 0 {
					return fault.New(fault.KindInput,
						"billing: %s can be subscribed again in %s", serviceType, wait.Round(time.Second))
				}
				// Reuse the identity of the deleted instance.
				si.ID = ts.InstanceID
				if err := e.st.CreateServiceInstanceWithID(ctx, tx, si); err != nil {
					return err
				}
			case errors.Is(terr, store.ErrNotFound):
				if err := e.st.CreateServiceInstance(ctx, tx, si); err != nil {
					return err
				}
			default:
				return terr
			}
		default:
			return err
		}

		inv = &store.BillingRecord{
			CustomerID:         customerID,
			Status:             store.InvoicePending,
			AmountUsdCents:     tier.PricePerMonth,
			BillingPeriodStart: now,
			DueDate:            now,
		}
		if err := e.st.CreateBillingRecord(ctx, tx, inv); err != nil {
			return err
		}
		if err := e.st.ReplaceLineItems(ctx, tx, inv.ID, []store.InvoiceLineItem{{
			ItemType:          store.ItemSubscriptionPrefix + string(tierID),
			ServiceType:       &serviceType,
			Quantity:          1,
			UnitPriceUsdCents: tier.PricePerMonth,
			AmountUsdCents:    tier.PricePerMonth,
		}}); err != nil {
			return err
		}

		out, err := e.collectInvoice(ctx, tx, inv, fmt.Sprintf("%s %s subscription", serviceType, tierID))
		if err != nil {
			return err
		}
		si.State = store.StateDisabled
		if out.Status == store.InvoicePaid {
			si.PaidOnce = true
			if err := e.st.SetCustomerPaidOnce(ctx, tx, customerID); err != nil {
				return err
			}
		} else {
			si.SubscriptionChargePending = true
			si.SubPendingInvoiceID = &inv.ID
		}
		if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		if err := e.resyncDraft(ctx, tx, customerID); err != nil {
			return err
		}
		inv, err = e.st.GetBillingRecord(ctx, tx, inv.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	e.log.Info("subscribed", "customer", customerID, "service", serviceType, "tier", tierID,
		"invoice", inv.ID, "invoice_status", inv.Status)
	return si, inv, nil
}

// Enable turns the service on for the customer. A parked invoice is retried
// first; the enable proceeds only if the retry fully pays it.
func (e *Engine) Enable(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	var si *store.ServiceInstance
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		var err error
		si, err = e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		switch si.State {
		case store.StateEnabled:
			return nil
		case store.StateDisabled:
		default:
			return fault.New(fault.KindInput, "billing: cannot enable a %s service", si.State)
		}

		if si.SubPendingInvoiceID != nil {
			res, err := e.reconcileService(ctx, tx, si)
			if err != nil {
				return err
			}
			if !res.Settled {
				if res.ActionURL != "" {
					return fault.New(fault.KindRequiresAction, "billing: payment requires action: %s", res.ActionURL)
				}
				return fault.New(fault.KindPaymentDeclined, "billing: unpaid invoice blocks enable: %s", res.Reason)
			}
			if si.State == store.StateEnabled {
				// Reconciliation already restored gateway access.
				return e.resyncDraft(ctx, tx, customerID)
			}
		}
		if !si.PaidOnce {
			return fault.New(fault.KindConsistency, "billing: service %d has no settled first payment", si.ID)
		}

		si.IsUserEnabled = true
		si.State = store.StateEnabled
		if err := e.markServiceChanged(ctx, tx, si); err != nil {
			return err
		}
		if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		return e.resyncDraft(ctx, tx, customerID)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("service enabled", "customer", customerID, "service", serviceType)
	return si, nil
}

// Disable turns the service off for the customer. The subscription keeps
// renewing; only gateway access stops.
func (e *Engine) Disable(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	var si *store.ServiceInstance
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		var err error
		si, err = e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		si.IsUserEnabled = false
		if si.State == store.StateEnabled {
			si.State = store.StateDisabled
			if err := e.markServiceChanged(ctx, tx, si); err != nil {
				return err
			}
		}
		return e.st.UpdateServiceInstance(ctx, tx, si)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("service disabled", "customer", customerID, "service", serviceType)
	return si, nil
}

// markServiceChanged bumps the vault change counter for the service's vault
// type and records the seq on the instance. The caller persists si.
func (e *Engine) markServiceChanged(ctx context.Context, tx *sql.Tx, si *store.ServiceInstance) error {
	vt := si.ServiceType.VaultType()
	seq, err := e.st.MarkConfigChanged(ctx, tx, vt)
	if err != nil {
		return err
	}
	si.SetConfigChangeSeq(vt, seq)
	return nil
}

// retireSealKeys soft-deletes the instance's keys. Derivation indices are
// never recycled, so retirement is one-way.
func (e *Engine) retireSealKeys(ctx context.Context, tx *sql.Tx, instanceID int64, now time.Time) error {
	keys, err := e.st.ListSealKeys(ctx, tx, instanceID, false)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.st.SoftDeleteSealKey(ctx, tx, k.ID, now); err != nil {
			return err
		}
	}
	return nil
}
