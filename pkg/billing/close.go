package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// PeriodicSummary reports one RunPeriodicBilling sweep.
type PeriodicSummary struct {
	Customers            int
	CustomersFailed      int
	ServicesReconciled   int
	DowngradesApplied    int
	InvoicesClosed       int
	InvoicesPaid         int
	InvoicesVoided       int
	CancellationsStarted int
	ServicesReset        int
}

// RunPeriodicBilling advances every customer through one billing sweep:
// reconcile parked invoices, apply scheduled downgrades at the boundary,
// close the due period, start reached cancellations and reset instances
// whose grace expired. Each customer runs under its own lock and failures
// are isolated per customer. The sweep is idempotent within a period, so
// the coordinator can run it as often as it likes.
func (e *Engine) RunPeriodicBilling(ctx context.Context) (*PeriodicSummary, error) {
	ids, err := e.st.ListCustomersWithServices(ctx, e.st.DB())
	if err != nil {
		return nil, err
	}
	sum := &PeriodicSummary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := e.runCustomerPeriod(ctx, id, sum); err != nil {
			sum.CustomersFailed++
			e.log.Error("periodic billing failed for customer", "customer", id, "err", err)
			continue
		}
		sum.Customers++
	}
	if sum.InvoicesClosed > 0 || sum.CancellationsStarted > 0 || sum.ServicesReset > 0 {
		e.log.Info("periodic billing sweep",
			"customers", sum.Customers, "closed", sum.InvoicesClosed, "paid", sum.InvoicesPaid,
			"voided", sum.InvoicesVoided, "reconciled", sum.ServicesReconciled,
			"downgrades", sum.DowngradesApplied, "cancellations", sum.CancellationsStarted,
			"resets", sum.ServicesReset)
	}
	return sum, nil
}

func (e *Engine) runCustomerPeriod(ctx context.Context, customerID int64, sum *PeriodicSummary) error {
	return e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		now := e.clk.Now()

		// Parked invoices first; a settle here lets the service renew below.
		pending, err := e.st.ListServicesWithPendingInvoices(ctx, tx, customerID)
		if err != nil {
			return err
		}
		for _, si := range pending {
			res, err := e.reconcileService(ctx, tx, si)
			if err != nil {
				return err
			}
			if res.Settled {
				sum.ServicesReconciled++
			}
		}

		if err := e.closeDuePeriod(ctx, tx, customerID, now, sum); err != nil {
			return err
		}

		// Reached cancellations leave the gateway and start the grace timer.
		due, err := e.st.ListServicesDueForCancellation(ctx, tx, customerID, now)
		if err != nil {
			return err
		}
		for _, si := range due {
			effective := now.Add(CancellationGrace)
			wasEnabled := si.State == store.StateEnabled
			si.State = store.StateCancellationPending
			si.IsUserEnabled = false
			si.CancellationEffectiveAt = &effective
			if wasEnabled {
				if err := e.markServiceChanged(ctx, tx, si); err != nil {
					return err
				}
			}
			if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
				return err
			}
			sum.CancellationsStarted++
		}

		// Grace expired: back to a bare row, keys retired for good.
		past, err := e.st.ListServicesPastGrace(ctx, tx, customerID, now)
		if err != nil {
			return err
		}
		for _, si := range past {
			if err := e.retireSealKeys(ctx, tx, si.ID, now); err != nil {
				return err
			}
			si.State = store.StateNotProvisioned
			si.IsUserEnabled = false
			si.PaidOnce = false
			si.SubscriptionChargePending = false
			si.SubPendingInvoiceID = nil
			si.ScheduledTier = nil
			si.CancellationScheduledFor = nil
			si.CancellationEffectiveAt = nil
			si.GatewayConfigJSON = nil
			if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
				return err
			}
			sum.ServicesReset++
		}

		return e.resyncDraft(ctx, tx, customerID)
	})
}

// closeDuePeriod finalizes the customer's draft once its period has
// started: scheduled downgrades land first, the draft is resynced one last
// time, then credits and the provider chain settle it. A renewal that does
// not settle parks each contributing service behind the invoice.
func (e *Engine) closeDuePeriod(ctx context.Context, tx *sql.Tx, customerID int64, now time.Time, sum *PeriodicSummary) error {
	draft, err := e.st.GetDraftInvoice(ctx, tx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if draft.BillingPeriodStart.After(now) {
		return nil
	}

	// Scheduled downgrades take effect exactly at the boundary.
	services, err := e.st.ListServicesByCustomer(ctx, tx, customerID)
	if err != nil {
		return err
	}
	for _, si := range services {
		if si.ScheduledTier == nil {
			continue
		}
		si.Tier = *si.ScheduledTier
		si.ScheduledTier = nil
		if si.State == store.StateEnabled {
			// Gateway limits change with the tier.
			if err := e.markServiceChanged(ctx, tx, si); err != nil {
				return err
			}
		}
		if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		sum.DowngradesApplied++
	}

	// Last resync so the closing invoice reflects final state.
	if err := e.resyncDraft(ctx, tx, customerID); err != nil {
		return err
	}
	draft, err = e.st.GetBillingRecord(ctx, tx, draft.ID)
	if err != nil {
		return err
	}

	if draft.AmountUsdCents == 0 {
		sum.InvoicesVoided++
		return e.st.SetInvoiceStatus(ctx, tx, draft.ID, store.InvoiceVoid)
	}

	if err := e.st.SetInvoiceStatus(ctx, tx, draft.ID, store.InvoicePending); err != nil {
		return err
	}
	sum.InvoicesClosed++

	out, err := e.collectInvoice(ctx, tx, draft,
		fmt.Sprintf("billing period %s", monthTag(draft.BillingPeriodStart)))
	if err != nil {
		return err
	}
	if out.Status == store.InvoicePaid {
		sum.InvoicesPaid++
		return nil
	}

	// Park every contributing service behind the unsettled invoice until
	// reconciliation clears it.
	items, err := e.st.ListLineItems(ctx, tx, draft.ID)
	if err != nil {
		return err
	}
	flagged := map[store.ServiceType]bool{}
	for _, it := range items {
		if it.ServiceType == nil || !strings.HasPrefix(it.ItemType, store.ItemSubscriptionPrefix) {
			continue
		}
		if flagged[*it.ServiceType] {
			continue
		}
		flagged[*it.ServiceType] = true
		si, err := e.st.GetServiceByCustomerAndType(ctx, tx, customerID, *it.ServiceType)
		if err != nil {
			return err
		}
		if err := e.flagChargePending(ctx, tx, si, draft.ID); err != nil {
			return err
		}
	}
	return nil
}
