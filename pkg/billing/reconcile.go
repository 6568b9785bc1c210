package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// ReconcileSummary reports one ReconcilePayments pass over a customer.
type ReconcileSummary struct {
	Settled        int
	StillPending   int
	CreditUsdCents int64
	// ActionURL surfaces the last provider handoff still waiting on the user.
	ActionURL string
}

// reconcileResult is the per-service outcome.
type reconcileResult struct {
	Settled        bool
	ActionURL      string
	Reason         string
	CreditUsdCents int64
}

// ReconcilePayments retries every unpaid subscription invoice the customer
// has. Triggered by deposits, the periodic job and manual admin action.
// Safe to call repeatedly: services whose invoices settle are released
// exactly once, and rails that still cannot pay are skipped without side
// effects.
func (e *Engine) ReconcilePayments(ctx context.Context, customerID int64) (*ReconcileSummary, error) {
	sum := &ReconcileSummary{}
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		services, err := e.st.ListServicesWithPendingInvoices(ctx, tx, customerID)
		if err != nil {
			return err
		}
		for _, si := range services {
			res, err := e.reconcileService(ctx, tx, si)
			if err != nil {
				return err
			}
			if res.Settled {
				sum.Settled++
				sum.CreditUsdCents += res.CreditUsdCents
			} else {
				sum.StillPending++
				if res.ActionURL != "" {
					sum.ActionURL = res.ActionURL
				}
			}
		}
		if sum.Settled > 0 {
			return e.resyncDraft(ctx, tx, customerID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sum.Settled > 0 || sum.StillPending > 0 {
		e.log.Info("reconciled payments", "customer", customerID,
			"settled", sum.Settled, "still_pending", sum.StillPending,
			"credit_cents", sum.CreditUsdCents)
	}
	return sum, nil
}

// reconcileService retries collection of the invoice a service is parked
// behind. The amount comes from the referenced invoice, never from a
// recalculated tier price, so prior proration and partial credit payments
// stay honored. On settle the service is released, customer and service
// turn paidOnce, gateway access returns if the user had it on, and the
// unusable days of the period come back as a never-expiring credit.
func (e *Engine) reconcileService(ctx context.Context, tx *sql.Tx, si *store.ServiceInstance) (*reconcileResult, error) {
	inv, err := e.st.GetBillingRecord(ctx, tx, *si.SubPendingInvoiceID)
	if err != nil {
		return nil, err
	}

	collected := false
	if inv.Status != store.InvoicePaid {
		out, err := e.collectInvoice(ctx, tx, inv, fmt.Sprintf("reconcile invoice %d", inv.ID))
		if err != nil {
			return nil, err
		}
		if out.Status != store.InvoicePaid {
			return &reconcileResult{ActionURL: out.ActionURL, Reason: out.Reason}, nil
		}
		collected = true
	}

	res := &reconcileResult{Settled: true}
	si.SubscriptionChargePending = false
	si.SubPendingInvoiceID = nil
	si.PaidOnce = true
	if si.IsUserEnabled && si.State == store.StateDisabled {
		// The user never turned it off; restore gateway access now that the
		// invoice settled.
		si.State = store.StateEnabled
		if err := e.markServiceChanged(ctx, tx, si); err != nil {
			return nil, err
		}
	}
	if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
		return nil, err
	}
	if err := e.st.SetCustomerPaidOnce(ctx, tx, si.CustomerID); err != nil {
		return nil, err
	}

	if collected {
		// Compensate the days the service sat unusable this period.
		now := e.clk.Now()
		days := clock.WholeDaysBetween(inv.BillingPeriodStart, now)
		daysInMonth := clock.DaysInMonth(inv.BillingPeriodStart)
		if days > daysInMonth {
			days = daysInMonth
		}
		credit := inv.AmountUsdCents * int64(days) / int64(daysInMonth)
		if credit > 0 {
			if err := e.st.CreateCredit(ctx, tx, &store.CustomerCredit{
				CustomerID:              si.CustomerID,
				RemainingAmountUsdCents: credit,
				OriginalAmountUsdCents:  credit,
				Reason:                  creditReasonReconciliation,
			}); err != nil {
				return nil, err
			}
			res.CreditUsdCents = credit
		}
	}

	e.log.Info("service payment reconciled", "customer", si.CustomerID, "service", si.ServiceType,
		"invoice", inv.ID, "credit_cents", res.CreditUsdCents)
	return res, nil
}
