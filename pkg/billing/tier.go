package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// TierChange reports a completed ChangeTier call.
type TierChange struct {
	Service *store.ServiceInstance
	// Invoice carries the settled proration charge; nil for downgrades and
	// zero-delta upgrades.
	Invoice *store.BillingRecord
	// Scheduled is true when the change waits for the period boundary.
	Scheduled bool
}

// ProratedDelta is the immediate charge for moving between monthly prices
// mid-month: the price difference spread over the remaining days, today
// included, rounded down.
func ProratedDelta(oldPriceCents, newPriceCents int64, now time.Time) int64 {
	daysInMonth := int64(clock.DaysInMonth(now))
	daysRemaining := daysInMonth - int64(now.Day()) + 1
	return (newPriceCents - oldPriceCents) * daysRemaining / daysInMonth
}

// ChangeTier moves the service to another tier. Upgrades collect a prorated
// delta immediately and take effect at once; a failed upgrade charge leaves
// everything untouched. Downgrades only set the scheduled tier, applied by
// the periodic job at the next boundary, and never charge.
func (e *Engine) ChangeTier(ctx context.Context, customerID int64, serviceType store.ServiceType, newTier tiers.TierID) (*TierChange, error) {
	target := tiers.Get(newTier)
	if target == nil {
		return nil, fault.New(fault.KindInput, "billing: unknown tier %q", newTier)
	}

	chg := &TierChange{}
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		chg.Service = si
		switch si.State {
		case store.StateEnabled, store.StateDisabled:
		default:
			return fault.New(fault.KindInput, "billing: cannot change tier of a %s service", si.State)
		}
		if si.SubscriptionChargePending {
			return fault.New(fault.KindInput, "billing: settle the pending subscription payment before changing tiers")
		}
		if si.CancellationScheduledFor != nil {
			return fault.New(fault.KindInput, "billing: cancellation is scheduled; undo it before changing tiers")
		}

		current := tiers.Get(si.Tier)
		if current == nil {
			return fault.New(fault.KindConsistency, "billing: service %d has unknown tier %q", si.ID, si.Tier)
		}

		if newTier == si.Tier {
			if si.ScheduledTier == nil {
				return fault.New(fault.KindInput, "billing: already on tier %s", newTier)
			}
			// Cancels the scheduled downgrade.
			si.ScheduledTier = nil
			if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
				return err
			}
			return e.resyncDraft(ctx, tx, customerID)
		}

		if target.PricePerMonth < current.PricePerMonth {
			si.ScheduledTier = &newTier
			chg.Scheduled = true
			if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
				return err
			}
			return e.resyncDraft(ctx, tx, customerID)
		}

		now := e.clk.Now()
		delta := ProratedDelta(current.PricePerMonth, target.PricePerMonth, now)
		if delta > 0 {
			inv := &store.BillingRecord{
				CustomerID:         customerID,
				Status:             store.InvoicePending,
				AmountUsdCents:     delta,
				BillingPeriodStart: now,
				DueDate:            now,
			}
			if err := e.st.CreateBillingRecord(ctx, tx, inv); err != nil {
				return err
			}
			if err := e.st.ReplaceLineItems(ctx, tx, inv.ID, []store.InvoiceLineItem{{
				ItemType:          store.ItemSubscriptionPrefix + string(newTier),
				ServiceType:       &serviceType,
				Quantity:          1,
				UnitPriceUsdCents: delta,
				AmountUsdCents:    delta,
			}}); err != nil {
				return err
			}
			out, err := e.collectInvoice(ctx, tx, inv,
				fmt.Sprintf("%s upgrade %s to %s", serviceType, si.Tier, newTier))
			if err != nil {
				return err
			}
			if out.Status != store.InvoicePaid {
				// All-or-nothing: the rollback discards the attempt and the
				// tier stays put.
				if out.ActionURL != "" {
					return fault.New(fault.KindRequiresAction, "billing: upgrade charge requires action: %s", out.ActionURL)
				}
				return fault.New(fault.KindPaymentDeclined, "billing: upgrade charge failed: %s", out.Reason)
			}
			if chg.Invoice, err = e.st.GetBillingRecord(ctx, tx, inv.ID); err != nil {
				return err
			}
		}

		si.Tier = newTier
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
		return e.resyncDraft(ctx, tx, customerID)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("tier changed", "customer", customerID, "service", serviceType,
		"tier", newTier, "scheduled", chg.Scheduled)
	return chg, nil
}
