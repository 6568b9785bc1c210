package billing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
)

// monthTag formats the YYYY-MM label carried by credit line items.
func monthTag(t time.Time) string { return t.UTC().Format("2006-01") }

// SyncDraftInvoice rebuilds the customer's upcoming draft under its lock.
func (e *Engine) SyncDraftInvoice(ctx context.Context, customerID int64) error {
	return e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		return e.resyncDraft(ctx, tx, customerID)
	})
}

// resyncDraft rebuilds the single upcoming draft invoice from current
// state: one subscription line per billable service priced at its effective
// tier, usage rows merged from the stats pipeline, and an informational
// credit line when open credit exists. Services parked behind an unpaid
// invoice and services with a scheduled cancellation generate no future
// charge and are left out.
//
// The stored amount is the gross subtotal; open credits settle as
// InvoicePayment rows at close, so the display-only credit line never
// enters the amount.
func (e *Engine) resyncDraft(ctx context.Context, tx *sql.Tx, customerID int64) error {
	now := e.clk.Now()
	services, err := e.st.ListServicesByCustomer(ctx, tx, customerID)
	if err != nil {
		return err
	}
	var contributors []*store.ServiceInstance
	for _, si := range services {
		if si.State != store.StateEnabled && si.State != store.StateDisabled {
			continue
		}
		if si.SubscriptionChargePending || si.CancellationScheduledFor != nil {
			continue
		}
		contributors = append(contributors, si)
	}

	draft, err := e.st.GetDraftInvoice(ctx, tx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		if len(contributors) == 0 {
			return nil
		}
		start := clock.StartOfNextMonth(now)
		draft = &store.BillingRecord{
			CustomerID:         customerID,
			Status:             store.InvoiceDraft,
			BillingPeriodStart: start,
			DueDate:            start,
		}
		if err := e.st.CreateBillingRecord(ctx, tx, draft); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var (
		items    []store.InvoiceLineItem
		subtotal int64
	)
	for _, si := range contributors {
		tier := tiers.Get(si.EffectiveTier())
		if tier == nil {
			return fault.New(fault.KindConsistency, "billing: service %d has unknown tier %q", si.ID, si.EffectiveTier())
		}
		st := si.ServiceType
		items = append(items, store.InvoiceLineItem{
			ItemType:          store.ItemSubscriptionPrefix + string(tier.ID),
			ServiceType:       &st,
			Quantity:          1,
			UnitPriceUsdCents: tier.PricePerMonth,
			AmountUsdCents:    tier.PricePerMonth,
		})
		subtotal += tier.PricePerMonth
	}

	usage, err := e.st.ListInvoiceUsage(ctx, tx, draft.ID)
	if err != nil {
		return err
	}
	for _, u := range usage {
		st := u.ServiceType
		items = append(items, store.InvoiceLineItem{
			ItemType:          u.ItemType,
			ServiceType:       &st,
			Quantity:          u.Quantity,
			UnitPriceUsdCents: u.UnitPriceUsdCents,
			AmountUsdCents:    u.AmountUsdCents,
		})
		subtotal += u.AmountUsdCents
	}

	if len(contributors) > 0 {
		creditSum, err := e.st.SumOpenCredits(ctx, tx, customerID, now)
		if err != nil {
			return err
		}
		if creditSum > 0 {
			month := monthTag(draft.BillingPeriodStart)
			items = append(items, store.InvoiceLineItem{
				ItemType:          store.ItemCredit,
				Quantity:          1,
				UnitPriceUsdCents: -creditSum,
				AmountUsdCents:    -creditSum,
				CreditMonth:       &month,
			})
		}
	}

	if err := e.st.ReplaceLineItems(ctx, tx, draft.ID, items); err != nil {
		return err
	}
	return e.st.SetDraftAmount(ctx, tx, draft.ID, subtotal)
}

// RecordUsage upserts one aggregate usage row onto the customer's upcoming
// draft and resyncs the line items. The external stats pipeline is the only
// caller; quantities replace rather than accumulate.
func (e *Engine) RecordUsage(ctx context.Context, customerID int64, serviceType store.ServiceType, itemType string, quantity, unitPriceUsdCents, amountUsdCents int64) error {
	if !serviceType.Valid() {
		return fault.New(fault.KindInput, "billing: unknown service type %q", serviceType)
	}
	if itemType == "" {
		itemType = store.ItemRequests
	}
	return e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		if err := e.resyncDraft(ctx, tx, customerID); err != nil {
			return err
		}
		draft, err := e.st.GetDraftInvoice(ctx, tx, customerID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.New(fault.KindInput, "billing: customer %d has no upcoming draft to attach usage to", customerID)
		}
		if err != nil {
			return err
		}
		if err := e.st.UpsertInvoiceUsage(ctx, tx, &store.InvoiceUsage{
			BillingRecordID:   draft.ID,
			ServiceType:       serviceType,
			ItemType:          itemType,
			Quantity:          quantity,
			UnitPriceUsdCents: unitPriceUsdCents,
			AmountUsdCents:    amountUsdCents,
		}); err != nil {
			return err
		}
		return e.resyncDraft(ctx, tx, customerID)
	})
}
