package billing

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// collectOutcome reports how collectInvoice left the invoice.
type collectOutcome struct {
	Status         store.InvoiceStatus
	ActionURL      string       // set when a provider handed control to the user
	CreditsApplied int64        // cents settled from open credits
	PaidBy         payment.Kind // zero value when credits alone covered
	Reason         string       // last failure summary when not paid
}

// collectInvoice settles an invoice's open remainder: credits apply first,
// FIFO by expiry then creation, each recorded as an InvoicePayment; the
// provider chain is walked for whatever is left. The invoice status is
// finalized here; service-side bookkeeping stays with the caller.
//
// Chain rules: unconfigured rails are skipped, a rail that reports it
// cannot cover the amount is skipped without side effects, a success stops
// the walk, requires-action stops the walk with the invoice left pending,
// and declines fall through to the next rail. An exhausted chain leaves the
// invoice pending when any shortfall was retryable, failed otherwise.
func (e *Engine) collectInvoice(ctx context.Context, tx *sql.Tx, inv *store.BillingRecord, desc string) (*collectOutcome, error) {
	now := e.clk.Now()
	owed := inv.AmountUsdCents - inv.AmountPaidUsdCents
	out := &collectOutcome{}

	if owed > 0 {
		credits, err := e.st.ListOpenCredits(ctx, tx, inv.CustomerID, now)
		if err != nil {
			return nil, err
		}
		for _, cr := range credits {
			if owed == 0 {
				break
			}
			take := min(cr.RemainingAmountUsdCents, owed)
			if err := e.st.ConsumeCredit(ctx, tx, cr.ID, take); err != nil {
				return nil, err
			}
			ref := strconv.FormatInt(cr.ID, 10)
			if err := e.st.RecordInvoicePayment(ctx, tx, &store.InvoicePayment{
				BillingRecordID: inv.ID,
				CustomerID:      inv.CustomerID,
				SourceType:      store.SourceCredit,
				ReferenceID:     &ref,
				AmountUsdCents:  take,
			}); err != nil {
				return nil, err
			}
			if err := e.st.AddInvoiceAmountPaid(ctx, tx, inv.ID, take); err != nil {
				return nil, err
			}
			owed -= take
			out.CreditsApplied += take
		}
	}

	if owed == 0 {
		out.Status = store.InvoicePaid
		e.log.Info("invoice settled", "invoice", inv.ID, "customer", inv.CustomerID,
			"credits_cents", out.CreditsApplied, "desc", desc)
		return out, e.st.SetInvoiceOutcome(ctx, tx, inv.ID, store.InvoicePaid, nil, nil, nil)
	}

	// One idempotency scope per dispatch; providers stage sub-keys under it.
	idemKey := uuid.NewString()
	var (
		anyConfigured bool
		anyRetryable  bool
		reasons       []string
	)
	for _, p := range e.providers {
		configured, err := p.IsConfigured(ctx, tx, inv.CustomerID)
		if err != nil {
			return nil, err
		}
		if !configured {
			continue
		}
		anyConfigured = true

		// A rail that already knows it cannot cover the amount is skipped,
		// keeping periodic retries free of side effects until something
		// changes (a deposit, a raised limit).
		can, err := p.CanPay(ctx, tx, inv.CustomerID, owed)
		if err != nil {
			return nil, err
		}
		if !can {
			anyRetryable = true
			code := payment.CodeProviderUnavailable
			if p.Kind() == payment.Escrow {
				code = payment.CodeInsufficientEscrow
			}
			reasons = append(reasons, fmt.Sprintf("%s: %s", p.Kind(), code))
			continue
		}

		res, err := p.Charge(ctx, tx, payment.ChargeRequest{
			CustomerID:     inv.CustomerID,
			InvoiceID:      inv.ID,
			AmountUsdCents: owed,
			Description:    desc,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			return nil, err
		}

		if res.Succeeded {
			ref := res.ReferenceID
			if err := e.st.RecordInvoicePayment(ctx, tx, &store.InvoicePayment{
				BillingRecordID: inv.ID,
				CustomerID:      inv.CustomerID,
				SourceType:      payment.SourceFor(p.Kind()),
				ReferenceID:     &ref,
				AmountUsdCents:  owed,
			}); err != nil {
				return nil, err
			}
			if err := e.st.AddInvoiceAmountPaid(ctx, tx, inv.ID, owed); err != nil {
				return nil, err
			}
			var digest *string
			if res.TxDigest != "" {
				digest = &res.TxDigest
			}
			out.Status = store.InvoicePaid
			out.PaidBy = p.Kind()
			e.log.Info("invoice settled", "invoice", inv.ID, "customer", inv.CustomerID,
				"amount_cents", owed, "provider", p.Kind(), "desc", desc)
			return out, e.st.SetInvoiceOutcome(ctx, tx, inv.ID, store.InvoicePaid, nil, digest, nil)
		}

		if res.ErrorCode == payment.CodeRequiresAction {
			url := res.HostedInvoiceURL
			out.Status = store.InvoicePending
			out.ActionURL = url
			e.log.Info("invoice requires user action", "invoice", inv.ID, "customer", inv.CustomerID,
				"provider", p.Kind())
			return out, e.st.SetInvoiceOutcome(ctx, tx, inv.ID, store.InvoicePending, &url, nil, nil)
		}

		anyRetryable = anyRetryable || res.Retryable
		reasons = append(reasons, fmt.Sprintf("%s: %s", p.Kind(), res.ErrorCode))
	}

	reason := "no payment method configured"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	out.Status = store.InvoiceFailed
	if anyConfigured && anyRetryable {
		// Something may still pay this later without user intervention.
		out.Status = store.InvoicePending
	}
	out.Reason = reason
	e.log.Warn("invoice collection exhausted", "invoice", inv.ID, "customer", inv.CustomerID,
		"status", out.Status, "reason", reason)
	return out, e.st.SetInvoiceOutcome(ctx, tx, inv.ID, out.Status, nil, nil, &reason)
}

// flagChargePending parks a service behind its unpaid invoice. An enabled
// service leaves the gateway until the invoice settles.
func (e *Engine) flagChargePending(ctx context.Context, tx *sql.Tx, si *store.ServiceInstance, invoiceID int64) error {
	si.SubscriptionChargePending = true
	si.SubPendingInvoiceID = &invoiceID
	if si.State == store.StateEnabled {
		si.State = store.StateDisabled
		if err := e.markServiceChanged(ctx, tx, si); err != nil {
			return err
		}
	}
	return e.st.UpdateServiceInstance(ctx, tx, si)
}
