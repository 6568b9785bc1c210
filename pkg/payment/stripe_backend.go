package payment

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// StripeBackend drives the real Stripe API. Invoices are created with
// auto-advance off so the pay call stays under our idempotency keys.
type StripeBackend struct {
	api *client.API
}

func NewStripeBackend(apiKey string) *StripeBackend {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeBackend{api: api}
}

func (b *StripeBackend) CreateInvoice(ctx context.Context, stripeCustomerID, idemKey string) (string, error) {
	params := &stripe.InvoiceParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		Customer:         stripe.String(stripeCustomerID),
		CollectionMethod: stripe.String("charge_automatically"),
		AutoAdvance:      stripe.Bool(false),
	}
	inv, err := b.api.Invoices.New(params)
	if err != nil {
		return "", wrapStripeErr("create invoice", err)
	}
	return inv.ID, nil
}

func (b *StripeBackend) AddInvoiceItem(ctx context.Context, stripeCustomerID, invoiceID string, amountCents int64, description, idemKey string) error {
	params := &stripe.InvoiceItemParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		Customer:    stripe.String(stripeCustomerID),
		Invoice:     stripe.String(invoiceID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String(description),
	}
	if _, err := b.api.InvoiceItems.New(params); err != nil {
		return wrapStripeErr("add invoice item", err)
	}
	return nil
}

func (b *StripeBackend) FinalizeInvoice(ctx context.Context, invoiceID, idemKey string) error {
	params := &stripe.InvoiceFinalizeInvoiceParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
		AutoAdvance: stripe.Bool(false),
	}
	if _, err := b.api.Invoices.FinalizeInvoice(invoiceID, params); err != nil {
		return wrapStripeErr("finalize invoice", err)
	}
	return nil
}

func (b *StripeBackend) PayInvoice(ctx context.Context, invoiceID, idemKey string) (*PaymentOutcome, error) {
	params := &stripe.InvoicePayParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(idemKey),
		},
	}
	inv, err := b.api.Invoices.Pay(invoiceID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			switch serr.Code {
			case "invoice_payment_intent_requires_action":
				return &PaymentOutcome{
					RequiresAction:   true,
					HostedInvoiceURL: b.hostedURL(ctx, invoiceID),
				}, nil
			case "card_declined":
				return &PaymentOutcome{DeclineCode: string(serr.DeclineCode)}, nil
			}
		}
		return nil, wrapStripeErr("pay invoice", err)
	}
	if inv.Status == stripe.InvoiceStatusPaid {
		return &PaymentOutcome{Paid: true, HostedInvoiceURL: inv.HostedInvoiceURL}, nil
	}
	return &PaymentOutcome{DeclineCode: "invoice_not_paid"}, nil
}

// hostedURL fetches the invoice's hosted payment page; best effort, the 3DS
// handoff degrades to an empty URL if the read fails.
func (b *StripeBackend) hostedURL(ctx context.Context, invoiceID string) string {
	inv, err := b.api.Invoices.Get(invoiceID, &stripe.InvoiceParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return ""
	}
	return inv.HostedInvoiceURL
}

func wrapStripeErr(op string, err error) error {
	return fault.WrapRetryable(fault.KindTransientProvider, err, "stripe: %s", op)
}
