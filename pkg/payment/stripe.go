package payment

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// The four Stripe API calls of one collection attempt. Each call gets its
// own idempotency key derived from the request key so a retried attempt
// replays instead of double-charging.
const (
	stageCreateInvoice = "create-invoice"
	stageAddItem       = "add-item"
	stageFinalize      = "finalize"
	stagePay           = "pay"
)

func stageKey(base, stage string) string { return base + ":" + stage }

// PaymentOutcome is the business result of paying a Stripe invoice.
// Transport and API plumbing failures surface as errors instead.
type PaymentOutcome struct {
	Paid             bool
	RequiresAction   bool
	HostedInvoiceURL string
	DeclineCode      string
}

// InvoiceBackend is the slice of the Stripe invoicing API the provider
// drives. StripeBackend implements it over stripe-go; MockInvoiceBackend
// substitutes in mock mode.
type InvoiceBackend interface {
	CreateInvoice(ctx context.Context, stripeCustomerID, idemKey string) (invoiceID string, err error)
	AddInvoiceItem(ctx context.Context, stripeCustomerID, invoiceID string, amountCents int64, description, idemKey string) error
	FinalizeInvoice(ctx context.Context, invoiceID, idemKey string) error
	PayInvoice(ctx context.Context, invoiceID, idemKey string) (*PaymentOutcome, error)
}

// CustomerDirectory resolves internal customer ids to Stripe customer ids.
// Card enrollment happens outside this system, so configured-ness is
// whatever the directory says.
type CustomerDirectory interface {
	StripeCustomerID(ctx context.Context, customerID int64) (string, bool, error)
}

// StripeProvider collects invoices with the four-call flow:
// create invoice, attach item, finalize, pay.
type StripeProvider struct {
	backend InvoiceBackend
	dir     CustomerDirectory
	sandbox bool
	timeout time.Duration
	log     *slog.Logger
}

// IsSandboxKey reports whether key targets the Stripe sandbox.
func IsSandboxKey(key string) bool { return strings.HasPrefix(key, "sk_test_") }

func NewStripeProvider(backend InvoiceBackend, dir CustomerDirectory, sandbox bool, log *slog.Logger) *StripeProvider {
	if log == nil {
		log = slog.Default()
	}
	return &StripeProvider{
		backend: backend,
		dir:     dir,
		sandbox: sandbox,
		timeout: 30 * time.Second,
		log:     log,
	}
}

func (p *StripeProvider) Kind() Kind { return Stripe }

func (p *StripeProvider) IsConfigured(ctx context.Context, _ store.Querier, customerID int64) (bool, error) {
	_, ok, err := p.dir.StripeCustomerID(ctx, customerID)
	return ok, err
}

// CanPay cannot see card validity ahead of time; Stripe decides at pay time.
func (p *StripeProvider) CanPay(ctx context.Context, q store.Querier, customerID, _ int64) (bool, error) {
	return p.IsConfigured(ctx, q, customerID)
}

func (p *StripeProvider) Charge(ctx context.Context, _ store.Querier, req ChargeRequest) (*ChargeResult, error) {
	scID, ok, err := p.dir.StripeCustomerID(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ChargeResult{ErrorCode: CodeAccountNotConfigured}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	base := req.IdempotencyKey
	invID, err := p.backend.CreateInvoice(ctx, scID, stageKey(base, stageCreateInvoice))
	if err != nil {
		return p.unavailable("create invoice", req.CustomerID, err), nil
	}
	if err := p.backend.AddInvoiceItem(ctx, scID, invID, req.AmountUsdCents, req.Description,
		stageKey(base, stageAddItem)); err != nil {
		return p.unavailable("add invoice item", req.CustomerID, err), nil
	}
	if err := p.backend.FinalizeInvoice(ctx, invID, stageKey(base, stageFinalize)); err != nil {
		return p.unavailable("finalize invoice", req.CustomerID, err), nil
	}
	out, err := p.backend.PayInvoice(ctx, invID, stageKey(base, stagePay))
	if err != nil {
		return p.unavailable("pay invoice", req.CustomerID, err), nil
	}

	switch {
	case out.Paid:
		return &ChargeResult{
			Succeeded:        true,
			ReferenceID:      invID,
			HostedInvoiceURL: out.HostedInvoiceURL,
		}, nil
	case out.RequiresAction:
		return &ChargeResult{
			ReferenceID:      invID,
			ErrorCode:        CodeRequiresAction,
			HostedInvoiceURL: out.HostedInvoiceURL,
		}, nil
	default:
		p.log.Info("stripe charge declined",
			"customer", req.CustomerID, "invoice", invID, "decline_code", out.DeclineCode)
		return &ChargeResult{ReferenceID: invID, ErrorCode: CodeCardDeclined}, nil
	}
}

func (p *StripeProvider) Info(ctx context.Context, _ store.Querier, customerID int64) (*DisplayInfo, error) {
	scID, ok, err := p.dir.StripeCustomerID(ctx, customerID)
	if err != nil || !ok {
		return nil, err
	}
	detail := scID
	if p.sandbox {
		detail += " (sandbox)"
	}
	return &DisplayInfo{Kind: Stripe, Label: "Stripe", Detail: detail}, nil
}

func (p *StripeProvider) unavailable(op string, customerID int64, err error) *ChargeResult {
	p.log.Warn("stripe backend call failed", "op", op, "customer", customerID, "err", err)
	return &ChargeResult{ErrorCode: CodeProviderUnavailable, Retryable: true}
}
