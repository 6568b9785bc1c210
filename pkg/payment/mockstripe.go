package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// MockDirectory is the in-memory customer directory mutated by the dev test
// endpoints ("configure a card for customer N").
type MockDirectory struct {
	mu sync.Mutex
	m  map[int64]string
}

func NewMockDirectory() *MockDirectory {
	return &MockDirectory{m: make(map[int64]string)}
}

func (d *MockDirectory) Configure(customerID int64, stripeCustomerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[customerID] = stripeCustomerID
}

func (d *MockDirectory) Remove(customerID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, customerID)
}

func (d *MockDirectory) StripeCustomerID(_ context.Context, customerID int64) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.m[customerID]
	return id, ok, nil
}

type mockInvoice struct {
	customer  string
	amount    int64
	finalized bool
	paid      bool
	payCalls  int
}

// MockInvoiceBackend replays responses by idempotency key the way Stripe
// does, so retried collection attempts are observable as replays rather
// than fresh charges.
type MockInvoiceBackend struct {
	cfg *MockConfig

	mu       sync.Mutex
	seq      int
	invoices map[string]*mockInvoice
	replays  map[string]string // idem key -> created invoice id
	keys     []string          // every idem key seen, in call order
}

func NewMockInvoiceBackend(cfg *MockConfig) *MockInvoiceBackend {
	return &MockInvoiceBackend{
		cfg:      cfg,
		invoices: make(map[string]*mockInvoice),
		replays:  make(map[string]string),
	}
}

func (b *MockInvoiceBackend) CreateInvoice(ctx context.Context, stripeCustomerID, idemKey string) (string, error) {
	if err := b.cfg.sleep(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, idemKey)
	if id, ok := b.replays[idemKey]; ok {
		return id, nil
	}
	b.seq++
	id := fmt.Sprintf("in_mock%06d", b.seq)
	b.invoices[id] = &mockInvoice{customer: stripeCustomerID}
	b.replays[idemKey] = id
	return id, nil
}

func (b *MockInvoiceBackend) AddInvoiceItem(ctx context.Context, _, invoiceID string, amountCents int64, _ string, idemKey string) error {
	if err := b.cfg.sleep(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, idemKey)
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return fault.New(fault.KindNotFound, "mock stripe: unknown invoice %s", invoiceID)
	}
	if _, seen := b.replays[idemKey]; seen {
		return nil
	}
	inv.amount += amountCents
	b.replays[idemKey] = invoiceID
	return nil
}

func (b *MockInvoiceBackend) FinalizeInvoice(ctx context.Context, invoiceID, idemKey string) error {
	if err := b.cfg.sleep(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, idemKey)
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return fault.New(fault.KindNotFound, "mock stripe: unknown invoice %s", invoiceID)
	}
	inv.finalized = true
	b.replays[idemKey] = invoiceID
	return nil
}

func (b *MockInvoiceBackend) PayInvoice(ctx context.Context, invoiceID, idemKey string) (*PaymentOutcome, error) {
	if err := b.cfg.sleep(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, idemKey)
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "mock stripe: unknown invoice %s", invoiceID)
	}
	if !inv.finalized {
		return nil, fault.New(fault.KindInput, "mock stripe: invoice %s not finalized", invoiceID)
	}
	if inv.paid {
		// Idempotent replay of an already-settled invoice.
		return &PaymentOutcome{Paid: true, HostedInvoiceURL: b.hostedURL(invoiceID)}, nil
	}

	st := b.cfg.snapshot()
	switch {
	case st.forceRequiresAction:
		return &PaymentOutcome{RequiresAction: true, HostedInvoiceURL: b.hostedURL(invoiceID)}, nil
	case st.forceFail:
		return &PaymentOutcome{DeclineCode: "generic_decline"}, nil
	case st.scenario == ScenarioInsufficientBalance:
		return &PaymentOutcome{DeclineCode: "insufficient_funds"}, nil
	case st.scenario == ScenarioAccountNotFound:
		return nil, fault.New(fault.KindNotFound, "mock stripe: customer gone")
	}

	inv.paid = true
	inv.payCalls++
	b.replays[idemKey] = invoiceID
	return &PaymentOutcome{Paid: true, HostedInvoiceURL: b.hostedURL(invoiceID)}, nil
}

// SettledPayCalls reports how many distinct pay operations actually settled
// an invoice (replays excluded). Test hook.
func (b *MockInvoiceBackend) SettledPayCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, inv := range b.invoices {
		n += inv.payCalls
	}
	return n
}

// InvoiceAmount reports the accumulated item total for an invoice. Test hook.
func (b *MockInvoiceBackend) InvoiceAmount(invoiceID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inv, ok := b.invoices[invoiceID]; ok {
		return inv.amount
	}
	return 0
}

// RecordedKeys returns every idempotency key seen, in call order. Test hook.
func (b *MockInvoiceBackend) RecordedKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

func (b *MockInvoiceBackend) hostedURL(invoiceID string) string {
	return "https://invoice.stripe.test/" + invoiceID
}
