package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// PayPalProvider is the third rail of the chain. No production integration
// exists yet, so construction demands mock mode; the adapter is fully
// functional there and keeps the chain logic honest about a third provider.
type PayPalProvider struct {
	cfg *MockConfig

	mu       sync.Mutex
	accounts map[int64]string
	seq      int
}

func NewPayPalProvider(cfg *MockConfig) (*PayPalProvider, error) {
	if cfg == nil {
		return nil, fault.New(fault.KindInput, "payment: paypal is only available in mock mode")
	}
	return &PayPalProvider{cfg: cfg, accounts: make(map[int64]string)}, nil
}

// ConfigureAccount links a customer to a PayPal account. Dev test endpoint hook.
func (p *PayPalProvider) ConfigureAccount(customerID int64, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if email == "" {
		delete(p.accounts, customerID)
		return
	}
	p.accounts[customerID] = email
}

func (p *PayPalProvider) Kind() Kind { return PayPal }

func (p *PayPalProvider) IsConfigured(_ context.Context, _ store.Querier, customerID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.accounts[customerID]
	return ok, nil
}

func (p *PayPalProvider) CanPay(ctx context.Context, q store.Querier, customerID, _ int64) (bool, error) {
	return p.IsConfigured(ctx, q, customerID)
}

func (p *PayPalProvider) Charge(ctx context.Context, _ store.Querier, req ChargeRequest) (*ChargeResult, error) {
	if err := p.cfg.sleep(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	_, ok := p.accounts[req.CustomerID]
	p.mu.Unlock()
	if !ok {
		return &ChargeResult{ErrorCode: CodeAccountNotConfigured}, nil
	}

	st := p.cfg.snapshot()
	switch {
	case st.scenario == ScenarioAccountNotFound:
		return &ChargeResult{ErrorCode: CodeAccountNotConfigured}, nil
	case st.forceFail || st.scenario == ScenarioInsufficientBalance:
		return &ChargeResult{ErrorCode: CodeCardDeclined}, nil
	}

	p.mu.Lock()
	p.seq++
	ref := fmt.Sprintf("pp_mock%08d", p.seq)
	p.mu.Unlock()
	return &ChargeResult{Succeeded: true, ReferenceID: ref}, nil
}

func (p *PayPalProvider) Info(_ context.Context, _ store.Querier, customerID int64) (*DisplayInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	email, ok := p.accounts[customerID]
	if !ok {
		return nil, nil
	}
	return &DisplayInfo{Kind: PayPal, Label: "PayPal", Detail: email}, nil
}
