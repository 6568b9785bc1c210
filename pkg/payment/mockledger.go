package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// MockLedger is the in-memory stand-in for the on-chain escrow contract.
// Balances live per contract id; digests are deterministic counters so test
// assertions stay stable across runs.
type MockLedger struct {
	cfg *MockConfig

	mu        sync.Mutex
	contracts map[int64]string
	balances  map[string]int64
	seq       int
}

func NewMockLedger(cfg *MockConfig) *MockLedger {
	return &MockLedger{
		cfg:       cfg,
		contracts: make(map[int64]string),
		balances:  make(map[string]int64),
	}
}

func (l *MockLedger) EnsureContract(ctx context.Context, customerID int64) (string, error) {
	if err := l.cfg.sleep(ctx); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.contracts[customerID]; ok {
		return id, nil
	}
	id := fmt.Sprintf("mock-escrow-%06d", customerID)
	l.contracts[customerID] = id
	l.balances[id] = 0
	return id, nil
}

func (l *MockLedger) Balance(ctx context.Context, contractID string) (int64, error) {
	if err := l.cfg.sleep(ctx); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[contractID]
	if !ok {
		return 0, fault.New(fault.KindNotFound, "mock ledger: unknown contract %s", contractID)
	}
	return bal, nil
}

func (l *MockLedger) Deposit(ctx context.Context, contractID string, amountCents int64) (string, error) {
	return l.mutate(ctx, contractID, amountCents, "deposit")
}

func (l *MockLedger) Withdraw(ctx context.Context, contractID string, amountCents int64) (string, error) {
	return l.mutate(ctx, contractID, -amountCents, "withdraw")
}

func (l *MockLedger) Charge(ctx context.Context, contractID string, amountCents int64) (string, error) {
	return l.mutate(ctx, contractID, -amountCents, "charge")
}

func (l *MockLedger) Refund(ctx context.Context, contractID string, amountCents int64) (string, error) {
	return l.mutate(ctx, contractID, amountCents, "refund")
}

func (l *MockLedger) mutate(ctx context.Context, contractID string, delta int64, op string) (string, error) {
	if err := l.cfg.sleep(ctx); err != nil {
		return "", err
	}
	st := l.cfg.snapshot()
	if st.forceFail {
		return "", fault.Retryable(fault.KindTransientProvider, "mock ledger: forced %s failure", op)
	}
	switch st.scenario {
	case ScenarioAccountNotFound:
		return "", fault.New(fault.KindNotFound, "mock ledger: forced account not found")
	case ScenarioInsufficientBalance:
		if delta < 0 {
			return "", fault.Retryable(fault.KindInsufficientFunds, "mock ledger: forced insufficient balance")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[contractID]
	if !ok {
		return "", fault.New(fault.KindNotFound, "mock ledger: unknown contract %s", contractID)
	}
	if bal+delta < 0 {
		return "", fault.Retryable(fault.KindInsufficientFunds,
			"mock ledger: %s of %d cents exceeds balance %d", op, -delta, bal)
	}
	l.balances[contractID] = bal + delta
	l.seq++
	return fmt.Sprintf("0xmock%08d", l.seq), nil
}
