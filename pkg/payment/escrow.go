package payment

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// spendingWindow is the rolling period the escrow spending limit covers.
const spendingWindow = 28 * 24 * time.Hour

// EscrowLedger is the on-chain escrow contract surface. The real contract is
// external; MockLedger implements it for development and tests. Amounts are
// integer cents, digests identify the settled transaction.
type EscrowLedger interface {
	// EnsureContract returns the customer's escrow object id, creating it
	// on first use.
	EnsureContract(ctx context.Context, customerID int64) (string, error)
	Balance(ctx context.Context, contractID string) (int64, error)
	Deposit(ctx context.Context, contractID string, amountCents int64) (string, error)
	Withdraw(ctx context.Context, contractID string, amountCents int64) (string, error)
	Charge(ctx context.Context, contractID string, amountCents int64) (string, error)
	Refund(ctx context.Context, contractID string, amountCents int64) (string, error)
}

// EscrowProvider charges the customer's on-chain escrow balance. Every
// charge attempt lands in the escrow_transactions intent log; successful
// charges also debit the balance mirror and the 28-day spending window, all
// inside the caller's transaction.
type EscrowProvider struct {
	st     *store.Store
	ledger EscrowLedger
	clk    clock.Clock
	log    *slog.Logger
}

func NewEscrowProvider(st *store.Store, ledger EscrowLedger, clk clock.Clock, log *slog.Logger) *EscrowProvider {
	if log == nil {
		log = slog.Default()
	}
	return &EscrowProvider{st: st, ledger: ledger, clk: clk, log: log}
}

func (p *EscrowProvider) Kind() Kind { return Escrow }

func (p *EscrowProvider) IsConfigured(ctx context.Context, q store.Querier, customerID int64) (bool, error) {
	c, err := p.st.GetCustomer(ctx, q, customerID)
	if err != nil {
		return false, err
	}
	return c.EscrowContractID != nil, nil
}

func (p *EscrowProvider) CanPay(ctx context.Context, q store.Querier, customerID, amountCents int64) (bool, error) {
	c, err := p.st.GetCustomer(ctx, q, customerID)
	if err != nil {
		return false, err
	}
	if c.EscrowContractID == nil {
		return false, nil
	}
	if headroom := p.limitHeadroom(c); headroom >= 0 && amountCents > headroom {
		return false, nil
	}
	bal, err := p.ledger.Balance(ctx, *c.EscrowContractID)
	if err != nil {
		return false, err
	}
	return bal >= amountCents, nil
}

func (p *EscrowProvider) Charge(ctx context.Context, q store.Querier, req ChargeRequest) (*ChargeResult, error) {
	c, err := p.st.GetCustomer(ctx, q, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if c.EscrowContractID == nil {
		return &ChargeResult{ErrorCode: CodeAccountNotConfigured}, nil
	}

	if headroom := p.limitHeadroom(c); headroom >= 0 && req.AmountUsdCents > headroom {
		p.log.Info("escrow charge over spending limit",
			"customer", c.ID, "amount_cents", req.AmountUsdCents, "headroom_cents", headroom)
		// Payable again once the 28-day window rolls or the limit is raised.
		return &ChargeResult{ErrorCode: CodeSpendingLimitExceeded, Retryable: true}, nil
	}

	digest, err := p.ledger.Charge(ctx, *c.EscrowContractID, req.AmountUsdCents)
	if err != nil {
		if rerr := p.st.RecordEscrowTransaction(ctx, q, &store.EscrowTransaction{
			CustomerID:     c.ID,
			Kind:           store.EscrowCharge,
			AmountUsdCents: req.AmountUsdCents,
			Success:        false,
		}); rerr != nil {
			return nil, rerr
		}
		switch fault.KindOf(err) {
		case fault.KindInsufficientFunds:
			return &ChargeResult{ErrorCode: CodeInsufficientEscrow, Retryable: true}, nil
		case fault.KindNotFound:
			return &ChargeResult{ErrorCode: CodeAccountNotConfigured}, nil
		default:
			p.log.Warn("escrow ledger charge failed", "customer", c.ID, "err", err)
			return &ChargeResult{ErrorCode: CodeProviderUnavailable, Retryable: true}, nil
		}
	}

	// Settled on chain; bring the local mirror and spending window along.
	now := p.clk.Now()
	if p.periodExpired(c, now) {
		if err := p.st.ResetEscrowPeriod(ctx, q, c.ID, now); err != nil {
			return nil, err
		}
	}
	if err := p.st.AddEscrowPeriodCharge(ctx, q, c.ID, req.AmountUsdCents); err != nil {
		return nil, err
	}
	if err := p.st.AdjustCustomerBalance(ctx, q, c.ID, -req.AmountUsdCents); err != nil {
		// The chain accepted the charge; a mirror that cannot follow is a
		// consistency fault, not a decline.
		return nil, fault.Wrap(fault.KindConsistency, err,
			"escrow mirror debit failed after on-chain charge %s", digest)
	}

	et := &store.EscrowTransaction{
		CustomerID:     c.ID,
		Kind:           store.EscrowCharge,
		AmountUsdCents: req.AmountUsdCents,
		TxDigest:       digest,
		Success:        true,
	}
	if err := p.st.RecordEscrowTransaction(ctx, q, et); err != nil {
		return nil, err
	}

	return &ChargeResult{
		Succeeded:   true,
		ReferenceID: strconv.FormatInt(et.ID, 10),
		TxDigest:    digest,
	}, nil
}

// Deposit moves funds into the customer's escrow contract, creating the
// contract on first use, and mirrors the new balance locally. Returns the
// on-chain digest.
func (p *EscrowProvider) Deposit(ctx context.Context, q store.Querier, customerID, amountCents int64) (string, error) {
	if amountCents <= 0 {
		return "", fault.New(fault.KindInput, "payment: deposit amount must be positive")
	}
	c, err := p.st.GetCustomer(ctx, q, customerID)
	if err != nil {
		return "", err
	}
	contractID := ""
	if c.EscrowContractID != nil {
		contractID = *c.EscrowContractID
	} else {
		contractID, err = p.ledger.EnsureContract(ctx, c.ID)
		if err != nil {
			return "", err
		}
		if err := p.st.SetEscrowContract(ctx, q, c.ID, contractID); err != nil {
			return "", err
		}
	}

	digest, err := p.ledger.Deposit(ctx, contractID, amountCents)
	if err != nil {
		return "", err
	}
	if err := p.st.AdjustCustomerBalance(ctx, q, c.ID, amountCents); err != nil {
		return "", fault.Wrap(fault.KindConsistency, err,
			"escrow mirror credit failed after on-chain deposit %s", digest)
	}
	if err := p.st.RecordEscrowTransaction(ctx, q, &store.EscrowTransaction{
		CustomerID:     c.ID,
		Kind:           store.EscrowDeposit,
		AmountUsdCents: amountCents,
		TxDigest:       digest,
		Success:        true,
	}); err != nil {
		return "", err
	}
	p.log.Info("escrow deposit", "customer", c.ID, "amount_cents", amountCents, "digest", digest)
	return digest, nil
}

// Withdraw returns escrow funds to the customer's wallet and debits the
// local mirror. Returns the on-chain digest.
func (p *EscrowProvider) Withdraw(ctx context.Context, q store.Querier, customerID, amountCents int64) (string, error) {
	if amountCents <= 0 {
		return "", fault.New(fault.KindInput, "payment: withdraw amount must be positive")
	}
	c, err := p.st.GetCustomer(ctx, q, customerID)
	if err != nil {
		return "", err
	}
	if c.EscrowContractID == nil {
		return "", fault.New(fault.KindNotFound, "payment: customer %d has no escrow contract", c.ID)
	}

	digest, err := p.ledger.Withdraw(ctx, *c.EscrowContractID, amountCents)
	if err != nil {
		return "", err
	}
	if err := p.st.AdjustCustomerBalance(ctx, q, c.ID, -amountCents); err != nil {
		return "", fault.Wrap(fault.KindConsistency, err,
			"escrow mirror debit failed after on-chain withdraw %s", digest)
	}
	if err := p.st.RecordEscrowTransaction(ctx, q, &store.EscrowTransaction{
		CustomerID:     c.ID,
		Kind:           store.EscrowWithdraw,
		AmountUsdCents: amountCents,
		TxDigest:       digest,
		Success:        true,
	}); err != nil {
		return "", err
	}
	p.log.Info("escrow withdraw", "customer", c.ID, "amount_cents", amountCents, "digest", digest)
	return digest, nil
}

func (p *EscrowProvider) Info(ctx context.Context, q store.Querier, customerID int64) (*DisplayInfo, error) {
	c, err := p.st.GetCustomer(ctx, q, customerID)
	if err != nil {
		return nil, err
	}
	if c.EscrowContractID == nil {
		return nil, nil
	}
	bal, err := p.ledger.Balance(ctx, *c.EscrowContractID)
	if err != nil {
		return nil, err
	}
	return &DisplayInfo{
		Kind:            Escrow,
		Label:           "Escrow",
		Detail:          *c.EscrowContractID,
		BalanceUsdCents: &bal,
	}, nil
}

// limitHeadroom returns how many more cents the window admits, or -1 for
// unlimited. An expired window counts as empty.
func (p *EscrowProvider) limitHeadroom(c *store.Customer) int64 {
	if c.SpendingLimitUsdCents <= 0 {
		return -1
	}
	charged := c.CurrentPeriodChargedUsdCents
	if p.periodExpired(c, p.clk.Now()) {
		charged = 0
	}
	headroom := c.SpendingLimitUsdCents - charged
	if headroom < 0 {
		headroom = 0
	}
	return headroom
}

func (p *EscrowProvider) periodExpired(c *store.Customer, now time.Time) bool {
	return c.CurrentPeriodStart == nil || now.Sub(*c.CurrentPeriodStart) >= spendingWindow
}
