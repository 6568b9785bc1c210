package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// CancellationResult reports which of the two cancellation paths ran.
type CancellationResult struct {
	// Deleted is true when the never-paid instance was removed immediately.
	Deleted bool
	// Service is the surviving instance; nil on the deletion path.
	Service *store.ServiceInstance
	// ScheduledFor is the period boundary a paid instance winds down at.
	ScheduledFor *time.Time
}

// ScheduleCancellation cancels the customer's subscription to a service
// type. A never-paid instance is deleted on the spot, its identity kept in
// a tombstone for the cooldown-gated re-subscription. A paid instance keeps
// running until the end of the period it paid for.
func (e *Engine) ScheduleCancellation(ctx context.Context, customerID int64, serviceType store.ServiceType) (*CancellationResult, error) {
	res := &CancellationResult{}
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		si, err := e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		switch si.State {
		case store.StateNotProvisioned:
			return fault.New(fault.KindInput, "billing: %s is not subscribed", serviceType)
		case store.StateCancellationPending:
			res.Service = si
			res.ScheduledFor = si.CancellationScheduledFor
			return nil
		}

		now := e.clk.Now()
		if !si.PaidOnce {
			// Never paid: delete immediately, void the unpaid invoice and
			// keep the identity for a later re-subscription.
			if si.SubPendingInvoiceID != nil {
				reason := "cancelled before payment"
				if err := e.st.SetInvoiceOutcome(ctx, tx, *si.SubPendingInvoiceID,
					store.InvoiceVoid, nil, nil, &reason); err != nil {
					return err
				}
			}
			if err := e.retireSealKeys(ctx, tx, si.ID, now); err != nil {
				return err
			}
			if err := e.st.DeleteServiceInstance(ctx, tx, si.ID); err != nil {
				return err
			}
			if err := e.st.UpsertServiceTombstone(ctx, tx, &store.ServiceTombstone{
				CustomerID:  customerID,
				ServiceType: serviceType,
				InstanceID:  si.ID,
				DeletedAt:   now,
			}); err != nil {
				return err
			}
			res.Deleted = true
			return e.resyncDraft(ctx, tx, customerID)
		}

		at := clock.StartOfNextMonth(now)
		si.CancellationScheduledFor = &at
		if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		res.Service = si
		res.ScheduledFor = &at
		return e.resyncDraft(ctx, tx, customerID)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("cancellation requested", "customer", customerID, "service", serviceType,
		"deleted", res.Deleted)
	return res, nil
}

// UndoCancellation clears a scheduled cancellation before it takes effect.
func (e *Engine) UndoCancellation(ctx context.Context, customerID int64, serviceType store.ServiceType) (*store.ServiceInstance, error) {
	var si *store.ServiceInstance
	err := e.st.WithCustomerTx(ctx, customerID, func(tx *sql.Tx) error {
		var err error
		si, err = e.st.GetServiceByCustomerAndType(ctx, tx, customerID, serviceType)
		if err != nil {
			return err
		}
		if si.State == store.StateCancellationPending {
			return fault.New(fault.KindInput,
				"billing: %s cancellation already took effect; subscribe again instead", serviceType)
		}
		if si.CancellationScheduledFor == nil {
			return nil
		}
		si.CancellationScheduledFor = nil
		if err := e.st.UpdateServiceInstance(ctx, tx, si); err != nil {
			return err
		}
		return e.resyncDraft(ctx, tx, customerID)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("cancellation undone", "customer", customerID, "service", serviceType)
	return si, nil
}
