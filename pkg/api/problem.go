// Package api exposes the control-plane operations over HTTP: the
// transactional Service composing the store and the billing engine, plus
// the auth, rate-limiting and idempotent-replay middleware shared with
// the GM server.
package api

import (
	"errors"
	"net/http"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// WriteFault writes the problem document for err. Bare store sentinels
// surface from deep inside transactions; they map onto their fault
// counterparts so clients see 404/402/409 rather than a 500.
func WriteFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindInternal {
		switch {
		case errors.Is(err, store.ErrNotFound):
			kind = fault.KindNotFound
		case errors.Is(err, store.ErrInsufficientBalance):
			kind = fault.KindInsufficientFunds
		case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrOverpayment):
			kind = fault.KindConsistency
		}
	}
	web.WriteFaultAs(w, kind, err)
}
