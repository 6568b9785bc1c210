package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/tiers"
	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// customerHeader carries the tenant on the internal network. The dashboard
// backend authenticates the end user and forwards the resolved id.
const customerHeader = "X-Customer-Id"

// HTTPHandler adapts Service to the internal REST surface.
type HTTPHandler struct {
	svc *Service
	log *slog.Logger
}

func NewHTTPHandler(svc *Service, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandler{svc: svc, log: log.With("component", "api.http")}
}

// Register mounts the customer routes. Auth, rate limiting and idempotency
// wrap the mux in the binary.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/services/", h.routeServices)
	mux.HandleFunc("/api/keys/", h.routeKeys)
	mux.HandleFunc("/api/wallet/", h.routeWallet)
	mux.HandleFunc("/api/payments/reconcile", h.handleReconcile)
}

func customerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(customerHeader), 10, 64)
	return id, err == nil && id > 0
}

// routeServices dispatches /api/services/{type} and its sub-resources.
func (h *HTTPHandler) routeServices(w http.ResponseWriter, r *http.Request) {
	cust, ok := customerID(r)
	if !ok {
		web.WriteBadRequest(w, "missing or invalid "+customerHeader+" header")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/services"), "/")
	parts := strings.Split(path, "/")
	st := store.ServiceType(parts[0])
	if parts[0] == "" || !st.Valid() {
		web.WriteNotFound(w, "unknown service type")
		return
	}

	action := strings.Join(parts[1:], "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleServiceStatus(w, r, cust, st)
	case action == "subscribe" && r.Method == http.MethodPost:
		h.handleSubscribe(w, r, cust, st)
	case action == "enable" && r.Method == http.MethodPost:
		h.respondService(w, r)(h.svc.EnableService(r.Context(), cust, st))
	case action == "disable" && r.Method == http.MethodPost:
		h.respondService(w, r)(h.svc.DisableService(r.Context(), cust, st))
	case action == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, cust, st)
	case action == "uncancel" && r.Method == http.MethodPost:
		h.respondService(w, r)(h.svc.UndoCancellation(r.Context(), cust, st))
	case action == "tier" && r.Method == http.MethodPost:
		h.handleChangeTier(w, r, cust, st)
	case action == "config" && r.Method == http.MethodPut:
		h.handleUpdateConfig(w, r, cust, st)
	case action == "keys" && r.Method == http.MethodGet:
		h.handleListKeys(w, r, cust, st)
	case action == "keys" && r.Method == http.MethodPost:
		h.handleCreateKey(w, r, cust, st)
	case action == "" || action == "subscribe" || action == "enable" || action == "disable" ||
		action == "cancel" || action == "uncancel" || action == "tier" || action == "config" || action == "keys":
		web.WriteMethodNotAllowed(w)
	default:
		web.WriteNotFound(w, "unknown services endpoint")
	}
}

// routeKeys dispatches /api/keys/{id}[/enable|/disable].
func (h *HTTPHandler) routeKeys(w http.ResponseWriter, r *http.Request) {
	cust, ok := customerID(r)
	if !ok {
		web.WriteBadRequest(w, "missing or invalid "+customerHeader+" header")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/keys"), "/")
	parts := strings.Split(path, "/")
	keyID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || keyID <= 0 {
		web.WriteNotFound(w, "unknown key")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.respondOK(w, r, h.svc.DeleteSealKey(r.Context(), cust, keyID))
	case len(parts) == 2 && parts[1] == "enable" && r.Method == http.MethodPost:
		h.respondOK(w, r, h.svc.EnableSealKey(r.Context(), cust, keyID))
	case len(parts) == 2 && parts[1] == "disable" && r.Method == http.MethodPost:
		h.respondOK(w, r, h.svc.DisableSealKey(r.Context(), cust, keyID))
	default:
		web.WriteMethodNotAllowed(w)
	}
}

// routeWallet dispatches /api/wallet/{deposit|withdraw|spending-limit}.
func (h *HTTPHandler) routeWallet(w http.ResponseWriter, r *http.Request) {
	cust, ok := customerID(r)
	if !ok {
		web.WriteBadRequest(w, "missing or invalid "+customerHeader+" header")
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/wallet"), "/")
	switch {
	case action == "deposit" && r.Method == http.MethodPost:
		h.handleWalletMove(w, r, cust, h.svc.Deposit)
	case action == "withdraw" && r.Method == http.MethodPost:
		h.handleWalletMove(w, r, cust, h.svc.Withdraw)
	case action == "spending-limit" && r.Method == http.MethodPut:
		h.handleSpendingLimit(w, r, cust)
	default:
		web.WriteNotFound(w, "unknown wallet endpoint")
	}
}

func (h *HTTPHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}
	cust, ok := customerID(r)
	if !ok {
		web.WriteBadRequest(w, "missing or invalid "+customerHeader+" header")
		return
	}
	sum, err := h.svc.ReconcilePayments(r.Context(), cust)
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, reconcileJSON(sum))
}

func (h *HTTPHandler) handleServiceStatus(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	status, err := h.svc.GetServiceStatus(r.Context(), cust, st)
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, statusJSON(status))
}

func (h *HTTPHandler) handleSubscribe(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "invalid JSON body")
		return
	}
	si, inv, err := h.svc.Subscribe(r.Context(), cust, st, tiers.TierID(req.Tier))
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"service": serviceJSON(si),
		"invoice": invoiceJSON(inv),
	})
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	res, err := h.svc.ScheduleCancellation(r.Context(), cust, st)
	if err != nil {
		WriteFault(w, err)
		return
	}
	out := map[string]any{"deleted": res.Deleted}
	if res.Service != nil {
		out["service"] = serviceJSON(res.Service)
	}
	if res.ScheduledFor != nil {
		out["scheduledFor"] = res.ScheduledFor.UTC()
	}
	web.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleChangeTier(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "invalid JSON body")
		return
	}
	chg, err := h.svc.ChangeTier(r.Context(), cust, st, tiers.TierID(req.Tier))
	if err != nil {
		WriteFault(w, err)
		return
	}
	out := map[string]any{
		"service":   serviceJSON(chg.Service),
		"scheduled": chg.Scheduled,
	}
	if chg.Invoice != nil {
		out["invoice"] = invoiceJSON(chg.Invoice)
	}
	web.WriteJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) handleUpdateConfig(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGatewayConfigBytes+1))
	if err != nil {
		web.WriteBadRequest(w, "config payload too large or unreadable")
		return
	}
	si, err := h.svc.UpdateGatewayConfig(r.Context(), cust, st, body)
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"service": serviceJSON(si)})
}

func (h *HTTPHandler) handleListKeys(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	keys, err := h.svc.ListSealKeys(r.Context(), cust, st)
	if err != nil {
		WriteFault(w, err)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyJSON(k))
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (h *HTTPHandler) handleCreateKey(w http.ResponseWriter, r *http.Request, cust int64, st store.ServiceType) {
	var req struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "invalid JSON body")
		return
	}
	k, err := h.svc.CreateSealKey(r.Context(), cust, st, req.PublicKey)
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusCreated, keyJSON(k))
}

func (h *HTTPHandler) handleWalletMove(w http.ResponseWriter, r *http.Request, cust int64,
	move func(ctx context.Context, customerID, amountUsdCents int64) (string, error)) {
	var req struct {
		AmountUsdCents int64 `json:"amountUsdCents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "invalid JSON body")
		return
	}
	digest, err := move(r.Context(), cust, req.AmountUsdCents)
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"txDigest": digest})
}

func (h *HTTPHandler) handleSpendingLimit(w http.ResponseWriter, r *http.Request, cust int64) {
	var req struct {
		LimitUsdCents int64 `json:"limitUsdCents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if err := h.svc.SetSpendingLimit(r.Context(), cust, req.LimitUsdCents); err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// respondService writes a {service} envelope or the mapped fault.
func (h *HTTPHandler) respondService(w http.ResponseWriter, _ *http.Request) func(*store.ServiceInstance, error) {
	return func(si *store.ServiceInstance, err error) {
		if err != nil {
			WriteFault(w, err)
			return
		}
		web.WriteJSON(w, http.StatusOK, map[string]any{"service": serviceJSON(si)})
	}
}

func (h *HTTPHandler) respondOK(w http.ResponseWriter, _ *http.Request, err error) {
	if err != nil {
		WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// serviceJSON is the wire shape of a service instance.
func serviceJSON(si *store.ServiceInstance) map[string]any {
	out := map[string]any{
		"id":          si.ID,
		"serviceType": si.ServiceType,
		"tier":        si.Tier,
		"state":       si.State,
		"paidOnce":    si.PaidOnce,
	}
	if si.SubPendingInvoiceID != nil {
		out["pendingInvoiceId"] = *si.SubPendingInvoiceID
	}
	if si.ScheduledTier != nil {
		out["scheduledTier"] = *si.ScheduledTier
	}
	if si.CancellationScheduledFor != nil {
		out["cancellationScheduledFor"] = si.CancellationScheduledFor.UTC()
	}
	if len(si.GatewayConfigJSON) > 0 {
		out["gatewayConfig"] = json.RawMessage(si.GatewayConfigJSON)
	}
	return out
}

func invoiceJSON(inv *store.BillingRecord) map[string]any {
	if inv == nil {
		return nil
	}
	out := map[string]any{
		"id":                 inv.ID,
		"status":             inv.Status,
		"amountUsdCents":     inv.AmountUsdCents,
		"amountPaidUsdCents": inv.AmountPaidUsdCents,
		"billingPeriodStart": inv.BillingPeriodStart.UTC(),
		"dueDate":            inv.DueDate.UTC(),
	}
	if inv.PaymentActionURL != nil {
		out["paymentActionUrl"] = *inv.PaymentActionURL
	}
	if inv.TxDigest != nil {
		out["txDigest"] = *inv.TxDigest
	}
	if inv.FailureReason != nil {
		out["failureReason"] = *inv.FailureReason
	}
	return out
}

func keyJSON(k *store.SealKey) map[string]any {
	return map[string]any{
		"id":              k.ID,
		"processGroup":    k.ProcessGroup,
		"derivationIndex": k.DerivationIndex,
		"publicKey":       k.PublicKey,
		"enabled":         k.IsUserEnabled,
		"createdAt":       k.CreatedAt.UTC(),
	}
}

func statusJSON(st *ServiceStatus) map[string]any {
	out := map[string]any{
		"service": serviceJSON(st.Service),
		"synced":  st.Synced,
	}
	if st.PendingInvoice != nil {
		out["pendingInvoice"] = invoiceJSON(st.PendingInvoice)
	}
	if st.FleetMinSeq != nil {
		out["fleetMinAppliedSeq"] = *st.FleetMinSeq
	}
	return out
}

func reconcileJSON(sum *billing.ReconcileSummary) map[string]any {
	out := map[string]any{
		"settled":        sum.Settled,
		"stillPending":   sum.StillPending,
		"creditUsdCents": sum.CreditUsdCents,
	}
	if sum.ActionURL != "" {
		out["paymentActionUrl"] = sum.ActionURL
	}
	return out
}
