package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

func newTestMux(f *fixture) *http.ServeMux {
	mux := http.NewServeMux()
	NewHTTPHandler(f.svc, discardLogger()).Register(mux)
	return mux
}

// do runs one request with the fixture customer set and decodes the JSON
// response body.
func do(t *testing.T, mux *http.ServeMux, method, path, body string, customer int64) (int, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if customer > 0 {
		req.Header.Set(customerHeader, fmt.Sprintf("%d", customer))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	out := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), "body: %s", rr.Body.String())
	}
	return rr.Code, out
}

func TestHTTP_SubscribeEnableStatus(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	f.fund(t, 10_000)

	code, body := do(t, mux, http.MethodPost, "/api/services/seal-mainnet/subscribe",
		`{"tier":"starter"}`, f.customer.ID)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	svc := body["service"].(map[string]any)
	assert.Equal(t, "disabled", svc["state"])
	inv := body["invoice"].(map[string]any)
	assert.Equal(t, "paid", inv["status"])

	code, body = do(t, mux, http.MethodPost, "/api/services/seal-mainnet/enable", "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)
	svc = body["service"].(map[string]any)
	assert.Equal(t, "enabled", svc["state"])

	code, body = do(t, mux, http.MethodGet, "/api/services/seal-mainnet", "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["synced"])
	assert.Contains(t, body, "service")
}

func TestHTTP_ProblemShapeOnMissingCustomer(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	req := httptest.NewRequest(http.MethodGet, "/api/services/seal-mainnet", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	var p web.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Contains(t, p.Type, "https://suiftly.co/errors/400")
}

func TestHTTP_UnknownServiceType(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	code, _ := do(t, mux, http.MethodGet, "/api/services/bogus", "", f.customer.ID)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	code, _ := do(t, mux, http.MethodDelete, "/api/services/seal-mainnet/subscribe", "", f.customer.ID)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHTTP_SubscribedServiceNotFoundMapsTo404(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	// Enabling a service that was never subscribed surfaces the bare store
	// sentinel; the problem writer still maps it to 404.
	code, _ := do(t, mux, http.MethodPost, "/api/services/seal-mainnet/enable", "", f.customer.ID)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_GatewayConfigRoundTrip(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	f.subscribeEnabled(t, "seal-mainnet")

	code, body := do(t, mux, http.MethodPut, "/api/services/seal-mainnet/config",
		`{"ipAllowlist":["198.51.100.0/24"]}`, f.customer.ID)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	svc := body["service"].(map[string]any)
	cfg := svc["gatewayConfig"].(map[string]any)
	assert.Contains(t, cfg, "ipAllowlist")

	code, _ = do(t, mux, http.MethodPut, "/api/services/seal-mainnet/config",
		`{"ipAllowlist":["not-an-ip"]}`, f.customer.ID)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_KeysLifecycle(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	f.subscribeEnabled(t, "seal-mainnet")

	code, body := do(t, mux, http.MethodPost, "/api/services/seal-mainnet/keys",
		`{"publicKey":"suipk-1"}`, f.customer.ID)
	require.Equal(t, http.StatusCreated, code, "body: %v", body)
	keyID := int64(body["id"].(float64))
	assert.Equal(t, true, body["enabled"])

	code, _ = do(t, mux, http.MethodPost, fmt.Sprintf("/api/keys/%d/disable", keyID), "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, mux, http.MethodGet, "/api/services/seal-mainnet/keys", "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)
	keys := body["keys"].([]any)
	require.Len(t, keys, 1)
	assert.Equal(t, false, keys[0].(map[string]any)["enabled"])

	code, _ = do(t, mux, http.MethodDelete, fmt.Sprintf("/api/keys/%d", keyID), "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, mux, http.MethodGet, "/api/services/seal-mainnet/keys", "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["keys"])
}

func TestHTTP_WalletDepositWithdraw(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	code, body := do(t, mux, http.MethodPost, "/api/wallet/deposit",
		`{"amountUsdCents":5000}`, f.customer.ID)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.NotEmpty(t, body["txDigest"])

	code, body = do(t, mux, http.MethodPost, "/api/wallet/withdraw",
		`{"amountUsdCents":1000}`, f.customer.ID)
	require.Equal(t, http.StatusOK, code, "body: %v", body)
	assert.NotEmpty(t, body["txDigest"])

	code, _ = do(t, mux, http.MethodPost, "/api/wallet/deposit",
		`{"amountUsdCents":-1}`, f.customer.ID)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, mux, http.MethodPut, "/api/wallet/spending-limit",
		`{"limitUsdCents":2500}`, f.customer.ID)
	assert.Equal(t, http.StatusOK, code)
}

func TestHTTP_ReconcileEndpoint(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	code, body := do(t, mux, http.MethodPost, "/api/payments/reconcile", "", f.customer.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "settled")
	assert.Contains(t, body, "stillPending")
}
