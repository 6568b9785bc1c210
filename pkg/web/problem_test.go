package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestWriteFaultMapsKindsToStatuses(t *testing.T) {
	cases := []struct {
		kind   fault.Kind
		status int
		title  string
	}{
		{fault.KindInput, http.StatusBadRequest, "Bad Request"},
		{fault.KindNotFound, http.StatusNotFound, "Not Found"},
		{fault.KindInsufficientFunds, http.StatusPaymentRequired, "Payment Required"},
		{fault.KindPaymentDeclined, http.StatusPaymentRequired, "Payment Required"},
		{fault.KindRequiresAction, http.StatusPaymentRequired, "Payment Required"},
		{fault.KindConsistency, http.StatusConflict, "Conflict"},
		{fault.KindTransientProvider, http.StatusServiceUnavailable, "Service Unavailable"},
		{fault.KindUnavailable, http.StatusServiceUnavailable, "Service Unavailable"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			rr := httptest.NewRecorder()
			WriteFault(rr, fault.New(tc.kind, "boom"))

			p := decodeProblem(t, rr)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, tc.title, p.Title)
			assert.Contains(t, p.Detail, "boom")
		})
	}
}

func TestWriteFaultRedactsInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteFault(rr, errors.New("pq: connection refused host=10.0.0.3"))

	p := decodeProblem(t, rr)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "An unexpected error occurred.", p.Detail)
	assert.NotContains(t, rr.Body.String(), "10.0.0.3")
}

func TestWriteFaultAsOverridesClassification(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteFaultAs(rr, fault.KindNotFound, errors.New("no row"))

	p := decodeProblem(t, rr)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "no row", p.Detail)
}

func TestWriteTooManyRequestsSetsRetryAfter(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteTooManyRequests(rr, 5)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
}

func TestWriteJSONSetsContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"id": 7})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":7}`, rr.Body.String())
}
