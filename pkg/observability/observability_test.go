package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceName: "seal-gm"}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Enabled())

	// All helpers must be callable without a pipeline behind them.
	ctx, done := p.Track(context.Background(), "vault.generate", VaultAttrs("sma", 1)...)
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	p, err := New(context.Background(), Config{}, discardLogger())
	require.NoError(t, err)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := p.Middleware(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, "seal", cfg.ServiceName)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.NotZero(t, cfg.BatchTimeout)
}

func TestAttributeHelpers(t *testing.T) {
	attrs := TaskAttrs("sync-all", "t-1", 0)
	assert.Len(t, attrs, 2, "customer id is omitted for fleet-wide tasks")

	attrs = TaskAttrs("reconcile-payments", "t-2", 42)
	assert.Len(t, attrs, 3)

	attrs = PaymentAttrs("escrow", 42, 7)
	assert.Len(t, attrs, 3)
}
