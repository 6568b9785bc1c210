package observability

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Seal semantic convention attributes.
var (
	AttrCustomerID  = attribute.Key("seal.customer.id")
	AttrServiceType = attribute.Key("seal.service.type")
	AttrVaultType   = attribute.Key("seal.vault.type")
	AttrVaultSeq    = attribute.Key("seal.vault.seq")
	AttrTaskKind    = attribute.Key("seal.task.kind")
	AttrTaskID      = attribute.Key("seal.task.id")
	AttrInvoiceID   = attribute.Key("seal.invoice.id")
	AttrPayProvider = attribute.Key("seal.payment.provider")
	AttrLMID        = attribute.Key("seal.lm.id")
)

// TaskAttrs builds the attribute set for one queue task.
func TaskAttrs(kind, taskID string, customerID int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTaskKind.String(kind),
		AttrTaskID.String(taskID),
	}
	if customerID != 0 {
		attrs = append(attrs, AttrCustomerID.Int64(customerID))
	}
	return attrs
}

// VaultAttrs builds the attribute set for one vault generation or apply.
func VaultAttrs(vaultType string, seq int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrVaultType.String(vaultType),
		AttrVaultSeq.Int64(seq),
	}
}

// PaymentAttrs builds the attribute set for one charge attempt.
func PaymentAttrs(provider string, customerID, invoiceID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPayProvider.String(provider),
		AttrCustomerID.Int64(customerID),
		AttrInvoiceID.Int64(invoiceID),
	}
}

// statusRecorder captures the response code for the request metric.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records RED metrics and a server span per request. On a
// disabled provider it passes requests through untouched.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	if !p.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.Tracer().Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("http.response.status_code", strconv.Itoa(rec.status)),
		}
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if rec.status >= http.StatusInternalServerError {
			p.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	})
}
