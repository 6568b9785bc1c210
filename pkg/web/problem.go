// Package web carries the HTTP plumbing shared by every server in the
// repo: RFC 7807 problem+json writers and the fault-kind to HTTP status
// mapping. It must stay free of store and control-plane imports; the LM
// serves its routes through it.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
)

// ProblemDetail is the RFC 7807 error document. Every error response uses
// this shape.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 problem+json response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://suiftly.co/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteFault maps a fault kind onto an HTTP status and writes the problem
// document. Internal and crypto failures are logged but never leak detail
// to the client.
func WriteFault(w http.ResponseWriter, err error) {
	WriteFaultAs(w, fault.KindOf(err), err)
}

// WriteFaultAs writes err under an explicit kind. Callers use it when a
// bare sentinel deserves a better classification than KindInternal.
func WriteFaultAs(w http.ResponseWriter, kind fault.Kind, err error) {
	status, title := statusForKind(kind)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "kind", kind, "error", err)
		detail = "An unexpected error occurred."
	}
	WriteError(w, status, title, detail)
}

func statusForKind(kind fault.Kind) (int, string) {
	switch kind {
	case fault.KindInput:
		return http.StatusBadRequest, "Bad Request"
	case fault.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case fault.KindInsufficientFunds, fault.KindPaymentDeclined, fault.KindRequiresAction:
		return http.StatusPaymentRequired, "Payment Required"
	case fault.KindConsistency:
		return http.StatusConflict, "Conflict"
	case fault.KindTransientProvider, fault.KindUnavailable:
		return http.StatusServiceUnavailable, "Service Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteBadRequest writes a 400 problem response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 problem response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 problem response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 problem response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 problem response with a Retry-After
// hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
