package lm

import "time"

// AppliedInfo reports the vault version an edge is serving.
type AppliedInfo struct {
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`
}

// ProcessingInfo reports an apply in progress, or the last failed apply
// (Error non-empty) until a later attempt succeeds.
type ProcessingInfo struct {
	Seq       int64     `json:"seq"`
	StartedAt time.Time `json:"startedAt"`
	Error     string    `json:"error,omitempty"`
}

// VaultHealth is one vault slot of the health document.
type VaultHealth struct {
	Type       string          `json:"type"`
	Entries    int64           `json:"entries"`
	Applied    *AppliedInfo    `json:"applied"`
	Processing *ProcessingInfo `json:"processing"`
}

// HealthResponse is the document served on /api/health and consumed by the
// GM poller.
type HealthResponse struct {
	Service   string        `json:"service"`
	Version   string        `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Vaults    []VaultHealth `json:"vaults"`
}
