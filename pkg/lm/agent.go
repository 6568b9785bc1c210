package lm

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// Agent is one edge's Local Manager: a handler per installed vault type, a
// poll loop over the receive directory, and the health endpoint the GM
// consumes.
type Agent struct {
	id       string
	name     string
	handlers []*Handler
	byType   map[string]*Handler
	interval time.Duration
	clk      clock.Clock
	log      *slog.Logger
}

// NewAgent builds an agent serving the given vault types out of one
// receive directory.
func NewAgent(id, name string, dir *vault.Dir, vaultTypes []string, interval time.Duration,
	clk clock.Clock, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(vaultTypes) == 0 {
		return nil, fault.New(fault.KindInput, "lm: agent %s has no vault types", id)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if name == "" {
		name = id
	}

	a := &Agent{
		id:       id,
		name:     name,
		interval: interval,
		clk:      clk,
		log:      log.With("component", "lm", "lm", id),
		byType:   make(map[string]*Handler, len(vaultTypes)),
	}
	for _, vt := range vaultTypes {
		if _, dup := a.byType[vt]; dup {
			return nil, fault.New(fault.KindInput, "lm: duplicate vault type %q", vt)
		}
		h := NewHandler(vt, dir, clk, log)
		a.handlers = append(a.handlers, h)
		a.byType[vt] = h
	}
	return a, nil
}

// VaultHandler returns the handler for a vault type, nil when the type is
// not installed on this edge.
func (a *Agent) VaultHandler(vaultType string) *Handler {
	return a.byType[vaultType]
}

// OnApply registers a hook on one vault type's handler.
func (a *Agent) OnApply(vaultType string, hook ApplyHook) error {
	h := a.byType[vaultType]
	if h == nil {
		return fault.New(fault.KindInput, "lm: vault type %q is not installed", vaultType)
	}
	h.OnApply(hook)
	return nil
}

// CheckAll runs one update round over every handler. A failing handler does
// not block the others; the last error is returned.
func (a *Agent) CheckAll(ctx context.Context) error {
	var lastErr error
	for _, h := range a.handlers {
		if _, err := h.CheckForUpdate(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Run polls the receive directory until ctx is cancelled. Apply failures
// are reported through health, not fatal to the loop.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// First round immediately so a restart picks up the current vault
	// before the first tick.
	_ = a.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.CheckAll(ctx)
		}
	}
}

// Health builds the health document.
func (a *Agent) Health() HealthResponse {
	resp := HealthResponse{
		Service:   "seal-lm",
		Version:   version.Version,
		Timestamp: a.clk.Now(),
		Vaults:    make([]VaultHealth, 0, len(a.handlers)),
	}
	for _, h := range a.handlers {
		resp.Vaults = append(resp.Vaults, h.Health())
	}
	return resp
}

// Routes builds the agent's HTTP surface.
func (a *Agent) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			web.WriteMethodNotAllowed(w)
			return
		}
		web.WriteJSON(w, http.StatusOK, a.Health())
	})
	return mux
}
