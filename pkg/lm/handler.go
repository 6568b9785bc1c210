// Package lm implements the Local Manager: the per-edge agent that watches
// its receive directory for new vault files, applies them through ordered
// hooks, and reports per-vault applied/processing state for the GM poller.
package lm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
)

// ApplyHook pushes a newly loaded vault into a downstream consumer (the
// gateway reload, a key cache). Hooks run in registration order; the first
// failure aborts promotion.
type ApplyHook func(ctx context.Context, v *vault.Vault, d *vault.Diff) error

// Handler tracks one vault type: the active vault in memory, promotion on
// newer files, and the last failure until a later apply succeeds.
type Handler struct {
	vaultType string
	dir       *vault.Dir
	clk       clock.Clock
	log       *slog.Logger
	hooks     []ApplyHook

	mu         sync.RWMutex
	active     *vault.Vault
	appliedAt  time.Time
	previous   *vault.Vault
	processing *ProcessingInfo
}

func NewHandler(vaultType string, dir *vault.Dir, clk clock.Clock, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		vaultType: vaultType,
		dir:       dir,
		clk:       clk,
		log:       log.With("component", "lm.handler", "vault", vaultType),
	}
}

// OnApply registers a hook. Registration happens at wiring time, before the
// poll loop starts.
func (h *Handler) OnApply(hook ApplyHook) {
	h.hooks = append(h.hooks, hook)
}

// Active returns the vault currently being served, nil before first apply.
func (h *Handler) Active() *vault.Vault {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// Previous returns the vault that was active before the last promotion.
func (h *Handler) Previous() *vault.Vault {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.previous
}

// CheckForUpdate loads the newest valid file and promotes it when its seq
// exceeds the active one. A file with seq <= active is ignored, never an
// error. Returns true when a promotion happened.
func (h *Handler) CheckForUpdate(ctx context.Context) (bool, error) {
	latest, err := h.dir.LatestValid(h.vaultType)
	if errors.Is(err, vault.ErrNoVault) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	current := h.active
	if current != nil && latest.Seq <= current.Seq {
		h.mu.Unlock()
		return false, nil
	}
	started := h.clk.Now()
	h.processing = &ProcessingInfo{Seq: latest.Seq, StartedAt: started}
	h.mu.Unlock()

	diff := vault.ComputeDiff(current, latest)

	// Hooks run unlocked; the poll loop is the only writer.
	for _, hook := range h.hooks {
		if hookErr := hook(ctx, latest, diff); hookErr != nil {
			h.mu.Lock()
			h.processing = &ProcessingInfo{Seq: latest.Seq, StartedAt: started, Error: hookErr.Error()}
			h.mu.Unlock()
			h.log.Error("vault apply failed", "seq", latest.Seq, "err", hookErr)
			return false, hookErr
		}
	}

	h.mu.Lock()
	h.previous = current
	h.active = latest
	h.appliedAt = h.clk.Now()
	h.processing = nil
	h.mu.Unlock()

	h.log.Info("vault applied", "seq", latest.Seq, "entries", len(latest.Entries),
		"added", len(diff.Added), "removed", len(diff.Removed), "modified", len(diff.Modified))
	return true, nil
}

// Health snapshots the handler for the health document.
func (h *Handler) Health() VaultHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	vh := VaultHealth{Type: h.vaultType}
	if h.active != nil {
		vh.Entries = int64(len(h.active.Entries))
		vh.Applied = &AppliedInfo{Seq: h.active.Seq, At: h.appliedAt}
	}
	if h.processing != nil {
		info := *h.processing
		vh.Processing = &info
	}
	return vh
}
