// Package gm implements the Global Manager: the single-threaded coordinator
// that generates vaults, polls the edge fleet, and runs the billing sweeps.
// All coordinator work flows through one task queue so no two tasks ever
// overlap.
package gm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/observability"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
)

// Options tunes the GM's periodic work. Zero values select defaults.
type Options struct {
	PollInterval    time.Duration // LM health polling
	SyncInterval    time.Duration // periodic sync-all safety net
	BillingInterval time.Duration // periodic billing sweep
	QueueSize       int

	// Telemetry traces every queue task when set; nil leaves tasks untraced.
	Telemetry *observability.Provider
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = 10 * time.Second
	}
	if out.SyncInterval <= 0 {
		out.SyncInterval = time.Minute
	}
	if out.BillingInterval <= 0 {
		out.BillingInterval = time.Hour
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	return out
}

// GM is the coordinator. One instance per control plane.
type GM struct {
	st      *store.Store
	engine  *billing.Engine
	dir     *vault.Dir
	archive vault.Archive // nil disables archiving
	fleet   *Fleet
	clk     clock.Clock
	log     *slog.Logger
	opts    Options
	source  string

	queue  *Queue
	poller *Poller

	archiveWG sync.WaitGroup
}

// New wires a GM. dir is the vault transmit directory; archive may be nil.
func New(st *store.Store, engine *billing.Engine, dir *vault.Dir, archive vault.Archive,
	fleet *Fleet, clk clock.Clock, opts Options, log *slog.Logger) *GM {
	if log == nil {
		log = slog.Default()
	}
	if fleet == nil {
		fleet = &Fleet{}
	}
	host, _ := os.Hostname()
	g := &GM{
		st:      st,
		engine:  engine,
		dir:     dir,
		archive: archive,
		fleet:   fleet,
		clk:     clk,
		log:     log.With("component", "gm"),
		opts:    opts.withDefaults(),
		source:  fmt.Sprintf("gm@%s", host),
	}
	exec := g.executeTask
	if obs := g.opts.Telemetry; obs != nil {
		exec = func(ctx context.Context, t *Task) error {
			ctx, done := obs.Track(ctx, "gm.task."+string(t.Kind),
				observability.TaskAttrs(string(t.Kind), t.ID, t.CustomerID)...)
			err := g.executeTask(ctx, t)
			done(err)
			return err
		}
	}
	g.queue = NewQueue(g.opts.QueueSize, exec, log)
	g.poller = NewPoller(st, fleet, clk, log)
	return g
}

// Queue exposes the task queue for HTTP submission and tests.
func (g *GM) Queue() *Queue { return g.queue }

// Poller exposes the fleet poller's last-round snapshot.
func (g *GM) Poller() *Poller { return g.poller }

// TriggerSyncAll submits a fire-and-forget sync-all. A full queue is
// non-fatal: the periodic sync covers the change.
func (g *GM) TriggerSyncAll() {
	if _, err := g.queue.Submit(TaskSyncAll, 0); err != nil {
		g.log.Warn("sync-all submission dropped", "err", err)
	}
}

// TriggerReconcile submits a fire-and-forget payment reconciliation for one
// customer.
func (g *GM) TriggerReconcile(customerID int64) {
	if _, err := g.queue.Submit(TaskReconcilePayments, customerID); err != nil {
		g.log.Warn("reconcile submission dropped", "customer", customerID, "err", err)
	}
}

func (g *GM) executeTask(ctx context.Context, t *Task) error {
	switch t.Kind {
	case TaskSyncAll:
		return g.syncAll(ctx)
	case TaskReconcilePayments:
		_, err := g.engine.ReconcilePayments(ctx, t.CustomerID)
		return err
	case TaskRefreshLMStatus:
		return g.poller.Poll(ctx)
	case TaskBillingPeriod:
		_, err := g.engine.RunPeriodicBilling(ctx)
		return err
	default:
		return fault.New(fault.KindInput, "gm: unknown task kind %q", t.Kind)
	}
}

// Start reconciles persisted state against the transmit directory, then
// runs the worker and the periodic tickers until ctx is cancelled.
func (g *GM) Start(ctx context.Context) error {
	if err := g.ReconcileStartup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.queue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		g.runTickers(ctx)
	}()
	wg.Wait()
	g.archiveWG.Wait()
	return nil
}

func (g *GM) runTickers(ctx context.Context) {
	poll := time.NewTicker(g.opts.PollInterval)
	sync := time.NewTicker(g.opts.SyncInterval)
	billing := time.NewTicker(g.opts.BillingInterval)
	defer poll.Stop()
	defer sync.Stop()
	defer billing.Stop()

	// Prime the fleet view and catch anything left pending across restarts.
	g.submitTick(TaskRefreshLMStatus)
	g.submitTick(TaskSyncAll)

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			g.submitTick(TaskRefreshLMStatus)
		case <-sync.C:
			g.submitTick(TaskSyncAll)
		case <-billing.C:
			g.submitTick(TaskBillingPeriod)
		}
	}
}

// submitTick enqueues periodic work. Deduplication and full-buffer drops
// are both fine here; the next tick tries again.
func (g *GM) submitTick(kind TaskKind) {
	if _, err := g.queue.Submit(kind, 0); err != nil {
		g.log.Warn("periodic task dropped", "kind", kind, "err", err)
	}
}
