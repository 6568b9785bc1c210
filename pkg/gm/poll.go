package gm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/lm"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
)

const pollTimeout = 5 * time.Second

// ManagerVault is the per-vault slice of a fleet status report.
type ManagerVault struct {
	Type          string `json:"type"`
	AppliedSeq    *int64 `json:"appliedSeq"`
	ProcessingSeq *int64 `json:"processingSeq"`
}

// ManagerStatus is one edge's row in the fleet status report.
type ManagerStatus struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Host      string         `json:"host"`
	Reachable bool           `json:"reachable"`
	Vaults    []ManagerVault `json:"vaults"`
	Error     string         `json:"error,omitempty"`
}

// Poller fetches /api/health from every fleet manager, persists per-vault
// status rows, and keeps the last round in memory for the status endpoint.
type Poller struct {
	st     *store.Store
	fleet  *Fleet
	clk    clock.Clock
	log    *slog.Logger
	client *http.Client

	mu   sync.RWMutex
	last []ManagerStatus
}

func NewPoller(st *store.Store, fleet *Fleet, clk clock.Clock, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		st:     st,
		fleet:  fleet,
		clk:    clk,
		log:    log.With("component", "gm.poller"),
		client: &http.Client{Timeout: pollTimeout},
	}
}

// Last returns the most recent poll round.
func (p *Poller) Last() []ManagerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ManagerStatus, len(p.last))
	copy(out, p.last)
	return out
}

// Poll queries every fleet manager in parallel. An unreachable edge is a
// recorded condition, not an error; only persistence failures abort.
func (p *Poller) Poll(ctx context.Context) error {
	managers := p.fleet.Managers
	if len(managers) == 0 {
		return nil
	}
	now := p.clk.Now()
	results := make([]ManagerStatus, len(managers))

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range managers {
		eg.Go(func() error {
			ms, err := p.pollOne(egCtx, managers[i], now)
			if err != nil {
				return err
			}
			results[i] = ms
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = results
	p.mu.Unlock()
	return nil
}

func (p *Poller) pollOne(ctx context.Context, m FleetManager, now time.Time) (ManagerStatus, error) {
	ms := ManagerStatus{ID: m.ID, Name: m.Name, Host: m.Host}

	health, err := p.fetchHealth(ctx, m.Host)
	if err != nil {
		ms.Error = err.Error()
		for _, vt := range m.Vaults {
			if dbErr := p.st.MarkLMUnreachable(ctx, p.st.DB(), m.ID, vt, now, err.Error()); dbErr != nil {
				return ms, dbErr
			}
			ms.Vaults = append(ms.Vaults, ManagerVault{Type: vt})
		}
		p.log.Warn("edge unreachable", "lm", m.ID, "host", m.Host, "err", err)
		return ms, nil
	}

	ms.Reachable = true
	p.checkVersionSkew(m.ID, health.Version)

	for _, vh := range health.Vaults {
		row := &store.LMStatus{
			LMID:       m.ID,
			VaultType:  vh.Type,
			Entries:    vh.Entries,
			LastSeenAt: now,
		}
		if vh.Applied != nil {
			seq, at := vh.Applied.Seq, vh.Applied.At
			row.AppliedSeq, row.AppliedAt = &seq, &at
		}
		mv := ManagerVault{Type: vh.Type, AppliedSeq: row.AppliedSeq}
		if vh.Processing != nil {
			if vh.Processing.Error != "" {
				errMsg := vh.Processing.Error
				row.LastError = &errMsg
			} else {
				seq := vh.Processing.Seq
				row.ProcessingSeq = &seq
				mv.ProcessingSeq = &seq
			}
		}
		if err := p.st.UpsertLMStatus(ctx, p.st.DB(), row); err != nil {
			return ms, err
		}
		ms.Vaults = append(ms.Vaults, mv)
	}
	return ms, nil
}

func (p *Poller) fetchHealth(ctx context.Context, host string) (*lm.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %s", resp.Status)
	}
	var health lm.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// checkVersionSkew warns when an edge agent runs a different major version
// or lags the coordinator's minor. Skew is advisory; the vault format
// carries its own version gate.
func (p *Poller) checkVersionSkew(lmID, agentVersion string) {
	if agentVersion == "" {
		return
	}
	own, err := semver.NewVersion(version.Version)
	if err != nil {
		return
	}
	agent, err := semver.NewVersion(agentVersion)
	if err != nil {
		p.log.Warn("edge reports unparsable version", "lm", lmID, "version", agentVersion)
		return
	}
	constraint, err := semver.NewConstraint(fmt.Sprintf("^%d.%d", own.Major(), own.Minor()))
	if err != nil {
		return
	}
	if !constraint.Check(agent) {
		p.log.Warn("edge agent version skew",
			"lm", lmID, "agent", agentVersion, "coordinator", version.Version)
	}
}
