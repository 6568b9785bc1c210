package gm

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mario4tier/suiftly-co-sub006/pkg/api"
	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
	"github.com/mario4tier/suiftly-co-sub006/pkg/web"
)

// DevHooks are the handles the test endpoints mutate. Only wired outside
// production; a nil DevHooks leaves the endpoints unmounted even in
// development.
type DevHooks struct {
	Clock     *clock.Mock
	Providers *payment.MockConfig
	Escrow    *payment.EscrowProvider
}

// Server exposes the GM's queue and fleet views over HTTP.
type Server struct {
	gm         *GM
	production bool
	dev        *DevHooks
	log        *slog.Logger
}

func NewServer(g *GM, production bool, dev *DevHooks, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{gm: g, production: production, dev: dev, log: log.With("component", "gm.http")}
}

// Handler builds a standalone route table. Auth and rate limiting wrap it
// in the binary, not here, so tests exercise routes directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register mounts the coordinator routes on a shared mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/queue/sync-all", s.handleSyncAll)
	mux.HandleFunc("/api/lm/status", s.handleLMStatus)
	mux.HandleFunc("/api/health", s.handleHealth)

	if !s.production && s.dev != nil {
		mux.HandleFunc("/api/test/clock", s.handleTestClock)
		mux.HandleFunc("/api/test/wallet", s.handleTestWallet)
		mux.HandleFunc("/api/test/provider", s.handleTestProvider)
		mux.HandleFunc("/api/test/queue", s.handleTestQueue)
	}
}

// queueResponse is the submission acknowledgment.
type queueResponse struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued,omitempty"`
	Completed bool   `json:"completed,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		res, err := s.gm.Queue().Submit(TaskSyncAll, 0)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		resp := queueResponse{Success: true, Queued: true, TaskID: res.Task.ID}
		if res.Outcome == OutcomeDeduplicated {
			resp.Reason = string(OutcomeDeduplicated)
		}
		web.WriteJSON(w, http.StatusAccepted, resp)
		return
	}

	res, err := s.gm.Queue().SubmitAndWait(r.Context(), TaskSyncAll, 0)
	if err != nil {
		api.WriteFault(w, err)
		return
	}
	resp := queueResponse{Success: true, Completed: true, TaskID: res.Task.ID}
	if taskErr := res.Task.Err(); taskErr != nil {
		resp.Success = false
		resp.Reason = taskErr.Error()
	}
	web.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLMStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.WriteMethodNotAllowed(w)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"managers": s.gm.Poller().Last(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		web.WriteMethodNotAllowed(w)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"service":   "seal-gm",
		"version":   version.Version,
		"timestamp": s.gm.clk.Now().Format(time.RFC3339Nano),
	})
}

// --- test endpoints (never mounted in production) ---

type testClockRequest struct {
	Set         *time.Time `json:"set,omitempty"`
	AdvanceDays int        `json:"advanceDays,omitempty"`
	Advance     string     `json:"advance,omitempty"` // Go duration string
}

func (s *Server) handleTestClock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}
	if s.dev.Clock == nil {
		web.WriteBadRequest(w, "process clock is not mockable")
		return
	}
	var req testClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "Invalid request body")
		return
	}

	switch {
	case req.Set != nil:
		s.dev.Clock.Set(*req.Set)
	case req.AdvanceDays != 0:
		s.dev.Clock.AdvanceDays(req.AdvanceDays)
	case req.Advance != "":
		d, err := time.ParseDuration(req.Advance)
		if err != nil || d < 0 {
			web.WriteBadRequest(w, "invalid advance duration")
			return
		}
		s.dev.Clock.Advance(d)
	default:
		web.WriteBadRequest(w, "one of set, advanceDays, advance is required")
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{
		"now": s.dev.Clock.Now().Format(time.RFC3339Nano),
	})
}

type testWalletRequest struct {
	CustomerID     int64  `json:"customerId"`
	Action         string `json:"action"` // deposit | withdraw
	AmountUsdCents int64  `json:"amountUsdCents"`
}

func (s *Server) handleTestWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}
	if s.dev.Escrow == nil {
		web.WriteBadRequest(w, "escrow provider is not wired for tests")
		return
	}
	var req testWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "Invalid request body")
		return
	}

	var (
		digest string
		err    error
	)
	switch req.Action {
	case "deposit":
		digest, err = s.dev.Escrow.Deposit(r.Context(), s.gm.st.DB(), req.CustomerID, req.AmountUsdCents)
		if err == nil {
			// New funds may unpark an invoice.
			s.gm.TriggerReconcile(req.CustomerID)
		}
	case "withdraw":
		digest, err = s.dev.Escrow.Withdraw(r.Context(), s.gm.st.DB(), req.CustomerID, req.AmountUsdCents)
	default:
		web.WriteBadRequest(w, "action must be deposit or withdraw")
		return
	}
	if err != nil {
		api.WriteFault(w, err)
		return
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "txDigest": digest})
}

type testProviderRequest struct {
	ForceFail           *bool  `json:"forceFail,omitempty"`
	ForceRequiresAction *bool  `json:"forceRequiresAction,omitempty"`
	Scenario            string `json:"scenario,omitempty"`
	LatencyMs           int64  `json:"latencyMs,omitempty"`
	Reset               bool   `json:"reset,omitempty"`
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}
	if s.dev.Providers == nil {
		web.WriteBadRequest(w, "mock providers are not wired")
		return
	}
	var req testProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "Invalid request body")
		return
	}

	if req.Reset {
		s.dev.Providers.Reset()
	}
	if req.ForceFail != nil {
		s.dev.Providers.SetForceFail(*req.ForceFail)
	}
	if req.ForceRequiresAction != nil {
		s.dev.Providers.SetForceRequiresAction(*req.ForceRequiresAction)
	}
	if req.Scenario != "" {
		s.dev.Providers.SetScenario(payment.Scenario(req.Scenario))
	}
	if req.LatencyMs > 0 {
		s.dev.Providers.SetLatency(time.Duration(req.LatencyMs) * time.Millisecond)
	}
	web.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

type testQueueRequest struct {
	Kind       string `json:"kind"`
	CustomerID int64  `json:"customerId,omitempty"`
}

// handleTestQueue injects an arbitrary task and waits for it, so the test
// harness can drive billing periods and reconciliation deterministically.
func (s *Server) handleTestQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		web.WriteMethodNotAllowed(w)
		return
	}
	var req testQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		web.WriteBadRequest(w, "Invalid request body")
		return
	}

	res, err := s.gm.Queue().SubmitAndWait(r.Context(), TaskKind(req.Kind), req.CustomerID)
	if err != nil {
		api.WriteFault(w, err)
		return
	}
	resp := queueResponse{Success: true, Completed: true, TaskID: res.Task.ID}
	if taskErr := res.Task.Err(); taskErr != nil {
		resp.Success = false
		resp.Reason = taskErr.Error()
	}
	web.WriteJSON(w, http.StatusOK, resp)
}
