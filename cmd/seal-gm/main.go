// Command seal-gm runs the Seal global manager: the customer API, the
// billing engine, the vault build pipeline and the fleet poller, all in
// one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mario4tier/suiftly-co-sub006/pkg/api"
	"github.com/mario4tier/suiftly-co-sub006/pkg/billing"
	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fieldcipher"
	"github.com/mario4tier/suiftly-co-sub006/pkg/gm"
	"github.com/mario4tier/suiftly-co-sub006/pkg/observability"
	"github.com/mario4tier/suiftly-co-sub006/pkg/payment"
	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"

	_ "github.com/lib/pq" // Postgres driver; SQLite ships with pkg/store
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("seal-gm exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return log
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("seal-gm starting", "version", version.Version, "env", cfg.Environment)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "seal-gm",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     !cfg.IsProduction(),
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutCtx); err != nil {
			log.Warn("observability shutdown", "error", err)
		}
	}()

	// The mock clock only moves when the dev test endpoint advances it, so
	// billing boundaries can be driven deterministically in development.
	var (
		clk     clock.Clock
		mockClk *clock.Mock
	)
	if cfg.MockProviders {
		mockClk = clock.NewMock(time.Now().UTC())
		clk = mockClk
	} else {
		clk = clock.NewSystem()
	}

	driver, dsn := cfg.DatabaseDriver()
	st, err := store.Open(driver, dsn, clk)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}
	log.Info("store ready", "driver", driver)

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	master, err := fieldcipher.New(key)
	if err != nil {
		return err
	}
	codec := vault.NewCodec(master)
	dir, err := vault.NewDir(codec, cfg.VaultTransmitDir, log)
	if err != nil {
		return err
	}

	var archive vault.Archive
	if cfg.VaultArchiveURL != "" {
		archive, err = vault.NewArchive(ctx, cfg.VaultArchiveURL)
		if err != nil {
			return err
		}
		log.Info("vault archive ready", "url", cfg.VaultArchiveURL)
	}

	fleet, err := gm.LoadFleet(cfg.FleetConfigPath)
	if err != nil {
		return err
	}
	log.Info("fleet loaded", "managers", len(fleet.Managers))

	providers, escrow, hooks, err := buildProviders(cfg, st, mockClk, clk, log)
	if err != nil {
		return err
	}
	engine := billing.New(st, providers, clk, log)

	g := gm.New(st, engine, dir, archive, fleet, clk, gm.Options{
		PollInterval:    cfg.GMPollInterval,
		SyncInterval:    cfg.GMSyncInterval,
		BillingInterval: cfg.GMBillingInterval,
		Telemetry:       obs,
	}, log)

	mux := http.NewServeMux()
	gm.NewServer(g, cfg.IsProduction(), hooks, log).Register(mux)
	api.NewHTTPHandler(api.NewService(st, engine, escrow, g, clk, log), log).Register(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      buildMiddleware(cfg, obs, log)(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.Start(gctx) })
	grp.Go(func() error {
		log.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = grp.Wait()
	log.Info("seal-gm stopped")
	return err
}

// buildProviders assembles the payment rail chain: escrow first, then
// Stripe, then PayPal. Without mock providers the escrow rail is absent
// until a chain adapter ships, leaving card collection only.
func buildProviders(cfg *config.Config, st *store.Store, mockClk *clock.Mock, clk clock.Clock,
	log *slog.Logger) ([]payment.Provider, *payment.EscrowProvider, *gm.DevHooks, error) {

	if cfg.MockProviders {
		mockCfg, err := payment.NewMockConfig(cfg.Environment)
		if err != nil {
			return nil, nil, nil, err
		}
		escrow := payment.NewEscrowProvider(st, payment.NewMockLedger(mockCfg), clk, log)
		stripe := payment.NewStripeProvider(payment.NewMockInvoiceBackend(mockCfg), payment.NewMockDirectory(), true, log)
		paypal, err := payment.NewPayPalProvider(mockCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("payment rails ready", "mode", "mock")
		return []payment.Provider{escrow, stripe, paypal},
			escrow,
			&gm.DevHooks{Clock: mockClk, Providers: mockCfg, Escrow: escrow},
			nil
	}

	var providers []payment.Provider
	if cfg.StripeSecretKey != "" {
		dir, err := payment.LoadDirectory(cfg.StripeDirectoryPath)
		if err != nil {
			return nil, nil, nil, err
		}
		stripe := payment.NewStripeProvider(payment.NewStripeBackend(cfg.StripeSecretKey), dir,
			payment.IsSandboxKey(cfg.StripeSecretKey), log)
		providers = append(providers, stripe)
		log.Info("payment rails ready", "mode", "stripe", "sandbox", payment.IsSandboxKey(cfg.StripeSecretKey))
	} else {
		log.Warn("no payment rails configured; invoices will park until one is")
	}
	return providers, nil, nil, nil
}

// buildMiddleware chains auth, rate limiting and idempotency replay around
// the mux. The health endpoint stays public for probes.
func buildMiddleware(cfg *config.Config, obs *observability.Provider, log *slog.Logger) func(http.Handler) http.Handler {
	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter = api.NewRedisRateLimiter(rdb, 100, time.Minute, log)
		log.Info("rate limiter ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		limiter = api.NewIPRateLimiter(10, 30)
	}

	auth := api.AuthMiddleware(cfg.InternalTokenSecret)
	rate := api.RateLimitMiddleware(limiter)
	idem := api.IdempotencyMiddleware(api.NewIdempotencyStore(24 * time.Hour))

	return func(next http.Handler) http.Handler {
		return obs.Middleware(auth(rate(idem(next))))
	}
}
