// Command seal-lm runs a Seal local manager: it watches the vault receive
// directory, promotes newer vaults and reports health back to the GM.
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

	"golang.org/x/sync/errgroup"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
	"github.com/mario4tier/suiftly-co-sub006/pkg/config"
	"github.com/mario4tier/suiftly-co-sub006/pkg/fieldcipher"
	"github.com/mario4tier/suiftly-co-sub006/pkg/lm"
	"github.com/mario4tier/suiftly-co-sub006/pkg/observability"
	"github.com/mario4tier/suiftly-co-sub006/pkg/vault"
	"github.com/mario4tier/suiftly-co-sub006/pkg/version"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	if err := cfg.ValidateLM(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("seal-lm exited", "error", err)
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

	log.Info("seal-lm starting", "version", version.Version, "id", cfg.LMID, "vaults", cfg.VaultTypes)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "seal-lm",
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

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	master, err := fieldcipher.New(key)
	if err != nil {
		return err
	}
	dir, err := vault.NewDir(vault.NewCodec(master), cfg.VaultReceiveDir, log)
	if err != nil {
		return err
	}

	agent, err := lm.NewAgent(cfg.LMID, cfg.LMName, dir, cfg.VaultTypes, cfg.LMPollInterval, clock.NewSystem(), log)
	if err != nil {
		return err
	}

	// The gateway reload integration registers real hooks; until it does,
	// applied deltas are only logged.
	for _, vt := range cfg.VaultTypes {
		if err := agent.OnApply(vt, func(_ context.Context, v *vault.Vault, d *vault.Diff) error {
			log.Info("vault delta applied", "type", vt, "seq", v.Seq,
				"added", len(d.Added), "removed", len(d.Removed), "modified", len(d.Modified))
			return nil
		}); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      obs.Middleware(agent.Routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		agent.Run(gctx)
		return nil
	})
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
	log.Info("seal-lm stopped")
	return err
}
