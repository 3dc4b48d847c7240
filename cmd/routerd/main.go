// Command routerd runs the metered payment router: the HTTP surface, the
// transfer engine, and the background reconciler, wired from environment
// configuration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/attest"
	"github.com/meterpay/meterpay/config"
	"github.com/meterpay/meterpay/evm"
	"github.com/meterpay/meterpay/httpapi"
	"github.com/meterpay/meterpay/metrics"
	"github.com/meterpay/meterpay/router"
	"github.com/meterpay/meterpay/store"
	"github.com/meterpay/meterpay/transfer"
)

// marketStore is everything the daemon needs from a backend: the router's
// persistence contract plus the agent and user directories.
type marketStore interface {
	meterpay.Store
	meterpay.AgentDirectory
	meterpay.UserDirectory
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("routerd exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	registry := cfg.Registry()
	log.Info("starting router",
		zap.String("admin", cfg.Admin.Address().Hex()),
		zap.String("listen", cfg.ListenAddr),
		zap.String("store", cfg.StoreBackend),
		zap.Uint64s("chains", registry.IDs()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if cfg.SeedPath != "" {
		if err := seed(ctx, st, cfg.SeedPath, log); err != nil {
			return err
		}
	}

	pool := evm.NewPool(registry, cfg.Admin, log, evm.WithReceiptTimeout(cfg.ReceiptTimeout))
	defer pool.Close()

	collector := metrics.NewCollector()
	attester := attest.NewClient(&attest.Config{
		BaseURL: cfg.AttestationURL,
		Budget:  cfg.AttestationBudget,
		OnPoll:  collector.AttestationPoll,
		Logger:  log.Named("attest"),
	})
	engine := transfer.NewEngine(st, transfer.PoolSource{Pool: pool}, registry, attester,
		transfer.WithLogger(log.Named("transfer")),
		transfer.WithSettleHook(collector.CrossChainSettled))

	reconciler := transfer.NewReconciler(st, engine, 0, 0, log.Named("reconciler"))
	go reconciler.Run(ctx)

	publisher := router.NewHTTPPublisher(&router.PublisherConfig{Timeout: cfg.PublisherTimeout})
	rtr := router.NewRouter(st, st, st, router.PoolSource{Pool: pool}, engine, publisher,
		router.WithLogger(log.Named("router")),
		router.WithObserver(collector))

	permits := httpapi.NewPermitService(st, registry, router.PoolSource{Pool: pool}, log.Named("permits"))
	api := httpapi.NewServer(httpapi.Config{
		Router:    rtr,
		Permits:   permits,
		Logger:    log.Named("http"),
		Metrics:   collector.Handler(),
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// In-flight settlements run on detached contexts and finish on their
	// own; only the HTTP surface is drained here.
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (marketStore, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreFile:
		return store.OpenFile(cfg.StorePath)
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedis(rdb), nil
	}
	return nil, meterpay.NewError(meterpay.KindConfiguration, "unknown store backend %q", cfg.StoreBackend)
}

// seedFile is the development fixture layout: the marketplace entities the
// router reads but does not own.
type seedFile struct {
	Agents        []*meterpay.Agent        `json:"agents"`
	Users         []*meterpay.User         `json:"users"`
	Subscriptions []*meterpay.Subscription `json:"subscriptions"`
}

func seed(ctx context.Context, st marketStore, path string, log *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("seed file: %w", err)
	}
	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("seed file %s: %w", path, err)
	}

	switch s := st.(type) {
	case *store.Redis:
		for _, a := range sf.Agents {
			if err := s.PutAgent(ctx, a); err != nil {
				return err
			}
		}
		for _, u := range sf.Users {
			if err := s.PutUser(ctx, u); err != nil {
				return err
			}
		}
		for _, sub := range sf.Subscriptions {
			if err := s.PutSubscription(ctx, sub); err != nil {
				return err
			}
		}
	case *store.File:
		for _, a := range sf.Agents {
			s.PutAgent(a)
		}
		for _, u := range sf.Users {
			s.PutUser(u)
		}
		for _, sub := range sf.Subscriptions {
			s.PutSubscription(sub)
		}
	case *store.Memory:
		seedMemory(s, &sf)
	}
	log.Info("seeded directories",
		zap.String("path", path),
		zap.Int("agents", len(sf.Agents)),
		zap.Int("users", len(sf.Users)),
		zap.Int("subscriptions", len(sf.Subscriptions)))
	return nil
}

func seedMemory(m *store.Memory, sf *seedFile) {
	for _, a := range sf.Agents {
		m.PutAgent(a)
	}
	for _, u := range sf.Users {
		m.PutUser(u)
	}
	for _, sub := range sf.Subscriptions {
		m.PutSubscription(sub)
	}
}
