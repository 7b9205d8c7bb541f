package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iwantamacmini2/macgas/internal/alert"
	"github.com/iwantamacmini2/macgas/internal/chain/ratelimit"
	"github.com/iwantamacmini2/macgas/internal/chain/solana"
	"github.com/iwantamacmini2/macgas/internal/config"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/gateway"
	"github.com/iwantamacmini2/macgas/internal/payment"
	"github.com/iwantamacmini2/macgas/internal/reconciler"
	"github.com/iwantamacmini2/macgas/internal/signer"
	"github.com/iwantamacmini2/macgas/internal/store"
	"github.com/iwantamacmini2/macgas/internal/store/memory"
	"github.com/iwantamacmini2/macgas/internal/store/postgres"
	"github.com/iwantamacmini2/macgas/internal/tracing"
)

const settlementTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	assets := assetCatalog(cfg.Sponsor.Assets)

	logger.Info("starting macgas",
		"solana_rpc", cfg.Solana.RPCURL,
		"solana_network", cfg.Solana.Network,
		"sponsor_wallet", cfg.Sponsor.WalletAddress,
		"unit_cost_lamports", cfg.Sponsor.UnitCostLamports,
		"watched_assets", len(assets),
		"signer_url", cfg.Signer.URL,
		"facilitator_url", cfg.Facilitator.URL,
	)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	ledger, cursors, closeStore, err := buildStores(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	settlements := buildSettlementStore(cfg, logger)

	alerter := buildAlerter(cfg.Alert, logger)

	rpcLimiter := ratelimit.NewLimiter(cfg.Solana.RPCRateLimitRPS, cfg.Solana.RPCRateLimitBurst)
	adapter := solana.NewAdapter(cfg.Solana.RPCURL, rpcLimiter, assets, logger)
	signerClient := signer.NewClient(cfg.Signer.URL, cfg.Signer.Timeout, logger)
	facilitator := payment.NewHTTPFacilitator(cfg.Facilitator.URL, cfg.Facilitator.Timeout, logger)
	verifier := payment.NewVerifier(facilitator, ledger, settlements, assets, logger)

	throttle := gateway.NewThrottle(cfg.Throttle, logger)
	defer throttle.Stop()

	server := gateway.NewServer(cfg.Sponsor, ledger, signerClient, verifier, throttle, assets, logger)

	rc := reconciler.New(
		reconciler.Config{
			SponsorAddress:        cfg.Sponsor.WalletAddress,
			Interval:              cfg.Reconciler.Interval,
			ActivityPageLimit:     cfg.Reconciler.ActivityPageLimit,
			FailureAlertThreshold: cfg.Reconciler.FailureAlertThreshold,
		},
		adapter, ledger, cursors, assets, alerter, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// One deposit watcher per watched asset.
	for asset := range assets {
		asset := asset
		g.Go(func() error {
			if err := rc.Run(gCtx, asset); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("deposit watcher %s: %w", asset, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.Port, server.Handler(), logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("macgas exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("macgas shut down gracefully")
}

// assetCatalog indexes the configured assets by symbol.
func assetCatalog(infos []model.AssetInfo) map[model.Asset]model.AssetInfo {
	catalog := make(map[model.Asset]model.AssetInfo, len(infos))
	for _, info := range infos {
		catalog[info.Symbol] = info
	}
	return catalog
}

// buildStores selects the postgres-backed repositories when DB_URL is set,
// falling back to the in-memory ledger for dev runs.
func buildStores(cfg *config.Config, logger *slog.Logger) (store.LedgerStore, store.CursorRepository, func(), error) {
	if cfg.DB.URL == "" {
		logger.Warn("DB_URL not set, using in-memory ledger store; balances will not survive restarts")
		return memory.New(), memory.NewCursorRepo(), func() {}, nil
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	closeFn := func() {
		if err := db.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}
	return postgres.NewLedgerRepo(db), postgres.NewCursorRepo(db), closeFn, nil
}

// buildSettlementStore shares settlement idempotency through redis when
// configured; single-instance deployments use the in-process cache.
func buildSettlementStore(cfg *config.Config, logger *slog.Logger) payment.SettlementStore {
	if cfg.Redis.URL == "" {
		return payment.NewMemorySettlementStore(settlementTTL)
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, using in-process settlement cache", "error", err)
		return payment.NewMemorySettlementStore(settlementTTL)
	}
	logger.Info("redis settlement store enabled", "addr", opts.Addr)
	return payment.NewRedisSettlementStore(redis.NewClient(opts), settlementTTL)
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var alerters []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, alerters...)
}

func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("gateway server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}
