package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"interbank/pkg/auth"
	"interbank/pkg/config"
	"interbank/pkg/directory"
	"interbank/pkg/keys"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/registry"
	"interbank/pkg/server"
	"interbank/pkg/settlement"
	"interbank/pkg/token"
	"interbank/pkg/types"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var skipRegistration bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement node",
		Long: `Start the node: sync the bank directory, accept inbound transfers,
deliver outbound transfers and publish this bank's verification keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runNode(ctx, cfg, !skipRegistration, logger)
		},
	}

	cmd.Flags().BoolVar(&skipRegistration, "no-register", false, "do not announce this bank to the registry at startup")
	return cmd
}

func newRegistryClient(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *registry.Client {
	return registry.NewClient(cfg.Registry.URL, registry.Options{
		APIKey:      cfg.Registry.APIKey,
		Timeout:     cfg.Registry.Timeout.Duration,
		MaxAttempts: cfg.Registry.MaxAttempts,
		BaseDelay:   cfg.Registry.RetryBaseDelay.Duration,
		Metrics:     m,
	}, logger.Named("registry"))
}

func selfDescriptor(cfg *config.Config) types.SelfDescriptor {
	return types.SelfDescriptor{
		ID:             types.BankID(cfg.Bank.ID),
		Name:           cfg.Bank.Name,
		Prefix:         cfg.Bank.Prefix,
		TransactionURL: cfg.TransactionURL(),
		JWKSURL:        cfg.JWKSURL(),
		Owners:         cfg.Bank.Owners,
	}
}

func runNode(ctx context.Context, cfg *config.Config, register bool, logger *zap.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	custodian := keys.NewCustodian(cfg.Keys.PrivateKeyPath)
	if _, err := custodian.LoadSigningKey(); err != nil {
		return fmt.Errorf("%w (run 'bankd keys generate' first)", err)
	}

	store, err := ledger.Open(ctx, cfg.Storage, logger.Named("ledger"))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	reg := newRegistryClient(cfg, m, logger)
	syncer := directory.NewSynchronizer(reg, store, directory.Options{
		Interval:  cfg.Registry.SyncInterval.Duration,
		CacheFile: cfg.Registry.CacheFile,
		MetaFile:  cfg.Registry.MetaFile,
		Metrics:   m,
	}, logger.Named("directory"))

	ownID := types.BankID(cfg.Bank.ID)
	deliverer := settlement.NewHTTPDeliverer(token.NewCodec(custodian), ownID, cfg.Bank.Name, cfg.Delivery.Timeout.Duration)
	queue := settlement.NewQueue(store, deliverer, settlement.QueueOptions{
		MaxRetries: cfg.Delivery.MaxRetries,
		RetryDelay: cfg.Delivery.RetryDelay.Duration,
		Metrics:    m,
	}, logger.Named("queue"))
	sender := settlement.NewSender(store, syncer, queue, settlement.SenderOptions{
		OwnID:     ownID,
		OwnPrefix: cfg.Bank.Prefix,
		Metrics:   m,
	}, logger.Named("sender"))
	inbound := settlement.NewInboundHandler(store, reg, token.NewCodec(nil), settlement.InboundOptions{
		OwnPrefix:     cfg.Bank.Prefix,
		AllowUnsigned: cfg.Server.AllowUnsignedInbound,
		Metrics:       m,
	}, logger.Named("inbound"))
	recovery := settlement.NewRecovery(store, queue, syncer, settlement.RecoveryOptions{
		MaxRetries: cfg.Delivery.MaxRetries,
		Interval:   cfg.Delivery.SweepInterval.Duration,
		Window:     cfg.Delivery.SweepWindow.Duration,
		Metrics:    m,
	}, logger.Named("recovery"))

	var rdb *redis.Client
	if cfg.Server.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Server.RedisAddr, err)
		}
		logger.Info("Idempotency keys backed by redis", zap.String("address", cfg.Server.RedisAddr))
	}

	authenticator := auth.NewAPIKeyAuthenticator(cfg.Server.APIKey, "operator")
	if !authenticator.Enabled() {
		logger.Warn("No API key configured, operator endpoints are open")
	}

	deps := server.Deps{
		Inbound:   inbound,
		Transfers: sender,
		Records:   store,
		Directory: syncer,
		Keys:      custodian,
		Metrics:   m,
		Auth:      auth.NewInterceptor(authenticator, true, logger.Named("auth")),
	}
	if rdb != nil {
		deps.Redis = rdb
	}
	httpServer := server.New(deps, server.Options{
		Address:   cfg.Server.Address,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, logger.Named("http"))
	health := server.NewHealth(cfg.Server.GRPCAddress, syncer, auth.NewInterceptor(authenticator, false, logger.Named("auth")), logger.Named("health"))

	recovered, err := recovery.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered > 0 {
		logger.Info("Recovered interrupted transfers", zap.Int("count", recovered))
	}

	syncer.Start(ctx)
	defer syncer.Stop()
	health.Refresh()

	queue.Start(ctx)
	defer queue.Stop()
	recovery.Start(ctx)
	defer recovery.Stop()

	if err := health.Start(ctx); err != nil {
		return err
	}
	defer health.Stop()

	if register {
		go selfRegister(ctx, reg, selfDescriptor(cfg), health, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info("Bank node started",
		zap.String("bank_id", cfg.Bank.ID),
		zap.String("prefix", cfg.Bank.Prefix),
		zap.String("address", cfg.Server.Address),
		zap.String("grpc_address", cfg.Server.GRPCAddress),
		zap.String("storage", string(cfg.Storage.Driver)))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down bank node")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	return nil
}

// selfRegister announces this bank. A failure is logged and reported through
// the health endpoint; the node keeps running.
func selfRegister(ctx context.Context, reg *registry.Client, self types.SelfDescriptor, health *server.Health, logger *zap.Logger) {
	registration, err := reg.Register(ctx, self)
	if err != nil {
		logger.Warn("Self-registration failed, continuing without it",
			zap.String("bank_id", string(self.ID)),
			zap.Error(err))
		health.SetRegistered(false)
		return
	}
	health.SetRegistered(registration.Active())
}
