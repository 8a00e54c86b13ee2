package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/eyepyon/airzone-sub000/internal/config"
	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/handshake"
	"github.com/eyepyon/airzone-sub000/internal/idempotency"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/mint"
	"github.com/eyepyon/airzone-sub000/internal/order"
	"github.com/eyepyon/airzone-sub000/internal/rates"
	"github.com/eyepyon/airzone-sub000/internal/server"
	"github.com/eyepyon/airzone-sub000/internal/settlement"
	"github.com/eyepyon/airzone-sub000/internal/stake"
	"github.com/eyepyon/airzone-sub000/internal/store"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Service)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.ServiceConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pool     *pgxpool.Pool
		repos    = store.NewMemory()
		taskLog  tasks.Ledger
		dbHealth func(context.Context) error
	)
	if cfg.Database.DSN != "" {
		var err error
		pool, err = store.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		if repos, err = store.NewPostgres(ctx, pool); err != nil {
			return fmt.Errorf("repositories: %w", err)
		}
		if taskLog, err = tasks.NewPostgresLedger(ctx, pool); err != nil {
			return fmt.Errorf("task ledger: %w", err)
		}
		dbHealth = pool.Ping
	} else {
		logger.Warn("no DATABASE_URL; using in-memory storage with an empty catalog")
		taskLog = tasks.NewMemoryLedger()
	}

	idem, closeIdem, err := newIdempotencyStore(ctx, cfg, pool)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeIdem()

	var (
		chain     ledger.Client = ledger.NewFakeClient()
		rpcHealth func(context.Context) error
	)
	if cfg.Chain.RPCURL != "" && cfg.Chain.PrivateKey != "" {
		eth, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			RewardContract: cfg.Chain.RewardContract,
			Confirmations:  cfg.Chain.Confirmations,
		})
		if err != nil {
			return fmt.Errorf("ledger client: %w", err)
		}
		defer eth.Close()
		chain = eth
		rpcHealth = eth.Ping
	} else {
		logger.Warn("no ledger RPC configured; using the in-process fake ledger")
	}

	var processor settlement.Processor = settlement.NewFakeProcessor()
	if cfg.Card.StripeSecretKey != "" {
		processor = settlement.NewStripeProcessor(cfg.Card.StripeSecretKey, cfg.Card.StripeWebhookSecret)
	} else {
		logger.Warn("no STRIPE_SECRET_KEY; card payments use the fake processor")
	}

	fallback, err := decimal.NewFromString(cfg.Rates.FallbackRate)
	if err != nil {
		return fmt.Errorf("rate fallback %q: %w", cfg.Rates.FallbackRate, err)
	}
	var rateSource rates.Source = rates.Static{Value: fallback}
	if cfg.Rates.SourceURL != "" {
		rateSource = rates.NewHTTPSource(cfg.Rates.SourceURL, fallback, cfg.Rates.Staleness, logger)
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.Broker.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.Broker.AMQPURL, cfg.Broker.Exchange)
		if err != nil {
			return fmt.Errorf("event broker: %w", err)
		}
		defer amqpPub.Close()
		publisher = amqpPub
	}

	m := metrics.New()
	emitter := events.NewEmitter(publisher, logger)

	broker := handshake.NewBroker(handshake.Config{
		TTL:              cfg.Handshake.TTL,
		Retention:        cfg.Handshake.Retention,
		DeepLinkScheme:   cfg.Handshake.DeepLinkScheme,
		PublicBaseURL:    cfg.Handshake.PublicBaseURL,
		RequireSignature: cfg.Handshake.RequireSignature,
	}, m, emitter, logger)

	card := settlement.NewCardRail(processor, logger)
	rails := settlement.NewRegistry(card, settlement.NewLedgerRail(chain, rateSource, settlement.LedgerRailConfig{
		CustodyAddress: cfg.Chain.CustodyAddress,
		PollInterval:   cfg.Timeouts.LedgerPollInterval,
		PollTimeout:    cfg.Timeouts.RPCTimeout,
		MaxWait:        cfg.Timeouts.SettlementMaxWait,
	}, logger))

	orders := order.New(order.Config{
		Currency:          cfg.Service.Currency,
		DedupeWindow:      cfg.Timeouts.CheckoutDedupe,
		MaxRetries:        cfg.Retry.MaxAttempts,
		SettlementMaxWait: cfg.Timeouts.SettlementMaxWait,
	}, order.Deps{
		Repos:   repos,
		Tasks:   taskLog,
		Rails:   rails,
		Idem:    idem,
		Wallets: broker,
		Metrics: m,
		Events:  emitter,
		Logger:  logger,
	})

	stakes := stake.New(stake.Config{
		MaxLock:        cfg.Stake.MaxLock,
		SweepInterval:  cfg.Stake.SweepInterval,
		SweepBatch:     cfg.Stake.SweepBatch,
		MaxRetries:     cfg.Retry.MaxAttempts,
		RewardMetadata: cfg.Stake.RewardMetadata,
		StaleTaskAfter: cfg.Timeouts.StaleTaskAfter,
	}, repos.Stakes, taskLog, broker, m, emitter, logger)

	host, _ := os.Hostname()
	worker := mint.NewWorker(mint.Config{
		WorkerID:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		Concurrency:    cfg.Service.WorkerCount,
		PollInterval:   cfg.Service.WorkerPoll,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     float64(cfg.Retry.BackoffMultiplier),
		ConfirmTimeout: cfg.Timeouts.MintConfirmTimeout,
		ConfirmPoll:    cfg.Timeouts.LedgerPollInterval,
	}, taskLog, chain, repos.Assets, m, emitter, logger)
	worker.Register(domain.SourceOrder, orders)
	worker.Register(domain.SourceStake, stakes)

	apiServer := server.NewServer(cfg, server.Deps{
		Orders:     orders,
		Stakes:     stakes,
		Handshakes: broker,
		Tasks:      taskLog,
		Card:       card,
		Idem:       idem,
		Metrics:    m,
		Logger:     logger,
		DBHealth:   dbHealth,
		RPCHealth:  rpcHealth,
	})

	if n, err := orders.ResumeSettlements(ctx); err != nil {
		logger.Warn("settlement_resume_failed", "error", err)
	} else if n > 0 {
		logger.Info("settlements_resumed", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(apiServer.Start)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return stakes.Run(gctx) })
	g.Go(func() error { return broker.RunJanitor(gctx, time.Minute) })
	if purger, ok := idem.(*idempotency.PostgresStore); ok {
		g.Go(func() error { return purgeLoop(gctx, purger, logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	orders.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

func newIdempotencyStore(ctx context.Context, cfg *config.AppConfig, pool *pgxpool.Pool) (idempotency.Store, func(), error) {
	noop := func() {}
	switch strings.ToLower(cfg.Service.IdempotencyStore) {
	case "", "memory":
		return idempotency.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := idempotency.NewSQLiteStore(cfg.Service.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		if pool == nil {
			return nil, noop, errors.New("postgres idempotency store requires DATABASE_URL")
		}
		s, err := idempotency.NewPostgresStore(ctx, pool)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown idempotency store %q", cfg.Service.IdempotencyStore)
}

func purgeLoop(ctx context.Context, s *idempotency.PostgresStore, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				logger.Warn("idempotency_purge_failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency_purged", "count", n)
			}
		}
	}
}
