package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/query"
	"PerpSettle/internal/server"
)

// priceFeed is a price source that also accepts admin quotes.
type priceFeed interface {
	oracle.PriceSource
	server.PriceWriter
}

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("PerpSettle starting")

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("PerpSettle stopped")
	}
	logger.Info().Msg("PerpSettle shutdown complete")
}

func run(cfg Config, logger zerolog.Logger) error {
	// ingressCtx stops everything that can call the engine. The workers
	// downstream of the engine run until their channels are drained.
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	defer stopIngress()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ingressCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ingressCtx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Oracle ---
	prices, closeOracle, err := openOracle(ingressCtx, cfg, healthChecker)
	if err != nil {
		return err
	}
	defer closeOracle()
	guard := oracle.NewGuard(prices, cfg.PriceMaxAge)

	// --- Engine ---
	// persist channel blocks (backpressure), projection channel drops
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	acl := access.NewTable(cfg.Owner)
	engineLogger := observability.NewLogger("engine")
	engine := core.NewEngine(guard, acl, core.Options{
		GovernanceDelay:     cfg.GovernanceDelay,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:           dbChecker,
		Metrics:             metrics,
		Logger:              &engineLogger,
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
	})
	healthChecker.SetSequenceFunc(engine.Sequence)

	// --- Recovery ---
	if err := recoverEngine(ingressCtx, db, engine, acl, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	ids, err := dbChecker.RecentBatchIDs(ingressCtx, cfg.IdempotencyWarmKeys)
	if err != nil {
		return fmt.Errorf("warm idempotency: %w", err)
	}
	engine.WarmIdempotency(ids)
	logger.Info().Int("batch_ids", len(ids)).Int64("next_sequence", engine.Sequence()).Msg("engine recovered")

	// --- Persistence worker ---
	// Started before bootstrap so the bootstrap commits are not stuck
	// behind a full persist channel.
	var workers sync.WaitGroup
	errChan := make(chan error, 10)

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, acl, persistence.WorkerConfig{
		BatchSize:     cfg.PersistBatchSize,
		FlushTimeout:  cfg.PersistFlushTimeout,
		KeepSnapshots: cfg.KeepSnapshots,
	}, metrics)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	if cfg.BootstrapFile != "" {
		boot, err := LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return err
		}
		did, err := boot.Apply(ingressCtx, engine, cfg.Owner)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info().Bool("applied", did).Int("markets", len(boot.Markets)).Msg("bootstrap file processed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ingressCtx, js); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	publisher := ingestion.NewOutboundPublisher(js, projectionChan)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	consumer := ingestion.NewBatchConsumer(js, engine, metrics)
	if err := consumer.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// --- gRPC + HTTP gateway ---
	queryService := query.NewQueryService(engine, guard, db, metrics)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       server.NewService(engine, queryService, prices),
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})

	var ingress sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(ingressCtx); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	serve("grpc", grpcServer.StartGRPC)
	serve("http gateway", grpcServer.StartHTTPGateway)
	serve("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	serve("channel metrics", func(ctx context.Context) error {
		sampleChannels(ctx, metrics, persistChan, projectionChan)
		return nil
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", engine.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop every caller of the engine, then close its output channels so the
	// workers drain and flush what was committed.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	consumer.Stop()
	stopIngress()
	ingress.Wait()

	close(persistChan)
	close(projectionChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info().Int64("next_sequence", engine.Sequence()).Msg("workers drained")
	case <-time.After(30 * time.Second):
		stopWorkers()
		logger.Error().Msg("workers did not drain in time")
	}
	return runErr
}

// openOracle builds the configured price source and registers its health
// check.
func openOracle(ctx context.Context, cfg Config, hc *observability.HealthChecker) (priceFeed, func(), error) {
	if cfg.Oracle != "redis" {
		return oracle.NewMemorySource(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	hc.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return oracle.NewRedisSource(rdb), func() { rdb.Close() }, nil
}

// recoverEngine restores the newest snapshot. Every flush writes a snapshot
// in the same transaction as its commits, so the snapshot must sit at the
// chain tip; anything else means the database was edited by hand.
func recoverEngine(ctx context.Context, db *sql.DB, engine *core.Engine, acl *access.Table, logger zerolog.Logger) error {
	snapshots := persistence.NewSnapshotStore(db)
	snap, err := snapshots.LoadLatest(ctx)
	if err != nil {
		return err
	}
	tipSeq, tipHash, err := snapshots.LatestCommit(ctx)
	if err != nil {
		return fmt.Errorf("latest commit: %w", err)
	}

	if snap == nil {
		if tipSeq != 0 {
			return fmt.Errorf("commits up to %d but no snapshot", tipSeq)
		}
		logger.Info().Msg("no snapshot found, cold start")
		return nil
	}

	if tipSeq != snap.NextSequence-1 || hex.EncodeToString(tipHash) != snap.StateHash {
		return fmt.Errorf("snapshot at %d (%s) is not the chain tip %d (%x)",
			snap.NextSequence-1, snap.StateHash, tipSeq, tipHash)
	}
	cp, err := snap.Checkpoint()
	if err != nil {
		return err
	}
	if err := engine.Restore(cp); err != nil {
		return err
	}
	if snap.Access != nil {
		acl.Restore(*snap.Access)
	}
	logger.Info().Int64("sequence", tipSeq).Str("state_hash", snap.StateHash).Msg("restored from snapshot")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// sampleChannels publishes channel fill levels once a second.
func sampleChannels(ctx context.Context, m *observability.Metrics, persist, projection chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetChannelMetrics("persist", len(persist), cap(persist))
			m.SetChannelMetrics("projection", len(projection), cap(projection))
		}
	}
}
