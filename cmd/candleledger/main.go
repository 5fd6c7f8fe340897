package main

import (
	"CandleLedger/internal/config"
	"CandleLedger/internal/core"
	"CandleLedger/internal/ingestion"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/params"
	"CandleLedger/internal/persistence"
	"CandleLedger/internal/projection"
	"CandleLedger/internal/query"
	"CandleLedger/internal/scheduler"
	"CandleLedger/internal/server"
	"CandleLedger/migrations"
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("CANDLE_CONFIG"), "optional YAML config file")
	flag.Parse()

	boot := observability.NewLogger("main")
	if err := config.LoadDotEnv(".env"); err != nil {
		boot.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Msg("CandleLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exit")
	}
	logger.Info().Msg("CandleLedger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(int(cfg.Postgres.MaxConns) * 2)
	db.SetMaxIdleConns(int(cfg.Postgres.MaxConns))
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(ctx, cfg.Postgres.ConnTimeout)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		return err
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, migrations.FS).Up(ctx); err != nil {
		return err
	}

	pool, err := query.NewPool(ctx, query.PoolConfig{
		URL:      cfg.Postgres.DSN,
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	var (
		nc        *nats.Conn
		js        jetstream.JetStream
		custodian core.Custodian
	)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if cfg.NATS.CustodyEnabled {
			custodian = ingestion.NewNATSCustodian(nc, cfg.NATS.CustodySubject, cfg.NATS.CustodyTimeout, metrics)
		}
		logger.Info().Str("url", cfg.NATS.URL).Bool("custody", custodian != nil).Msg("NATS connected")
	}

	// --- Engine ---
	initial, err := cfg.Game.Params()
	if err != nil {
		return err
	}
	authz := params.NewOwnerAuthorizer(cfg.Game.Owner)
	pause := params.NewPauseSwitch(authz)
	store, err := params.NewStore(authz, pause, initial)
	if err != nil {
		return err
	}

	// Persist blocks (backpressure), projection drops.
	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	durableChan := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
	streamChan := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)

	eng := core.NewEngine(core.EngineConfig{
		Params:         store,
		Authorizer:     authz,
		Pause:          pause,
		Custodian:      custodian,
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
		Metrics:        metrics,
	})

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	rec, err := persistence.Recover(ctx, eng, snapMgr, logger)
	if err != nil {
		return err
	}
	if rec.Replayed > 0 {
		// Projection drops before the restart may have left gaps.
		if err := projection.RebuildProjections(ctx, db, snapMgr); err != nil {
			return err
		}
		logger.Info().Msg("projections rebuilt")
	}

	// --- Workers ---
	// Separate from ctx so shutdown can drain them after the listeners stop.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	spawn := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && workerCtx.Err() == nil {
				errChan <- err
			}
			logger.Debug().Str("worker", name).Msg("stopped")
		}()
	}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.Pipeline.BatchSize,
		FlushTimeout: cfg.Pipeline.FlushTimeout,
		Forward:      durableChan,
	}, metrics)
	spawn("persistence", func() error {
		err := persistWorker.Run(workerCtx)
		close(durableChan)
		return err
	})

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	spawn("projection", func() error { return projWorker.Run(workerCtx) })

	spawn("tee", func() error {
		ingestion.Tee(durableChan, metrics, publishChan, streamChan)
		return nil
	})

	hub := server.NewHub(streamChan, cfg.Server.AllowedOrigins, metrics)
	spawn("stream", func() error { return hub.Run(workerCtx) })

	var settlements *ingestion.SettlementSubscriber
	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		spawn("publisher", func() error { return publisher.Run(workerCtx) })

		settlements = ingestion.NewSettlementSubscriber(js, eng, cfg.NATS.SettlementCaller, metrics)
		if err := settlements.Subscribe(ctx); err != nil {
			return err
		}
	} else {
		spawn("publisher", func() error {
			for range publishChan {
			}
			return nil
		})
	}

	// --- Scheduler ---
	sched := scheduler.New()
	if err := sched.Add(scheduler.SnapshotJob(cfg.Snapshot.Schedule, eng, snapMgr, metrics)); err != nil {
		return err
	}
	if err := sched.Add(scheduler.CandleJob(cfg.Snapshot.CandleSchedule, eng, metrics)); err != nil {
		return err
	}
	sched.Start()

	// --- Servers ---
	queries := query.NewQueryService(pool, metrics)
	snapshotNow := func(ctx context.Context) (int64, error) {
		return persistence.TakeSnapshot(ctx, eng, snapMgr, metrics)
	}
	ledger := server.NewLedgerServer(eng, queries, snapshotNow)

	gateway, err := server.NewGateway(ledger, server.GatewayDeps{
		Health:   healthChecker,
		Stream:   hub,
		Gatherer: prometheus.DefaultGatherer,
	})
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, ledger, gateway)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	var serving sync.WaitGroup
	serving.Add(2)
	go func() { defer serving.Done(); errChan <- srv.StartGRPC(serveCtx) }()
	go func() { defer serving.Done(); errChan <- srv.StartHTTP(serveCtx) }()

	healthChecker.TrackSequence(eng.GetSequence)
	healthChecker.SetReady(true)
	srv.SetReady(true)
	logger.Info().
		Int64("sequence", rec.Sequence).
		Int64("snapshot", rec.SnapshotSequence).
		Int64("replayed", rec.Replayed).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("CandleLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop intake first, then drain the pipeline so every committed event
	// is durable before the final snapshot.
	healthChecker.SetReady(false)
	srv.SetReady(false)
	if settlements != nil {
		settlements.Stop()
	}
	cancelServe()
	serving.Wait()
	sched.Stop()
	// Anything still calling the engine now gets ErrEngineClosed; Close
	// returns once no send on the output channels can follow.
	eng.Close()

	close(persistChan)
	close(projectionChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		cancelWorkers()
	}
	logger.Info().
		Int64("sequence", eng.GetSequence()-1).
		Int64("projected", projWorker.LastSequence()).
		Msg("pipeline drained")

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if seq, err := persistence.TakeSnapshot(finalCtx, eng, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if seq > 0 {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	return runErr
}
