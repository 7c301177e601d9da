package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"OptionsLedger/internal/config"
	"OptionsLedger/internal/core"
	"OptionsLedger/internal/event"
	"OptionsLedger/internal/ingestion"
	"OptionsLedger/internal/observability"
	"OptionsLedger/internal/persistence"
	"OptionsLedger/internal/projection"
	"OptionsLedger/internal/query"
	"OptionsLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const adminChanSize = 64

func main() {
	configPath := flag.String("config", os.Getenv("OPTL_CONFIG"), "path to the TOML configuration file")
	flag.Parse()

	boot := observability.NewLogger("main")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}

	level := observability.ParseLogLevel(cfg.Service.LogLevel)
	logger := func(component string) zerolog.Logger {
		return observability.NewLoggerWithLevel(component, level).With().Str("instance", cfg.Service.InstanceID).Logger()
	}
	log := logger("main")
	log.Info().Str("config", *configPath).Msg("OptionsLedger starting")

	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker("postgres", "recovery", "nats")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	healthChecker.SetReady("postgres", true)
	log.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		migrator := persistence.NewMigrator(db, os.DirFS(cfg.Postgres.MigrationsDir), logger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
	}

	// --- Ledger state ---
	stateCfg, err := cfg.StateConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("state config")
	}
	st, err := core.NewState(stateCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build ledger state")
	}

	// The core replays without outputs or the Postgres dedup tier; both
	// are attached once it is back at the head of the event log.
	deterministicCore := core.NewDeterministicCore(st, core.Config{
		DedupCapacity:          cfg.Engine.IdempotencyLRUCapacity,
		InvariantCheckInterval: cfg.Engine.InvariantCheckInterval,
		Metrics:                metrics,
		Logger:                 logger("core"),
	}, nil, nil)

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db, metrics)
	replayed, err := recoverCore(ctx, snapMgr, deterministicCore, cfg.Engine.ReplayBatchSize, logger("recovery"))
	if err != nil {
		log.Fatal().Err(err).Int64("replayed", replayed).Msg("recovery failed")
	}
	tip := deterministicCore.GetStateHash()
	log.Info().
		Int64("replayed", replayed).
		Int64("next_seq", deterministicCore.GetSequence()).
		Hex("state_hash", tip[:]).
		Msg("recovery complete")

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	warmDedup(ctx, dbChecker, deterministicCore, cfg.Engine.IdempotencyLRUCapacity, log)

	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.Engine.PublishChanSize)
	deterministicCore.Attach(dbChecker, persistChan, publishChan)
	healthChecker.SetReady("recovery", true)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	root := cfg.NATS.SubjectRoot
	if err := ingestion.EnsureStreams(ctx, js, root, cfg.NATS.StreamMaxAge.Duration, logger("nats")); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, root, cfg.NATS.StreamMaxAge.Duration, logger("nats")); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawEvent, cfg.Engine.InboundChanSize)
	commandChan := make(chan event.Event, cfg.Engine.InboundChanSize)
	adminChan := make(chan event.Event, adminChanSize)
	snapshotChan := make(chan *core.SnapshotState, 1)

	subscriber := ingestion.NewNATSSubscriber(js, rawChan, logger("subscriber"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, root, logger("publisher"))
	adminIngest := ingestion.NewAdminIngestService(adminChan, cfg.AdminAddress(),
		deterministicCore.ExpectedSequence(event.PartitionAdmin), logger("admin"))

	grpcServer := server.NewGRPCServer(cfg.Service.GRPCAddr, logger("grpc"))
	queryService := query.NewQueryService(db)
	opsServer := server.NewOpsServer(cfg.Service.MetricsAddr, prometheus.DefaultGatherer, healthChecker, logger("ops"), adminIngest, queryService)

	// --- Goroutines ---
	// Workers downstream of the core get their own context so they can
	// drain after ingestion stops.
	errChan := make(chan error, 8)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Engine.PersistBatchSize,
		cfg.Engine.PersistFlushTimeout.Duration, metrics, logger("persistence"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- err
		}
	}()

	// 2. Outbound publisher
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := publisher.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			errChan <- err
		}
	}()

	// 3. Snapshot writer
	workers.Add(1)
	go func() {
		defer workers.Done()
		runSnapshotWriter(workerCtx, snapshotChan, snapMgr, cfg.Engine.SnapshotCheckEvery.Duration, logger("snapshot"))
	}()

	// 4. Balance projection tails the persisted log
	projWorker := projection.NewProjectionWorker(db, cfg.Engine.ProjectionInterval.Duration, int64(cfg.Engine.ReplayBatchSize), logger("projection"))
	go projWorker.Run(ctx)

	// 5. NATS -> parser -> core
	go runParser(ctx, rawChan, commandChan, ingestion.CommandsPrefix(root), logger("parser"))

	loop := &coreLoop{
		core:             deterministicCore,
		commands:         commandChan,
		admin:            adminChan,
		snapshots:        snapshotChan,
		snapshotInterval: cfg.Engine.SnapshotInterval,
		lastSnapshot:     deterministicCore.GetSequence() - 1,
		metrics:          metrics,
		channels: map[string]func() (int, int){
			"raw":     func() (int, int) { return len(rawChan), cap(rawChan) },
			"inbound": func() (int, int) { return len(commandChan), cap(commandChan) },
			"admin":   func() (int, int) { return len(adminChan), cap(adminChan) },
			"persist": func() (int, int) { return len(persistChan), cap(persistChan) },
			"publish": func() (int, int) { return len(publishChan), cap(publishChan) },
		},
		log: logger("core"),
	}
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		loop.run(ctx)
	}()

	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(root)); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}
	healthChecker.SetReady("nats", true)

	// 6. gRPC health + reflection
	go func() {
		if err := grpcServer.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	grpcServer.SyncHealth(healthChecker)

	// 7. Metrics, probes, admin commands, queries
	go func() {
		if err := opsServer.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	log.Info().
		Int64("next_seq", deterministicCore.GetSequence()).
		Str("grpc", cfg.Service.GRPCAddr).
		Str("ops", cfg.Service.MetricsAddr).
		Str("subject_root", root).
		Msg("OptionsLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish its current command, drain the
	// writers, then take the final snapshot from the quiescent core.
	healthChecker.SetReady("nats", false)
	grpcServer.SyncHealth(healthChecker)
	subscriber.Stop()
	cancel()
	<-coreDone

	final := deterministicCore.CreateSnapshotState()
	close(persistChan)
	close(publishChan)
	close(snapshotChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := snapMgr.SaveSnapshot(shutdownCtx, final); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else if _, err := snapMgr.VerifyPersisted(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("verify final snapshot")
	} else {
		log.Info().Int64("seq", final.Sequence).Msg("final snapshot saved")
	}

	log.Info().Msg("OptionsLedger shutdown complete")
}
