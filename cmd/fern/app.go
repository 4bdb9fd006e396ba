package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/bargain"
	"github.com/Ramsey-B/fern/pkg/cells"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/discovery"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/govdata"
	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/reconcile"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/session"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/state"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// newLogger builds the zap-backed logger. PRETTY_LOGS switches to the development encoder.
func newLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	zcfg.Level = level

	zapLogger, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

// app owns every long-lived resource a command needs.
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db        database.DB
	store     state.Store
	redis     *state.RedisStore
	publisher events.Publisher
	sessions  *session.Pool
	batch     *harvester.BatchHarvester
	bulk      *pgxpool.Pool
	runner    *jobs.Runner

	shutdownTracing func(context.Context) error
}

type appOptions struct {
	// bulkLoad opens the pgx pool used by the government transaction loader.
	bulkLoad bool
}

func newApp(ctx context.Context, cfg *config.Config, logger ectologger.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.shutdownTracing, err = tracing.Setup(ctx, cfg.AppName, tracing.OTLPConfig{
		Enabled:  cfg.OTLPEnabled,
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a.db, err = database.Connect(ctx, database.Config{
		Driver:          cfg.DatabaseDriver,
		DSN:             cfg.DatabaseDSN(),
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err = a.openState(ctx); err != nil {
		return nil, err
	}

	a.publisher = events.NoopPublisher{}
	if cfg.KafkaEnabled {
		a.publisher = events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.KafkaBrokerList(),
			BargainTopic: cfg.KafkaBargainTopic,
			RunTopic:     cfg.KafkaRunTopic,
		}, logger)
	}

	area, err := cells.ParseBounds(cfg.CellBounds)
	if err != nil {
		return nil, err
	}

	if opts.bulkLoad {
		a.bulk, err = database.ConnectPool(ctx, cfg.DatabaseDSN(), int32(cfg.BulkLoadMaxConns), logger)
		if err != nil {
			return nil, err
		}
	}

	lexicon, err := bargain.LoadLexicon(cfg.BargainLexiconFile)
	if err != nil {
		return nil, err
	}

	a.runner = a.wire(area, lexicon)
	return a, nil
}

func (a *app) openState(ctx context.Context) error {
	switch a.cfg.StateBackend {
	case "memory":
		a.store = state.NewMemoryStore()
	case "redis":
		redisStore, err := state.NewRedisStore(ctx, state.RedisConfig{
			Host:      a.cfg.RedisHost,
			Port:      a.cfg.RedisPort,
			Password:  a.cfg.RedisPassword,
			DB:        a.cfg.RedisDB,
			KeyPrefix: a.cfg.RedisKeyPrefix,
		}, a.logger)
		if err != nil {
			return err
		}
		a.redis, a.store = redisStore, redisStore
	default:
		fileStore, err := state.NewFileStore(a.cfg.StateDir)
		if err != nil {
			return err
		}
		a.store = fileStore
	}
	return nil
}

// wire builds the job runner and everything behind it.
func (a *app) wire(area source.Bounds, lexicon *bargain.Lexicon) *jobs.Runner {
	cfg, logger := a.cfg, a.logger

	complexes := repositories.NewComplexRepository(a.db, logger)
	listings := repositories.NewListingRepository(a.db, logger)
	history := repositories.NewPriceHistoryRepository(a.db, logger)
	detections := repositories.NewBargainDetectionRepository(a.db, logger)
	raw := repositories.NewRawRecordRepository(a.db, logger)
	txs := repositories.NewGovTransactionRepository(a.db, logger)
	runs := repositories.NewCollectionRunRepository(a.db, logger)

	ledger := runledger.New(runs, a.store, a.publisher, runledger.Config{
		StaleAfter:       cfg.RunLockStaleAfter,
		PartialErrorRate: cfg.RunPartialErrorRate,
		ProgressEvery:    cfg.RunProgressEvery,
	}, logger)

	sourceCfg := source.Config{
		BaseURL:         cfg.SourceBaseURL,
		LandingPath:     cfg.SourceLandingPath,
		UserAgent:       cfg.SourceUserAgent,
		Timeout:         cfg.SourceTimeout,
		ChallengeMarker: cfg.SourceChallengeMarker,
	}
	a.sessions = session.NewPool(source.NewOpener(sourceCfg), source.NewChecker(sourceCfg), session.Config{
		MaxRecreate: cfg.SessionMaxRecreate,
	}, logger)
	client := source.NewClient(a.sessions, sourceCfg, logger)

	limitCfg := ratelimit.DefaultConfig()
	limitCfg.BaseDelay = cfg.HarvestBaseDelay
	limitCfg.MaxDelay = cfg.HarvestMaxDelay
	limitCfg.Step = cfg.HarvestDelayStep
	limitCfg.FloorDelay = cfg.HarvestFloorDelay
	limitCfg.BatchSize = cfg.HarvestBatchSize
	limitCfg.BatchRestMin = cfg.HarvestBatchRestMin
	limitCfg.BatchRestMax = cfg.HarvestBatchRestMax
	limitCfg.ShortCooldown = cfg.HarvestShortCooldown
	limitCfg.MediumCooldown = cfg.HarvestMediumCooldown
	limitCfg.LongCooldown = cfg.HarvestLongCooldown
	limiter := ratelimit.New(limitCfg, logger)

	harv := harvester.New(limiter, a.sessions, harvester.Config{
		PageCap:     cfg.HarvestPageCap,
		RetryBudget: cfg.HarvestRetryBudget,
	}, logger)
	a.batch = harvester.NewBatch(limiter, a.sessions, harvester.BatchConfig{
		Size:        cfg.HarvestConcurrency,
		RoundPause:  cfg.HarvestRoundPause,
		RetryBudget: cfg.HarvestRetryBudget,
	}, logger)

	reconciler := reconcile.New(reconcile.Stores{
		Listings:   listings,
		Complexes:  complexes,
		History:    history,
		Detections: detections,
		Raw:        raw,
	}, lexicon, a.publisher, logger)

	res := resolver.New(complexes, listings, txs, client.ComplexTransactions, resolver.Config{
		Cascade:        resolver.DefaultCascadeConfig(),
		SampleSize:     cfg.ResolveSampleSize,
		PriceTolerance: cfg.ResolvePriceTolerance,
	}, logger)

	scoreCfg := scoring.DefaultConfig()
	scoreCfg.Threshold = cfg.BargainThreshold
	scorer := scoring.New(scoring.Stores{
		Listings:     listings,
		History:      history,
		Transactions: txs,
		Detections:   detections,
	}, scoring.DatabaseTx(a.db), lexicon, a.publisher, scoreCfg, logger)

	discoverer := discovery.New(client, complexes, harv, discovery.Config{
		Root:     cfg.DiscoverRoot,
		RootName: cfg.DiscoverRootName,
	}, logger)

	deps := jobs.Deps{
		Ledger:     ledger,
		Sessions:   a.sessions,
		Source:     client,
		Complexes:  complexes,
		Listings:   listings,
		Harvester:  harv,
		Batch:      a.batch,
		Reconciler: reconciler,
		Cells:      cells.NewCache(a.store),
		Resolver:   res,
		Scorer:     scorer,
		Discoverer: discoverer,
	}
	if a.bulk != nil {
		gov := govdata.NewClient(govdata.Config{
			BaseURL:  cfg.GovBaseURL,
			APIKey:   cfg.GovAPIKey,
			PageSize: cfg.GovPageSize,
			Timeout:  cfg.GovTimeout,
		}, logger)
		deps.Loader = govdata.NewLoader(gov, govdata.NewPgxSink(a.bulk, cfg.BulkLoadBatchSize), cfg.BulkLoadMaxConns, logger)
	}

	return jobs.NewRunner(deps, jobs.Config{
		QuickStaleAfter: cfg.QuickCheckStaleAfter,
		CellArea:        area,
		CellStep:        cfg.CellStep,
	}, logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	if a.batch != nil {
		a.batch.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.bulk != nil {
		a.bulk.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close event publisher")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close database")
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to flush traces")
		}
	}
}
