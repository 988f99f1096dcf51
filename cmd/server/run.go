package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"order-stream/config"
	"order-stream/internal/aggregator"
	"order-stream/internal/api"
	"order-stream/internal/broker"
	"order-stream/internal/dedup"
	"order-stream/internal/redisclient"
	"order-stream/internal/service"
	"order-stream/internal/state"
	"order-stream/internal/store"
	"order-stream/internal/util"
	"order-stream/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type roles struct {
	ingest    bool
	aggregate bool
	api       bool
}

var allRoles = roles{ingest: true, aggregate: true, api: true}

// closers collects resources to release on shutdown, last opened first.
type closers []io.Closer

func (c *closers) add(closer io.Closer) {
	*c = append(*c, closer)
}

func (c closers) closeAll() error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		err = multierr.Append(err, c[i].Close())
	}
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func setup() (*config.Config, func(), error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint, cfg.Observ.TracingEnabled)
	if err != nil {
		util.SyncLogger()
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	teardown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
		util.SyncLogger()
	}
	return cfg, teardown, nil
}

func run(ctx context.Context, r roles) (err error) {
	cfg, teardown, err := setup()
	if err != nil {
		return err
	}
	defer teardown()

	logger := util.GetLogger()
	logger.Info("Starting order-stream",
		zap.Bool("ingest", r.ingest),
		zap.Bool("aggregate", r.aggregate),
		zap.Bool("api", r.api))

	var res closers
	defer func() {
		if cerr := res.closeAll(); cerr != nil {
			logger.Error("Error releasing resources", zap.Error(cerr))
		}
	}()

	var db *store.Store
	if r.ingest || r.api {
		db, err = store.NewStore(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		res.add(db)
		log.Println("Database connected")
	}

	var (
		ingestion   *worker.IngestionWorker
		aggregation *worker.AggregationWorker
		srv         *http.Server
	)
	if r.ingest {
		if ingestion, err = newIngestionWorker(cfg, db, &res); err != nil {
			return err
		}
		res.add(closerFunc(ingestion.Stop))
	}
	if r.aggregate {
		if aggregation, err = newAggregationWorker(cfg, &res); err != nil {
			return err
		}
		res.add(closerFunc(aggregation.Stop))
	}
	if r.api {
		srv = newHTTPServer(cfg, db, &res)
	}

	g, gctx := errgroup.WithContext(ctx)

	if ingestion != nil {
		g.Go(func() error { return ignoreCanceled(ingestion.Start(gctx)) })
	}
	if aggregation != nil {
		g.Go(func() error { return ignoreCanceled(aggregation.Start(gctx)) })
	}
	if srv != nil {
		g.Go(func() error {
			log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("order-stream exited")
	return err
}

func newIngestionWorker(cfg *config.Config, db *store.Store, res *closers) (*worker.IngestionWorker, error) {
	var dedupStore dedup.Store = db
	if cfg.Ingestion.CacheEnabled {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		res.add(rc)
		dedupStore = dedup.NewCachedStore(db, rc, cfg.Ingestion.CacheTTL)
		log.Println("Redis connected")
	}

	logsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLogs)
	res.add(logsProducer)

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.IngestGroup, cfg.Kafka.CommitInterval)

	processor := service.NewIngestionProcessor(dedupStore, cfg.Ingestion.ServiceName, cfg.Database.QueryTimeout)
	return worker.NewIngestionWorker(consumer, processor, broker.NewLogPublisher(logsProducer), cfg.Window.RetryInterval), nil
}

func newAggregationWorker(cfg *config.Config, res *closers) (*worker.AggregationWorker, error) {
	ledger, err := newLedger(cfg.Window)
	if err != nil {
		return nil, err
	}
	res.add(ledger)

	hourlyProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicHourly)
	res.add(hourlyProducer)

	// aggregation commits its own safe offsets per group generation
	consumer, err := broker.NewGroupConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders, cfg.Kafka.AggregateGroup)
	if err != nil {
		return nil, err
	}

	agg := aggregator.NewAggregator(
		broker.NewAggregatePublisher(hourlyProducer),
		ledger,
		cfg.Window.Size,
		cfg.Window.Retention,
		cfg.Window.RetryInterval,
	)
	return worker.NewAggregationWorker(consumer, agg, cfg.Window.FlushOnShutdown, shutdownTimeout, cfg.Window.RetryInterval), nil
}

func newLedger(cfg config.WindowConfig) (state.Ledger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerBackendMemory:
		return state.NewMemoryLedger(cfg.LedgerSize)
	default:
		l, err := state.NewPebbleLedger(cfg.LedgerDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open emission ledger: %w", err)
		}
		log.Printf("Emission ledger opened at %s", cfg.LedgerDir)
		return l, nil
	}
}

func newHTTPServer(cfg *config.Config, db *store.Store, res *closers) *http.Server {
	ordersProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrders)
	res.add(ordersProducer)

	orderService := service.NewOrderService(broker.NewOrderPublisher(ordersProducer), db)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if cfg.Server.Env != "production" {
		router.Use(gin.Logger())
	}
	handler := api.NewHandler(orderService, map[string]api.Pinger{"postgres": db})
	handler.SetupRoutes(router)

	return &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}
}

func migrate(ctx context.Context) error {
	cfg, teardown, err := setup()
	if err != nil {
		return err
	}
	defer teardown()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	util.GetLogger().Info("Migrations applied", zap.Strings("files", applied))
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
