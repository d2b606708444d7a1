// Command tutorlink runs the post-purchase coordination pipeline: the
// purchase, allocation, session and cache workers, the periodic session
// top-up sweep and the ops listener (health, token rotation).
//
// # Clustering
//
// Multiple nodes sharing the same Kafka consumer groups split the topic
// partitions between them. The top-up sweep uses a distributed ticker so
// only one node sweeps per interval.
//
// # Configuration
//
// Environment variables (a YAML file given with -config is applied first,
// the environment wins):
//
//	KAFKA_BROKERS          - comma-separated seed brokers (default: "localhost:9092")
//	POSTGRES_DSN           - Postgres connection string
//	REDIS_URL              - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	TRAINER_DIRECTORY_URL  - trainer directory base URL
//	OPS_ADDR               - ops HTTP listen address (default: ":8080")
//	SOURCE_NAME            - event source name (default: "tutorlink-pipeline")
//	AUTH_SIGNING_KEY       - access-token signing key; unset disables /auth/refresh
//	SWEEP_INTERVAL         - top-up sweep interval (default: "6h")
//	WORKERS                - comma list of workers to run (default: all)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"github.com/tutorlinkhq/tutorlink/assign"
	"github.com/tutorlinkhq/tutorlink/auth"
	"github.com/tutorlinkhq/tutorlink/cache"
	"github.com/tutorlinkhq/tutorlink/event"
	"github.com/tutorlinkhq/tutorlink/eventlog"
	"github.com/tutorlinkhq/tutorlink/eventlog/kafka"
	"github.com/tutorlinkhq/tutorlink/outbox"
	"github.com/tutorlinkhq/tutorlink/pipeline"
	"github.com/tutorlinkhq/tutorlink/retry"
	"github.com/tutorlinkhq/tutorlink/store/postgres"
	"github.com/tutorlinkhq/tutorlink/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configF  = flag.String("config", "", "Path to optional YAML config file")
		workersF = flag.String("workers", "", "Comma list of workers to run (default: all)")
		debugF   = flag.Bool("debug", false, "Enable debug logs")
		dryRunF  = flag.Bool("dry-run", false, "Validate configuration and exit")
		replayF  = flag.Bool("replay-outbox", false, "Re-publish unpublished ledger rows and exit")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := loadConfig(*configF)
	if err == nil {
		if *workersF != "" {
			cfg.Workers = splitList(*workersF)
		}
		err = cfg.validate()
	}
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dryRunF {
		log.Info(ctx, log.KV{K: "msg", V: "configuration valid"},
			log.KV{K: "workers", V: cfg.Workers})
		return
	}

	if err := run(ctx, cfg, *replayF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg Config, replayOnly bool) error {
	st, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	kafkaLog, err := kafka.New(cfg.Brokers, kafka.WithClientID(cfg.Source))
	if err != nil {
		return err
	}
	defer kafkaLog.Close()

	emitter := outbox.New(st, kafkaLog, cfg.Source)
	if replayOnly {
		n, err := emitter.Replay(ctx, 0)
		if err != nil {
			return fmt.Errorf("replay outbox: %w", err)
		}
		log.Info(ctx, log.KV{K: "msg", V: "outbox replay done"}, log.KV{K: "published", V: n})
		return nil
	}

	if err := kafkaLog.EnsureTopics(ctx,
		event.TopicPurchaseConfirmed,
		event.TopicPurchaseCreated,
		event.TopicTrainerAllocated,
		event.TopicSessionsGenerated,
		event.TopicDeadLetter,
	); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close redis"})
		}
	}()
	cacheClient := cache.New(rdb)
	if err := cacheClient.Ping(ctx); err != nil {
		return err
	}

	metrics, err := telemetry.New()
	if err != nil {
		return err
	}

	dlq := pipeline.NewDLQPublisher(st, kafkaLog, cfg.Source)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	runWorker := func(w *pipeline.Worker, consumer eventlog.Consumer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}

	if cfg.enabled(workerPurchase) {
		w := pipeline.NewPurchaseWorker(st, emitter, metrics)
		runWorker(w.Worker(dlq), kafkaLog.Consumer(pipeline.PurchaseGroup, event.TopicPurchaseConfirmed))
	}

	var sessionWorker *pipeline.SessionWorker
	if cfg.enabled(workerSession) || cfg.enabled(workerSweeper) {
		sessionWorker = pipeline.NewSessionWorker(st, emitter, metrics)
	}
	if cfg.enabled(workerSession) {
		runWorker(sessionWorker.Worker(dlq), kafkaLog.Consumer(pipeline.SessionGroup, event.TopicTrainerAllocated))
	}

	if cfg.enabled(workerAllocation) {
		directory, err := assign.NewHTTPDirectory(cfg.DirectoryURL)
		if err != nil {
			return err
		}
		engine := assign.NewEngine(directory, st.Allocations(), st.Sessions(), cfg.Retry.policy(retry.DefaultConfig()))
		w := pipeline.NewAllocationWorker(st, engine, emitter, metrics)
		runWorker(w.Worker(dlq), kafkaLog.Consumer(pipeline.AllocationGroup, event.TopicPurchaseCreated))
	}

	if cfg.enabled(workerCache) {
		w := pipeline.NewCacheWorker(cacheClient, metrics)
		runWorker(w.Worker(), kafkaLog.Consumer(pipeline.CacheGroup,
			event.TopicPurchaseCreated, event.TopicTrainerAllocated, event.TopicSessionsGenerated))
	}

	if cfg.enabled(workerSweeper) {
		// Distributed ticker: one node in the pool receives each tick.
		node, err := pool.AddNode(ctx, cfg.Source+"-sweep", rdb)
		if err != nil {
			return fmt.Errorf("join sweep pool: %w", err)
		}
		defer func() {
			if err := node.Close(context.WithoutCancel(ctx)); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "close sweep pool node"})
			}
		}()
		ticker, err := node.NewTicker(ctx, "session-topup", cfg.SweepInterval)
		if err != nil {
			return fmt.Errorf("create sweep ticker: %w", err)
		}
		defer ticker.Stop()
		sweeper := pipeline.NewSweeper(sessionWorker)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sweeper.Run(ctx, ticker.C); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}

	var refresh *auth.RefreshService
	if cfg.SigningKey != "" {
		locks := auth.NewLockCoordinator(cacheClient)
		if refresh, err = auth.NewRefreshService(st, locks, []byte(cfg.SigningKey)); err != nil {
			return err
		}
	}

	checker := health.NewChecker(
		pinger{name: "postgres", ping: st.Ping},
		pinger{name: "redis", ping: cacheClient.Ping},
	)
	srv := &http.Server{Addr: cfg.OpsAddr, Handler: opsMux(checker, refresh)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info(ctx, log.KV{K: "msg", V: "ops listener started"}, log.KV{K: "addr", V: cfg.OpsAddr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	log.Info(ctx, log.KV{K: "msg", V: "pipeline started"},
		log.KV{K: "workers", V: cfg.Workers},
		log.KV{K: "brokers", V: cfg.Brokers})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "ops listener shutdown"})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info(ctx, log.KV{K: "msg", V: "pipeline stopped"})
	case <-shutdownCtx.Done():
		log.Warn(ctx, log.KV{K: "msg", V: "shutdown deadline exceeded"})
	}
	return runErr
}
