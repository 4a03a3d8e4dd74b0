// judged is the judge node daemon: it consumes judge jobs from Kafka,
// executes submissions in the sandbox, persists verdicts and contest
// standings, and serves the read-only status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/contest"
	judgecache "arbiter/internal/judge/cache"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/sandbox"
	sandboxconfig "arbiter/internal/judge/sandbox/config"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/sandbox/runner"
	"arbiter/internal/judge/service"
	"arbiter/internal/server"
	"arbiter/pkg/utils/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/judged.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "judged: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.LoggerConfig()); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infrastructure clients.
	mysqlConfig := db.DefaultMySQLConfig()
	mysqlConfig.DSN = cfg.MySQL.DSN
	if cfg.MySQL.MaxOpenConns > 0 {
		mysqlConfig.MaxOpenConnections = cfg.MySQL.MaxOpenConns
	}
	if cfg.MySQL.MaxIdleConns > 0 {
		mysqlConfig.MaxIdleConnections = cfg.MySQL.MaxIdleConns
	}
	if cfg.MySQL.ConnMaxLifetime > 0 {
		mysqlConfig.ConnMaxLifetime = cfg.MySQL.ConnMaxLifetime.Std()
	}
	if cfg.MySQL.ConnMaxIdleTime > 0 {
		mysqlConfig.ConnMaxIdleTime = cfg.MySQL.ConnMaxIdleTime.Std()
	}
	database, err := db.NewMySQLWithConfig(mysqlConfig)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	defer database.Close()

	redisConfig := cache.DefaultRedisConfig()
	redisConfig.Addr = cfg.Redis.Addr
	redisConfig.Password = cfg.Redis.Password
	redisConfig.DB = cfg.Redis.DB
	redisCache, err := cache.NewRedisCacheWithConfig(redisConfig)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisCache.Close()

	queue, err := mq.NewKafkaQueue(mq.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer queue.Close()

	objectStore, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return fmt.Errorf("connect minio: %w", err)
	}

	// Sandbox stack.
	specRepo := sandboxconfig.NewLocalRepository(cfg.LanguageSpecs(), cfg.TaskProfiles())
	eng, err := engine.NewEngine(engine.Config{
		CgroupRoot:       cfg.Sandbox.CgroupRoot,
		SeccompDir:       cfg.Sandbox.SeccompDir,
		HelperPath:       cfg.Sandbox.HelperPath,
		EnableSeccomp:    cfg.Sandbox.EnableSeccomp,
		EnableCgroup:     cfg.Sandbox.EnableCgroup,
		EnableNamespaces: cfg.Sandbox.EnableNamespaces,
	}, specRepo)
	if err != nil {
		return fmt.Errorf("init sandbox engine: %w", err)
	}

	statusRepo := repository.NewStatusRepository(redisCache)
	worker := sandbox.NewWorker(runner.NewRunner(eng), specRepo, specRepo, statusRepo)

	// Scoring and persistence.
	scorer := contest.NewScorer(contest.NewMySQLRepository(), redisCache)
	publisher := repository.NewKafkaEventPublisher(queue, cfg.Kafka.ResultTopic)
	sink := repository.NewResultSink(database, scorer, publisher, statusRepo)

	packCache, err := judgecache.NewPackCacheWithLock(objectStore, cfg.MinIO.DataBucket, redisCache, judgecache.PackCacheConfig{
		Root:       cfg.Judge.PackRoot,
		MaxEntries: cfg.Judge.PackMaxEntries,
		TTL:        cfg.Judge.PackTTL.Std(),
	})
	if err != nil {
		return fmt.Errorf("init pack cache: %w", err)
	}

	dispatcher := service.NewJudgeService(service.Config{
		Topic:           cfg.Judge.Topic,
		PriorityTopic:   cfg.Judge.PriorityTopic,
		PriorityWeight:  cfg.Judge.PriorityWeight,
		DeadLetterTopic: cfg.Judge.DeadLetterTopic,
		ConsumerGroup:   cfg.Judge.ConsumerGroup,
		Concurrency:     cfg.Judge.Concurrency,
		MaxRetries:      cfg.Judge.MaxRetries,
		RetryDelay:      cfg.Judge.RetryDelay.Std(),
		SlotWaitTimeout: cfg.Judge.SlotWaitTimeout.Std(),
		WorkRoot:        cfg.Judge.WorkRoot,
		SourceBucket:    cfg.MinIO.SourceBucket,
	}, queue, worker, packCache, objectStore, sink, statusRepo)

	// Read-only HTTP API.
	handler := server.NewHandler(
		repository.NewSubmissionRepository(database),
		statusRepo,
		scorer,
		database,
	)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "dispatcher starting",
			zap.String("topic", cfg.Judge.Topic),
			zap.Int("concurrency", cfg.Judge.Concurrency))
		errCh <- dispatcher.Run(ctx)
	}()
	go func() {
		logger.Info(ctx, "http server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			stop()
			shutdownHTTP(httpServer)
			return err
		}
	}

	shutdownHTTP(httpServer)
	return nil
}

func shutdownHTTP(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "http shutdown failed", zap.Error(err))
	}
}
