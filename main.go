// Command workflow-engine boots the durable workflow execution engine: a
// Postgres-backed instance/event store, a GORM-backed definition catalog, an
// executor registry seeded with the built-in command/http executors, a
// global concurrency semaphore (Redis-backed when REDIS_ADDR is configured,
// in-process otherwise), the Engine Loop itself, a periodic Maintenance
// Worker for stale-lease reclaim (its GC tick deletes no events), and the
// Submission API's
// HTTP+websocket server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/common"
	"eve.evalgo.org/config"
	"eve.evalgo.org/db"
	"eve.evalgo.org/engine"
	"eve.evalgo.org/eventbus"
	"eve.evalgo.org/executor"
	httputil "eve.evalgo.org/http"
	"eve.evalgo.org/httpapi"
)

func main() {
	log := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(config.NewEnvConfig("").GetString("LOG_LEVEL", "info")),
		Format:  config.NewEnvConfig("").GetString("LOG_FORMAT", "text"),
		Service: "workflow-engine",
	})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("workflow engine exited with error")
	}
}

func run(log *logrus.Logger) error {
	cfg := config.LoadEngineConfig("ENGINE")
	var err error
	if configFile := os.Getenv("ENGINE_CONFIG_FILE"); configFile != "" {
		cfg, err = config.LoadEngineConfigFile(configFile, cfg)
		if err != nil {
			return fmt.Errorf("failed to load engine config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store, err := db.NewPostgresStore(ctx, pg)
	if err != nil {
		return fmt.Errorf("failed to initialize workflow instance store: %w", err)
	}

	defs, err := db.NewDefinitionCatalog(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize definition catalog: %w", err)
	}

	if cfg.S3Bucket != "" {
		blob, err := db.NewBlobStore(ctx, cfg.S3Bucket, "", "us-east-1")
		if err != nil {
			log.WithError(err).Warn("failed to initialize blob store, node outputs will never spill")
		} else {
			store.SetBlobStore(blob)
		}
	}

	registry := executor.NewRegistry()
	if err := registry.Register(executor.LocalScope, executor.NewCommandExecutor()); err != nil {
		return fmt.Errorf("failed to register command executor: %w", err)
	}
	if err := registry.Register(executor.LocalScope, executor.NewHTTPExecutor()); err != nil {
		return fmt.Errorf("failed to register http executor: %w", err)
	}

	var sem engine.Semaphore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("failed to reach redis, falling back to in-process semaphore")
			sem = engine.NewInProcessSemaphore(cfg.GlobalInflightCap)
		} else {
			sem = engine.NewRedisSemaphore(rdb, "workflow-engine:inflight", int64(cfg.GlobalInflightCap), cfg.LeaseTTL)
		}
	} else {
		sem = engine.NewInProcessSemaphore(cfg.GlobalInflightCap)
	}

	ownerID, err := os.Hostname()
	if err != nil || ownerID == "" {
		ownerID = fmt.Sprintf("engine-%d", time.Now().UnixNano())
	}

	eng := engine.NewEngine(store, defs, registry, sem, engine.Config{
		OwnerID:                   ownerID,
		LeaseTTL:                  cfg.LeaseTTL,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		MaxConcurrencyPerInstance: cfg.DefaultMaxConcurrency,
	}, log)

	hub := httpapi.NewHub(log)
	targets := []engine.EventPublisher{hub}
	if cfg.AMQPURL != "" {
		sink, err := eventbus.NewSink(eventbus.Config{URL: cfg.AMQPURL, QueueName: "workflow-engine.events"}, log)
		if err != nil {
			log.WithError(err).Warn("failed to connect to event bus, notifications will only reach the control channel")
		} else {
			defer sink.Close()
			targets = append(targets, sink)
		}
	}
	eng.EventBus = eventbus.Fanout{Targets: targets}

	maint, err := engine.NewMaintenanceWorker(store, engine.MaintenanceConfig{
		ReclaimCronExpr:  "*/10 * * * * *",
		GCCronExpr:       "0 0 * * * *",
		StaleAfter:       cfg.StaleThreshold,
		RetentionDays:    cfg.RetentionDays,
		ReclaimBatchSize: 50,
		BoltPath:         "maintenance.db",
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize maintenance worker: %w", err)
	}
	if err := maint.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance worker: %w", err)
	}
	defer maint.Stop(context.Background())

	apiCfg := httpapi.DefaultConfig()
	if port := portFromAddr(cfg.HTTPAddr); port > 0 {
		apiCfg.Port = port
	}
	apiCfg.OIDCIssuer = cfg.AuthOIDCIssuer
	apiCfg.APIKey = os.Getenv("ENGINE_API_KEY")
	apiCfg.JWTSecret = os.Getenv("ENGINE_JWT_SECRET")
	apiCfg.JWTEnabled = apiCfg.JWTSecret != ""

	handlers := &httpapi.Handlers{Engine: eng, Store: store, Hub: hub, Log: log}
	server := httpapi.NewServer(apiCfg, handlers, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httputil.StartServer(server, apiCfg.ServerConfig)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received, draining in-flight requests")
		return httputil.GracefulShutdown(server, apiCfg.ShutdownTimeout)
	}
}

// portFromAddr extracts the numeric port from a ":8090"-style address; 0
// means "use the default" (httpapi.DefaultConfig's Port is left in place).
func portFromAddr(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}
