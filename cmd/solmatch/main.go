package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/adapta/solmatch/internal/api"
	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/config"
	"github.com/adapta/solmatch/internal/coordinator"
	"github.com/adapta/solmatch/internal/embedding"
	"github.com/adapta/solmatch/internal/gateway"
	"github.com/adapta/solmatch/internal/recommend"
	msgrouter "github.com/adapta/solmatch/internal/router"
	pgstore "github.com/adapta/solmatch/internal/store"
	"github.com/adapta/solmatch/internal/usercontext"
	"github.com/adapta/solmatch/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting SolMatch...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/solmatch.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Embedding provider
	provCfg := embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case "local":
		provider = embedding.NewLocalProvider(provCfg)
	default:
		provider = embedding.NewAPIProvider(provCfg)
	}

	// Embedding cache
	var cache embedding.Cache
	switch cfg.Cache.Backend {
	case "redis":
		rc, rcErr := embedding.NewRedisCache(cfg.Cache.RedisURL, cfg.Cache.TTL(), logger)
		if rcErr != nil {
			logger.Warn("Redis unavailable, falling back to in-memory cache", zap.Error(rcErr))
			cache = embedding.NewLRUCache(cfg.Cache.Capacity, cfg.Cache.TTL())
		} else {
			cache = rc
		}
	default:
		cache = embedding.NewLRUCache(cfg.Cache.Capacity, cfg.Cache.TTL())
	}

	embedSvc := embedding.NewService(provider, cache, embedding.ServiceConfig{
		Model:            cfg.Embedding.Model,
		Dimension:        cfg.Embedding.Dimension,
		MaxBatchSize:     cfg.Embedding.MaxBatchSize,
		RetryMaxAttempts: cfg.Embedding.RetryMaxAttempts,
	}, logger)

	// Vector store
	var vstore vectorstore.Store
	var qdrantStore *vectorstore.QdrantStore
	switch cfg.VectorStore.Backend {
	case "qdrant":
		qs, qErr := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.VectorStore.Collection,
		}, cfg.Embedding.Dimension, logger)
		if qErr != nil {
			logger.Fatal("qdrant unavailable", zap.Error(qErr))
		}
		qdrantStore = qs
		vstore = qs
	default:
		vstore = vectorstore.NewMemoryStore()
		logger.Warn("using in-memory vector store; vectors are lost on restart")
	}

	// PostgreSQL store
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
		}
	}
	if pg == nil {
		logger.Fatal("PostgreSQL is required for the catalog; set database.postgres.dsn")
	}

	// User contexts
	contexts := usercontext.NewManager(pg, logger)
	if err := contexts.Load(ctx); err != nil {
		logger.Warn("loading user contexts failed", zap.Error(err))
	}

	// Background embedding coordinator
	coord := coordinator.New(embedSvc, vstore, coordinator.Config{
		QueueSize:        cfg.Coordinator.QueueSize,
		Workers:          cfg.Coordinator.Workers,
		RetryMaxAttempts: cfg.Coordinator.RetryMaxAttempts,
		Cooldown:         time.Duration(cfg.Coordinator.CooldownSeconds) * time.Second,
	}, logger)
	coord.Start()

	// Catalog and recommendation engine
	catalogSvc := catalog.NewService(pg, coord, vstore, logger)
	engine := recommend.NewEngine(embedSvc, vstore, contexts, logger)

	// Boot sweep: re-enqueue products whose vectors may be missing or stale.
	// The coordinator's version gate drops anything already current.
	go func() {
		if err := catalogSvc.Resync(ctx); err != nil {
			logger.Warn("catalog resync failed", zap.Error(err))
		}
	}()

	// Gateway: wire message router BEFORE registering adapters
	gw := gateway.NewGateway(logger)
	router := msgrouter.New(engine, gw, contexts, pg, logger)
	gw.SetHandler(router.Handle)

	restAdapter := gateway.NewRESTAdapter(logger)
	gw.Register(restAdapter)

	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}

	// HTTP server
	handler := api.NewHandler(engine, catalogSvc, contexts, coord, restAdapter, pg, logger)
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("SolMatch listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down SolMatch...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	coord.Stop()
	gw.Close()
	if qdrantStore != nil {
		qdrantStore.Close()
	}
	pg.Close()
}
