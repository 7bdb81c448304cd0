package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/api/handlers"
	"github.com/housing-intel/backend/internal/bookmark"
	"github.com/housing-intel/backend/internal/cache/redis"
	"github.com/housing-intel/backend/internal/enrichment"
	"github.com/housing-intel/backend/internal/ingestion"
	"github.com/housing-intel/backend/internal/llm"
	"github.com/housing-intel/backend/internal/metrics"
	"github.com/housing-intel/backend/internal/middleware/ratelimit"
	"github.com/housing-intel/backend/internal/query"
	"github.com/housing-intel/backend/internal/storage/sqlite"
	"github.com/housing-intel/backend/internal/vector/milvus"
	"github.com/housing-intel/backend/pkg/config"
	appLogger "github.com/housing-intel/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Housing Intelligence API Server")

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	bookmarks, err := bookmark.NewStore(sqliteClient.DB())
	if err != nil {
		appLogger.Fatal("Failed to create bookmark store", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.EmbeddingDim,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	var responseCache query.ResponseCache
	var cacheClient *redis.Client
	var queryEmbedder query.Embedder = llmClient
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		} else {
			defer redisClient.Close()
			responseCache = redisClient
			cacheClient = redisClient
			queryEmbedder = redis.NewCachedEmbedder(llmClient, redisClient,
				time.Duration(cfg.Redis.QueryTTL)*time.Second)
		}
	}

	metrics.Init()

	enricher := enrichment.NewEngine(sqliteClient, cfg.Pipeline.PriceHistoryLimit)

	pipeline := ingestion.NewPipeline(
		bookmarks,
		sqliteClient,
		enricher,
		llmClient,
		milvusClient,
		sqliteClient,
		sqliteClient,
		cfg.Pipeline.EmbedConcurrency,
	)

	queryEngine := query.NewEngine(queryEmbedder, milvusClient, llmClient, sqliteClient, responseCache, query.Config{
		TopK:              cfg.Query.TopK,
		ContextCharBudget: cfg.Query.ContextCharBudget,
		RetrievalTimeout:  time.Duration(cfg.Query.RetrievalTimeout) * time.Second,
		GenerationTimeout: time.Duration(cfg.Query.GenerationTimeout) * time.Second,
		CacheTTL:          time.Duration(cfg.Redis.QueryTTL) * time.Second,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
	})
	defer limiter.Stop()

	progressHub := handlers.NewProgressHub()
	pipeline.Progress = progressHub.Publish

	queryHandler := handlers.NewQueryHandler(queryEngine, sqliteClient)
	ingestionHandler := handlers.NewIngestionHandler(pipeline, sqliteClient)
	if cacheClient != nil {
		ingestionHandler.Cache = cacheClient
	}

	api := app.Group("/api/v1", limiter.Middleware())

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/history", queryHandler.GetQueryHistory)

	api.Post("/ingestion/runs", ingestionHandler.TriggerRun)
	api.Get("/ingestion/runs", ingestionHandler.ListRuns)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/ingestion", websocket.New(progressHub.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
