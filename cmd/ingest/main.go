package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/bookmark"
	"github.com/housing-intel/backend/internal/enrichment"
	"github.com/housing-intel/backend/internal/ingestion"
	"github.com/housing-intel/backend/internal/llm"
	"github.com/housing-intel/backend/internal/metrics"
	"github.com/housing-intel/backend/internal/storage/sqlite"
	"github.com/housing-intel/backend/internal/vector/milvus"
	"github.com/housing-intel/backend/pkg/config"
	appLogger "github.com/housing-intel/backend/pkg/logger"
)

func main() {
	os.Exit(run())
}

// run keeps deferred cleanup ahead of the process exit code.
func run() int {
	sources := flag.String("sources", "", "comma-separated source IDs to ingest")
	flag.Parse()

	if *sources == "" {
		fmt.Println("Usage: ingest -sources <source_id>[,<source_id>...]")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return 1
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		return 1
	}
	defer appLogger.Sync()

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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := milvusClient.EnsureCollection(ctx); err != nil {
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

	exitCode := 0
	for _, sourceID := range strings.Split(*sources, ",") {
		sourceID = strings.TrimSpace(sourceID)
		if sourceID == "" {
			continue
		}

		report, err := pipeline.Run(ctx, sourceID)
		if err != nil {
			appLogger.Error("Ingestion run failed",
				zap.String("source_id", sourceID),
				zap.Error(err),
			)
			exitCode = 1
			if ctx.Err() != nil {
				break
			}
			continue
		}

		appLogger.Info("Ingestion run finished",
			zap.String("run_id", report.RunID),
			zap.String("source_id", report.SourceID),
			zap.Int("extracted", report.Extracted),
			zap.Int("deduplicated", report.Deduplicated),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Bool("bookmark_advanced", report.BookmarkAdvanced),
			zap.Int("duration_ms", report.DurationMS),
		)
	}

	return exitCode
}
