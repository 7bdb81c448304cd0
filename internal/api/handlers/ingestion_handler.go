package handlers

import (
	"context"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/ingestion"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/pkg/logger"
)

// ReportReader lists persisted run reports.
type ReportReader interface {
	ListRunReports(ctx context.Context, sourceID string, limit int) ([]models.RunReport, error)
}

// CacheInvalidator drops cached query responses after the index changes.
type CacheInvalidator interface {
	InvalidateQueries(ctx context.Context) error
}

// IngestionHandler triggers pipeline runs and exposes their reports. Runs
// are serialized per process: overlapping runs against the same bookmark
// would race on the watermark.
type IngestionHandler struct {
	pipeline *ingestion.Pipeline
	reports  ReportReader

	// Cache, when set, is invalidated after a run that processed documents.
	Cache CacheInvalidator

	mu      sync.Mutex
	running bool
}

func NewIngestionHandler(pipeline *ingestion.Pipeline, reports ReportReader) *IngestionHandler {
	return &IngestionHandler{
		pipeline: pipeline,
		reports:  reports,
	}
}

func (h *IngestionHandler) TriggerRun(c *fiber.Ctx) error {
	var req struct {
		SourceID string `json:"source_id"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.SourceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "source_id is required",
		})
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "an ingestion run is already in progress",
		})
	}
	h.running = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
		}()

		report, err := h.pipeline.Run(context.Background(), req.SourceID)
		if err != nil {
			logger.Error("Ingestion run failed",
				zap.String("source_id", req.SourceID),
				zap.Error(err),
			)
			return
		}

		logger.Info("Ingestion run finished",
			zap.String("run_id", report.RunID),
			zap.String("source_id", report.SourceID),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)

		if h.Cache != nil && report.Processed > 0 {
			if err := h.Cache.InvalidateQueries(context.Background()); err != nil {
				logger.Warn("Failed to invalidate query cache", zap.Error(err))
			}
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"source_id": req.SourceID,
		"status":    "started",
	})
}

func (h *IngestionHandler) ListRuns(c *fiber.Ctx) error {
	sourceID := c.Query("source_id")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 200",
			})
		}
		limit = parsed
	}

	reports, err := h.reports.ListRunReports(c.Context(), sourceID, limit)
	if err != nil {
		logger.Error("Failed to list run reports", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load run reports",
		})
	}

	runs := make([]fiber.Map, 0, len(reports))
	for _, r := range reports {
		runs = append(runs, fiber.Map{
			"run_id":            r.RunID,
			"source_id":         r.SourceID,
			"window_start":      r.WindowStart,
			"window_end":        r.WindowEnd,
			"extracted":         r.Extracted,
			"deduplicated":      r.Deduplicated,
			"processed":         r.Processed,
			"skipped":           r.Skipped,
			"failed":            r.Failed,
			"bookmark_advanced": r.BookmarkAdvanced,
			"duration_ms":       r.DurationMS,
			"failures":          r.Failures,
			"started_at":        r.StartedAt,
		})
	}

	return c.JSON(fiber.Map{"runs": runs})
}
