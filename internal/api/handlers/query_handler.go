package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/housing-intel/backend/internal/query"
	"github.com/housing-intel/backend/internal/storage/models"
	"github.com/housing-intel/backend/internal/vector"
	"github.com/housing-intel/backend/pkg/logger"
)

// HistoryReader lists past queries for the history endpoint.
type HistoryReader interface {
	ListQueryRecords(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type QueryHandler struct {
	engine  *query.Engine
	history HistoryReader
}

func NewQueryHandler(engine *query.Engine, history HistoryReader) *QueryHandler {
	return &QueryHandler{
		engine:  engine,
		history: history,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query   string         `json:"query"`
		Filters vector.Filters `json:"filters"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query is required",
		})
	}

	response, err := h.engine.Handle(c.Context(), query.Request{
		Query:   req.Query,
		Filters: req.Filters,
	})
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "retrieval is temporarily unavailable",
		})
	}

	return c.JSON(response)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 500",
			})
		}
		limit = parsed
	}

	records, err := h.history.ListQueryRecords(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, rec := range records {
		history = append(history, fiber.Map{
			"id":           rec.ID,
			"query":        rec.QueryText,
			"filters":      rec.Filters,
			"narrative":    rec.Narrative,
			"result_count": rec.ResultCount,
			"degraded":     rec.Degraded,
			"latency_ms":   rec.LatencyMS,
			"created_at":   rec.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{"history": history})
}
