package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/aggregate"
	"github.com/refusal-audit/pipeline/internal/catalog"
	"github.com/refusal-audit/pipeline/internal/storage/sqlite"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// ReportHandler recomputes disparity reports on demand from the stored
// records. Reports are derived views, never persisted state.
type ReportHandler struct {
	db      *sqlite.Client
	catalog *catalog.Catalog
	opts    aggregate.Options
}

func NewReportHandler(db *sqlite.Client, cat *catalog.Catalog, opts aggregate.Options) *ReportHandler {
	return &ReportHandler{
		db:      db,
		catalog: cat,
		opts:    opts,
	}
}

func (h *ReportHandler) HandleReport(c *fiber.Ctx) error {
	runID := c.Query("run_id")
	axisName := c.Query("axis")
	if runID == "" || axisName == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "run_id and axis are required",
		})
	}

	axis, err := h.catalog.Axis(axisName)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	prompts, err := h.db.ListPrompts()
	if err != nil {
		logger.Error("Failed to load prompts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load records",
		})
	}

	requests, err := h.db.ListRequests(runID)
	if err != nil {
		logger.Error("Failed to load requests", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load records",
		})
	}

	results, err := h.db.ListResults(runID)
	if err != nil {
		logger.Error("Failed to load results", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load records",
		})
	}

	evaluations, err := h.db.ListEvaluations(runID)
	if err != nil {
		logger.Error("Failed to load evaluations", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load records",
		})
	}

	values := make([]string, 0, len(axis.Values))
	for _, v := range axis.Values {
		values = append(values, v.Name)
	}

	report, err := aggregate.Aggregate(axis.Name, values, prompts, requests, results, evaluations, h.opts)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(report)
}
