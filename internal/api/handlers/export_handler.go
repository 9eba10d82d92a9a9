package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/backends"
	"github.com/refusal-audit/pipeline/internal/export"
	"github.com/refusal-audit/pipeline/internal/storage/sqlite"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// ExportHandler serves the read-only survey feed consumed by the
// human-evaluation web app: stable-keyed (source, artifact, attribute)
// triples plus the artifacts themselves.
type ExportHandler struct {
	db        *sqlite.Client
	artifacts *backends.ArtifactStore
}

func NewExportHandler(db *sqlite.Client, artifacts *backends.ArtifactStore) *ExportHandler {
	return &ExportHandler{
		db:        db,
		artifacts: artifacts,
	}
}

func (h *ExportHandler) HandleSurveyItems(c *fiber.Ctx) error {
	runID := c.Query("run_id")
	if runID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "run_id is required",
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

	items := export.BuildSurveyItems(prompts, requests, results)

	return c.JSON(fiber.Map{
		"run_id": runID,
		"count":  len(items),
		"items":  items,
	})
}

func (h *ExportHandler) HandleArtifact(c *fiber.Ctx) error {
	ref := c.Params("ref")
	if ref == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "artifact ref is required",
		})
	}

	data, err := h.artifacts.Get(ref)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "artifact not found",
		})
	}

	c.Set("Content-Type", "image/png")
	return c.Send(data)
}
