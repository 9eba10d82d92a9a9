package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/refusal-audit/pipeline/internal/orchestrator"
	"github.com/refusal-audit/pipeline/pkg/logger"
)

// ProgressHandler streams orchestrator progress events to the review tool
// over a websocket, one JSON message per committed result.
type ProgressHandler struct {
	events <-chan orchestrator.Event
}

func NewProgressHandler(events <-chan orchestrator.Event) *ProgressHandler {
	return &ProgressHandler{events: events}
}

func (h *ProgressHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Progress stream connected")

	defer func() {
		c.Close()
		logger.Info("Progress stream closed")
	}()

	for event := range h.events {
		if err := c.WriteJSON(event); err != nil {
			logger.Warn("Failed to write progress event", zap.Error(err))
			return
		}
	}

	c.WriteJSON(map[string]string{"type": "complete"})
}
