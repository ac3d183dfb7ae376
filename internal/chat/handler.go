package chat

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// HistoryReader reads recent room history.
type HistoryReader interface {
	History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
}

// Handler serves chat history over HTTP.
type Handler struct {
	history HistoryReader
	logger  *zap.Logger
}

// NewHandler creates a chat history handler.
func NewHandler(history HistoryReader, logger *zap.Logger) *Handler {
	return &Handler{history: history, logger: logger}
}

// GetHistory handles GET /streams/:id/chat?limit=n.
func (h *Handler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := h.history.History(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("load chat history", zap.String("stream_id", id), zap.Error(err))
		response.ServiceUnavailable(c, "chat history unavailable")
		return
	}
	response.OK(c, gin.H{"roomId": id, "messages": msgs})
}
