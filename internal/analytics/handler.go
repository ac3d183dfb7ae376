package analytics

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/response"
)

// Reader is the read projection served over HTTP.
type Reader interface {
	Get(ctx context.Context, streamID string) (*models.StreamAnalytics, error)
}

// Handler handles GET /streams/:id/analytics.
type Handler struct {
	repo   Reader
	logger *zap.Logger
}

// NewHandler creates an analytics handler.
func NewHandler(repo Reader, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// GetByStream handles GET /streams/:id/analytics (JWT required, enforced by route middleware).
func (h *Handler) GetByStream(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "invalid stream id")
		return
	}
	a, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("load analytics", zap.String("stream_id", id), zap.Error(err))
		response.Internal(c, "failed to load analytics")
		return
	}
	if a == nil {
		response.NotFound(c, "analytics not found")
		return
	}
	response.OK(c, gin.H{"analytics": a})
}
