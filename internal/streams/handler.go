package streams

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/response"
)

// Store is the stream persistence the handler needs.
type Store interface {
	Create(ctx context.Context, s *models.Stream) error
	GetByID(ctx context.Context, id string) (*models.Stream, error)
	GetByKey(ctx context.Context, key string) (*models.Stream, error)
	ListActive(ctx context.Context) ([]models.Stream, error)
	ListByUser(ctx context.Context, userID string) ([]models.Stream, error)
}

// LiveController flips a stream's live state through the presence tracker, so it is
// ordered with the stream's viewer updates.
type LiveController interface {
	GoLive(ctx context.Context, streamID string) error
	EndStream(ctx context.Context, streamID string) error
}

// RoomCloser ends a stream's chat room.
type RoomCloser interface {
	CloseRoom(streamID string)
}

// RecordingQueue schedules recording uploads.
type RecordingQueue interface {
	EnqueueRecordingUpload(ctx context.Context, payload queue.RecordingUploadPayload) error
}

// CreateRequest is the body for POST /streams.
type CreateRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description" binding:"max=2000"`
}

// Handler handles stream HTTP endpoints and ingest webhooks.
type Handler struct {
	store      Store
	live       LiveController
	rooms      RoomCloser
	recordings RecordingQueue
	logger     *zap.Logger
}

// NewHandler creates a stream handler. recordings may be nil to skip uploads.
func NewHandler(store Store, live LiveController, rooms RoomCloser, recordings RecordingQueue, logger *zap.Logger) *Handler {
	return &Handler{store: store, live: live, rooms: rooms, recordings: recordings, logger: logger}
}

// Create handles POST /streams (JWT). The response carries the ingest key.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s := &models.Stream{
		UserID:      middleware.UserID(c),
		StreamKey:   uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create stream", zap.String("user_id", s.UserID), zap.Error(err))
		response.Internal(c, "failed to create stream")
		return
	}
	response.Created(c, gin.H{"stream": s})
}

// ListActive handles GET /streams/active.
func (h *Handler) ListActive(c *gin.Context) {
	list, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		h.logger.Error("list active streams", zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	response.OK(c, gin.H{"streams": publicAll(list)})
}

// ListByUser handles GET /streams/user/:userId (JWT). Keys are shown to their owner only.
func (h *Handler) ListByUser(c *gin.Context) {
	userID := c.Param("userId")
	list, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list user streams", zap.String("user_id", userID), zap.Error(err))
		response.Internal(c, "failed to list streams")
		return
	}
	if middleware.UserID(c) != userID {
		list = publicAll(list)
	}
	response.OK(c, gin.H{"streams": list})
}

// GetByID handles GET /streams/:id.
func (h *Handler) GetByID(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"stream": s.Public()})
}

// Viewers handles GET /streams/:id/viewers.
func (h *Handler) Viewers(c *gin.Context) {
	s, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"stream_id": s.ID, "viewers": s.Viewers, "is_live": s.IsLive})
}

func (h *Handler) load(c *gin.Context) (*models.Stream, bool) {
	id := c.Param("id")
	s, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "stream not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("load stream", zap.String("stream_id", id), zap.Error(err))
		response.Internal(c, "failed to load stream")
		return nil, false
	}
	return s, true
}

// OnPublish handles POST /streams/auth, the ingest server's publish hook. The form field
// name carries the stream key; an unknown key is refused with 403.
func (h *Handler) OnPublish(c *gin.Context) {
	key := c.PostForm("name")
	s, err := h.store.GetByKey(c.Request.Context(), key)
	if errors.Is(err, ErrNotFound) {
		c.String(http.StatusForbidden, "Invalid stream key")
		return
	}
	if err != nil {
		h.logger.Error("publish hook lookup", zap.Error(err))
		c.String(http.StatusInternalServerError, "Error")
		return
	}
	if err := h.live.GoLive(c.Request.Context(), s.ID); err != nil {
		h.logger.Error("mark stream live", zap.String("stream_id", s.ID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Error")
		return
	}
	c.String(http.StatusOK, "OK")
}

// OnDone handles POST /streams/complete, the ingest server's done hook: the stream ends,
// its room closes and the recording is queued for upload. Unknown keys are ignored.
func (h *Handler) OnDone(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.PostForm("name")
	s, err := h.store.GetByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		c.String(http.StatusOK, "OK")
		return
	}
	if err != nil {
		h.logger.Error("done hook lookup", zap.Error(err))
		c.String(http.StatusInternalServerError, "Error")
		return
	}
	if err := h.live.EndStream(ctx, s.ID); err != nil {
		h.logger.Error("end stream", zap.String("stream_id", s.ID), zap.Error(err))
		c.String(http.StatusInternalServerError, "Error")
		return
	}
	h.rooms.CloseRoom(s.ID)
	if h.recordings != nil {
		if err := h.recordings.EnqueueRecordingUpload(ctx, queue.RecordingUploadPayload{StreamID: s.ID, StreamKey: s.StreamKey}); err != nil {
			h.logger.Error("enqueue recording upload", zap.String("stream_id", s.ID), zap.Error(err))
		}
	}
	c.String(http.StatusOK, "OK")
}

func publicAll(list []models.Stream) []models.Stream {
	out := make([]models.Stream, len(list))
	for i, s := range list {
		out[i] = s.Public()
	}
	return out
}
