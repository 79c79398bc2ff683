package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gearbot/msglog/internal/domain/messagelog"
)

// BufferHandler exposes the write buffer and flush coordinator to operators.
type BufferHandler struct {
	buffer  *messagelog.Buffer
	flusher *messagelog.Flusher
	logger  *zap.Logger
}

func NewBufferHandler(buffer *messagelog.Buffer, flusher *messagelog.Flusher, logger *zap.Logger) *BufferHandler {
	return &BufferHandler{
		buffer:  buffer,
		flusher: flusher,
		logger:  logger,
	}
}

type FlushResponse struct {
	ID         string   `json:"id"`
	Captured   int      `json:"captured"`
	Inserted   int      `json:"inserted"`
	Excluded   []string `json:"excluded"`
	Attempts   int      `json:"attempts"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type BufferResponse struct {
	messagelog.BufferStats
	Threshold     int       `json:"threshold"`
	FlushInterval string    `json:"flush_interval"`
	LastFlush     time.Time `json:"last_flush"`
}

// Flush handles POST /api/v1/flush: a forced flush of everything buffered.
func (h *BufferHandler) Flush(c *gin.Context) {
	res, err := h.flusher.Flush(c.Request.Context(), true)

	resp := FlushResponse{
		ID:         res.ID,
		Captured:   res.Captured,
		Inserted:   res.Inserted,
		Excluded:   make([]string, 0, len(res.Excluded)),
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
	}
	for _, id := range res.Excluded {
		resp.Excluded = append(resp.Excluded, formatID(id))
	}

	if err != nil {
		h.logger.Warn("Manual flush failed", zap.Error(err))
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Stats handles GET /api/v1/buffer.
func (h *BufferHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, BufferResponse{
		BufferStats:   h.buffer.Stats(),
		Threshold:     h.buffer.Threshold(),
		FlushInterval: h.flusher.Interval().String(),
		LastFlush:     h.flusher.LastFlush(),
	})
}
