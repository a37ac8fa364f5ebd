package handlers

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/redis"
)

const (
	defaultDLQPage = 100
	maxDLQPage     = 1000
)

// DeadLetters is the dead letter queue the handler administers
type DeadLetters interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Count(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*redis.DLQStats, error)
}

// Requeuer puts a dead-lettered job back on the work queue
type Requeuer func(ctx context.Context, messageID string) error

// DLQHandler lets operators inspect node_start and notify_event jobs the queue gave up on
type DLQHandler struct {
	dlq     DeadLetters
	requeue Requeuer
	logger  ectologger.Logger
}

func NewDLQHandler(dlq DeadLetters, requeue Requeuer, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{dlq: dlq, requeue: requeue, logger: logger}
}

type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

// List returns dead letter queue entries, oldest first.
// A job_type or node_execution_id query narrows the page.
// GET /api/v1/dlq
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := IntQuery(c, "count", defaultDLQPage, maxDLQPage)
	if err != nil {
		return err
	}

	entries, err := h.dlq.List(ctx, count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return err
	}

	jobType := c.QueryParam("job_type")
	nodeExecutionID := c.QueryParam("node_execution_id")
	filtered := ectolinq.Filter(entries, func(entry redis.DLQEntry) bool {
		return (jobType == "" || entry.JobType == jobType) &&
			(nodeExecutionID == "" || entry.NodeExecutionID == nodeExecutionID)
	})
	if filtered == nil {
		filtered = []redis.DLQEntry{}
	}

	total, err := h.dlq.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to count DLQ entries")
	}

	return c.JSON(http.StatusOK, DLQListResponse{
		Entries: filtered,
		Count:   len(filtered),
		Total:   total,
	})
}

// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	messageID, err := RequiredParam(c, "id")
	if err != nil {
		return err
	}
	entry, err := h.dlq.Get(c.Request().Context(), messageID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// Retry re-enqueues a DLQ entry with its attempts reset
// POST /api/v1/dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	messageID, err := RequiredParam(c, "id")
	if err != nil {
		return err
	}

	if err := h.requeue(ctx, messageID); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("message_id", messageID).Error("Failed to retry DLQ entry")
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":  "retried",
		"message": "Job re-enqueued successfully",
	})
}

// DELETE /api/v1/dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	messageID, err := RequiredParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.dlq.Delete(c.Request().Context(), messageID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := h.dlq.Stats(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get DLQ stats")
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}
