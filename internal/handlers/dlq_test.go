package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

type fakeDLQ struct {
	entries   []redis.DLQEntry
	requested int64
	deleted   []string
}

func (f *fakeDLQ) List(_ context.Context, count int64) ([]redis.DLQEntry, error) {
	f.requested = count
	return f.entries, nil
}

func (f *fakeDLQ) Get(_ context.Context, id string) (*redis.DLQEntry, error) {
	for i := range f.entries {
		if f.entries[i].MessageID == id {
			return &f.entries[i], nil
		}
	}
	return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s does not exist", id)
}

func (f *fakeDLQ) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeDLQ) Count(context.Context) (int64, error) {
	return int64(len(f.entries)), nil
}

func (f *fakeDLQ) Stats(context.Context) (*redis.DLQStats, error) {
	return &redis.DLQStats{Total: int64(len(f.entries)), ByType: map[string]int64{"node_start": 1}}, nil
}

func newDLQServer(dlq *fakeDLQ, requeued *[]string) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(getTestLogger())
	h := NewDLQHandler(dlq, func(_ context.Context, id string) error {
		*requeued = append(*requeued, id)
		return nil
	}, getTestLogger())
	h.RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestDLQHandler_ListFilters(t *testing.T) {
	dlq := &fakeDLQ{entries: []redis.DLQEntry{
		{MessageID: "1-0", JobType: "node_start", NodeExecutionID: "n-1"},
		{MessageID: "2-0", JobType: "notify_event", WaitInstanceID: "w-1"},
		{MessageID: "3-0", JobType: "node_start", NodeExecutionID: "n-2"},
	}}
	var requeued []string
	e := newDLQServer(dlq, &requeued)

	rec := do(e, http.MethodGet, "/api/v1/dlq?job_type=node_start&count=5000")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DLQListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.EqualValues(t, 3, resp.Total)
	assert.EqualValues(t, maxDLQPage, dlq.requested)

	rec = do(e, http.MethodGet, "/api/v1/dlq?node_execution_id=n-2")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "3-0", resp.Entries[0].MessageID)
}

func TestDLQHandler_ListRejectsBadCount(t *testing.T) {
	var requeued []string
	e := newDLQServer(&fakeDLQ{}, &requeued)

	rec := do(e, http.MethodGet, "/api/v1/dlq?count=-4")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQHandler_GetMissingIs404(t *testing.T) {
	var requeued []string
	e := newDLQServer(&fakeDLQ{}, &requeued)

	rec := do(e, http.MethodGet, "/api/v1/dlq/9-9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQHandler_RetryDeleteAndStats(t *testing.T) {
	dlq := &fakeDLQ{entries: []redis.DLQEntry{{MessageID: "1-0", JobType: "node_start"}}}
	var requeued []string
	e := newDLQServer(dlq, &requeued)

	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/api/v1/dlq/1-0/retry").Code)
	assert.Equal(t, []string{"1-0"}, requeued)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/v1/dlq/1-0").Code)
	assert.Equal(t, []string{"1-0"}, dlq.deleted)

	rec := do(e, http.MethodGet, "/api/v1/dlq/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats redis.DLQStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats.ByType["node_start"])
}
