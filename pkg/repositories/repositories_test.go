package repositories_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getTestDB connects to the database named by DB_HOST and migrates it; the test is skipped when DB_HOST is unset
func getTestDB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		t.Skip("DB_HOST not set")
	}

	cfg := database.Config{
		Host:     dbHost,
		Port:     envOr("DB_PORT", "5432"),
		User:     envOr("DB_USER_NAME", "user"),
		Password: envOr("DB_PASSWORD", "password"),
		Name:     envOr("DB_NAME", "fern"),
		SSLMode:  "disable",
	}
	db, err := sqlx.Connect("postgres", cfg.DSN())
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	migrator := database.NewMigrator(database.MigrationConfig{Dir: "../../db/migrations"}, getTestLogger())
	require.NoError(t, migrator.Up(db, cfg.Name))

	return database.NewDatabaseInstance(db, getTestLogger())
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func createPlanExecution(t *testing.T, ctx context.Context, repo *repositories.PlanExecutionRepository) *models.PlanExecution {
	t.Helper()
	execution := &models.PlanExecution{
		ID:     uuid.New().String(),
		Status: models.StatusRunning,
		Plan: models.Plan{
			Name:           "repo-test",
			StartingNodeID: "start",
			Nodes:          map[string]models.PlanNode{"start": {ID: "start", Identifier: "start", StepType: "NOOP"}},
		},
		StartTs: time.Now().UnixMilli(),
	}
	require.NoError(t, repo.Create(ctx, execution))
	return execution
}

func TestPlanExecutionRepository_StatusCAS(t *testing.T) {
	db := getTestDB(t)
	repo := repositories.NewPlanExecutionRepository(db, getTestLogger())
	ctx := context.Background()

	execution := createPlanExecution(t, ctx, repo)

	ok, err := repo.UpdateStatus(ctx, execution.ID, models.StatusSucceeded, []models.Status{models.StatusRunning})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, execution.ID, models.StatusFailed, []models.Status{models.StatusRunning})
	require.NoError(t, err)
	assert.False(t, ok)

	fetched, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, fetched.Status)
	assert.NotNil(t, fetched.EndTs)
	assert.Equal(t, "start", fetched.Plan.StartingNodeID)

	_, err = repo.GetByID(ctx, uuid.New().String())
	assertNotFound(t, err)
}

func TestNodeExecutionRepository_Update(t *testing.T) {
	db := getTestDB(t)
	logger := getTestLogger()
	plans := repositories.NewPlanExecutionRepository(db, logger)
	repo := repositories.NewNodeExecutionRepository(db, logger)
	ctx := context.Background()

	execution := createPlanExecution(t, ctx, plans)
	node := &models.NodeExecution{
		ID:              uuid.New().String(),
		PlanExecutionID: execution.ID,
		PlanNode:        execution.Plan.Nodes["start"],
		Status:          models.StatusQueued,
		Mode:            models.ModeSync,
	}
	require.NoError(t, repo.Create(ctx, node))

	updated, err := repo.Update(ctx, node.ID, []models.Status{models.StatusQueued}, func(n *models.NodeExecution) {
		n.Status = models.StatusRunning
		n.Outcome = map[string]any{"k": "v"}
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusRunning, updated.Status)

	stale, err := repo.Update(ctx, node.ID, []models.Status{models.StatusQueued}, func(n *models.NodeExecution) {
		n.Status = models.StatusFailed
	})
	require.NoError(t, err)
	assert.Nil(t, stale)

	fetched, err := repo.GetByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, fetched.Status)
	assert.Equal(t, "v", fetched.Outcome["k"])

	nodes, err := repo.ListByPlanExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestWaitNotifyRepository_ResponsesAndQueues(t *testing.T) {
	db := getTestDB(t)
	repo := repositories.NewWaitNotifyRepository(db, getTestLogger())
	ctx := context.Background()

	correlationID := uuid.New().String()
	instance := &models.WaitInstance{
		CorrelationIDs: []string{correlationID},
		Callback:       models.CallbackRef{Type: "test"},
		Status:         models.WaitStatusWaiting,
	}
	require.NoError(t, repo.CreateWaitInstance(ctx, instance, []models.WaitQueue{{CorrelationID: correlationID}}))

	first := &models.NotifyResponse{CorrelationID: correlationID, Payload: json.RawMessage(`{"a":1}`)}
	created, err := repo.SaveNotifyResponse(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := &models.NotifyResponse{CorrelationID: correlationID, Payload: json.RawMessage(`{"a":2}`)}
	created, err = repo.SaveNotifyResponse(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	deleted, err := repo.DeleteOrphanNotifyResponses(ctx, []string{correlationID}, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted, "a response with waiters is not an orphan")

	require.NoError(t, repo.DeleteWaitQueues(ctx, instance.ID, nil))
	deleted, err = repo.DeleteOrphanNotifyResponses(ctx, []string{correlationID}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	ok, err := repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusWaiting, models.WaitStatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := repo.GetWaitInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedAt)

	stale, err := repo.ListStaleClaims(ctx, claimed.ClaimedAt.Add(-time.Second), 0)
	require.NoError(t, err)
	for _, w := range stale {
		assert.NotEqual(t, instance.ID, w.ID, "claim is newer than the cutoff")
	}
	stale, err = repo.ListStaleClaims(ctx, claimed.ClaimedAt.Add(time.Second), 0)
	require.NoError(t, err)
	assert.Contains(t, waitIDs(stale), instance.ID)

	ok, err = repo.UpdateWaitInstanceStatus(ctx, instance.ID, models.WaitStatusProcessing, models.WaitStatusWaiting)
	require.NoError(t, err)
	assert.True(t, ok)
	released, err := repo.GetWaitInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Nil(t, released.ClaimedAt)
}

func waitIDs(instances []models.WaitInstance) []string {
	ids := make([]string, 0, len(instances))
	for _, w := range instances {
		ids = append(ids, w.ID)
	}
	return ids
}
