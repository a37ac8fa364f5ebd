package nodeexecution_test

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/repositories/memory"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newService(t *testing.T, nodes ...*models.NodeExecution) *nodeexecution.Service {
	t.Helper()
	store := memory.NewStore()
	svc := nodeexecution.NewService(store.NodeExecutions(), getTestLogger())
	for _, n := range nodes {
		require.NoError(t, svc.Save(context.Background(), n))
	}
	return svc
}

func TestUpdateStatusWithOps_SetsEndTsOnTerminal(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusQueued, Mode: models.ModeSync})
	ctx := context.Background()

	running, err := svc.UpdateStatusWithOps(ctx, "n1", models.StatusRunning, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.NotZero(t, running.StartTs)
	assert.Nil(t, running.EndTs)

	done, err := svc.UpdateStatusWithOps(ctx, "n1", models.StatusSucceeded, nil, func(n *models.NodeExecution) {
		n.Outcome = map[string]any{"ok": true}
	})
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, models.StatusSucceeded, done.Status)
	require.NotNil(t, done.EndTs)
	assert.Equal(t, true, done.Outcome["ok"])
}

func TestUpdateStatusWithOps_TerminalIsImmutable(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusRunning})
	ctx := context.Background()

	first, err := svc.UpdateStatusWithOps(ctx, "n1", models.StatusAborted, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.UpdateStatusWithOps(ctx, "n1", models.StatusFailed, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, second, "a terminal node must not change status")

	node, err := svc.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAborted, node.Status)
	assert.Equal(t, first.EndTs, node.EndTs)
}

func TestUpdateStatusWithOps_IllegalTransitionIsStale(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusDiscontinuing})

	updated, err := svc.UpdateStatusWithOps(context.Background(), "n1", models.StatusSucceeded, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestUpdateStatusWithOps_ConcurrentRaceHasOneWinner(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusRunning})
	ctx := context.Background()

	results := make(chan *models.NodeExecution, 2)
	for _, target := range []models.Status{models.StatusAborted, models.StatusExpired} {
		go func(target models.Status) {
			updated, _ := svc.UpdateStatusWithOps(ctx, "n1", target, []models.Status{models.StatusRunning}, nil)
			results <- updated
		}(target)
	}

	winners := 0
	for i := 0; i < 2; i++ {
		if <-results != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestAppendInterruptHistory_AllowedOnTerminal(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusFailed})

	updated, err := svc.AppendInterruptHistory(context.Background(), "n1", models.InterruptEffect{
		InterruptID: "i1",
		Type:        models.InterruptTypeRetry,
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Len(t, updated.InterruptHistories, 1)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.False(t, updated.InterruptHistories[0].CreatedAt.IsZero())
}

func TestUpdateWithOps_CannotChangeStatus(t *testing.T) {
	svc := newService(t, &models.NodeExecution{ID: "n1", Status: models.StatusRunning})

	updated, err := svc.UpdateWithOps(context.Background(), "n1", func(n *models.NodeExecution) {
		n.Status = models.StatusSucceeded
		n.ExecutableResponse = &models.ExecutableResponse{Mode: models.ModeTask, Task: &models.TaskExecutableResponse{TaskID: "t1"}}
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusRunning, updated.Status)
	assert.Equal(t, "t1", updated.TaskID())
}

func TestFetchChildren_ExcludesRetriedOriginals(t *testing.T) {
	svc := newService(t,
		&models.NodeExecution{ID: "a", ParentID: "p", Status: models.StatusFailed},
		&models.NodeExecution{ID: "a-retry", ParentID: "p", Status: models.StatusQueued, RetryIDs: []string{"a"}},
		&models.NodeExecution{ID: "b", ParentID: "p", Status: models.StatusSucceeded},
		&models.NodeExecution{ID: "c", ParentID: "other", Status: models.StatusSucceeded},
	)

	children, err := svc.FetchChildren(context.Background(), "p")
	require.NoError(t, err)

	ids := []string{}
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"a-retry", "b"}, ids)
}

func TestMarkDiscontinuing(t *testing.T) {
	svc := newService(t,
		&models.NodeExecution{ID: "running", Status: models.StatusRunning},
		&models.NodeExecution{ID: "done", Status: models.StatusSucceeded},
	)
	ctx := context.Background()

	updated, err := svc.MarkDiscontinuing(ctx, "running")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, models.StatusDiscontinuing, updated.Status)
	assert.Nil(t, updated.EndTs)

	stale, err := svc.MarkDiscontinuing(ctx, "done")
	require.NoError(t, err)
	assert.Nil(t, stale)
}
