package app

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/steps"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.KafkaLifecycleEnabled = false

	local, err := NewLocal(cfg, getTestLogger())
	require.NoError(t, err)
	return local
}

func forkPlan(script string) models.Plan {
	return models.Plan{
		Name:           "local",
		StartingNodeID: "root",
		Nodes: map[string]models.PlanNode{
			"root": {ID: "root", Identifier: "root", StepType: steps.TypeFork,
				StepParameters: map[string]any{"children": []any{"noop", "shell"}}},
			"noop": {ID: "noop", Identifier: "noop", StepType: steps.TypeNoop},
			"shell": {ID: "shell", Identifier: "shell", StepType: steps.TypeShellScript,
				StepParameters: map[string]any{"script": script}},
		},
	}
}

func statusesByIdentifier(nodes []models.NodeExecution) map[string]models.Status {
	out := make(map[string]models.Status, len(nodes))
	for _, n := range nodes {
		out[n.PlanNode.Identifier] = n.Status
	}
	return out
}

func TestLocalRun_Succeeds(t *testing.T) {
	local := newTestLocal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := local.Run(ctx, forkPlan("echo done"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, result.Execution.Status)
	assert.Equal(t, map[string]models.Status{
		"root":  models.StatusSucceeded,
		"noop":  models.StatusSucceeded,
		"shell": models.StatusSucceeded,
	}, statusesByIdentifier(result.Nodes))
}

func TestLocalRun_FailingScriptFailsPlan(t *testing.T) {
	local := newTestLocal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := local.Run(ctx, forkPlan("exit 2"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, result.Execution.Status)
	statuses := statusesByIdentifier(result.Nodes)
	assert.Equal(t, models.StatusFailed, statuses["shell"])
	assert.Equal(t, models.StatusSucceeded, statuses["noop"])
}

func TestLocalRun_CancelAbortsPlan(t *testing.T) {
	local := newTestLocal(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	result, err := local.Run(ctx, forkPlan("sleep 30"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusAborted, result.Execution.Status)
	for _, n := range result.Nodes {
		assert.True(t, n.Status.IsTerminal(), "node %s is %s", n.PlanNode.Identifier, n.Status)
	}
}
