package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func testContext() *Context {
	node := models.PlanNode{
		ID:             "deploy",
		Identifier:     "deploy",
		StepType:       "SHELL_SCRIPT",
		StepParameters: map[string]any{"env": "prod", "replicas": 3},
	}
	ambiance := models.Ambiance{
		PlanExecutionID: "plan-1",
		Levels:          []models.Level{{RuntimeID: "r1", Identifier: "root"}, {RuntimeID: "r2", Identifier: "deploy"}},
	}
	return NewContext(node, ambiance).WithOutcomes([]models.NodeExecution{
		{PlanNode: models.PlanNode{Identifier: "build"}, Status: models.StatusSucceeded, Outcome: map[string]any{"version": "1.2.3"}},
		{PlanNode: models.PlanNode{Identifier: "test"}, Status: models.StatusFailed},
		{PlanNode: models.PlanNode{Identifier: "lint"}, Status: models.StatusRunning},
	})
}

func TestShouldRun(t *testing.T) {
	e := NewEvaluator()
	data := testContext().ToMap()

	tests := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"   ", true},
		{"outcomes.build.status == 'SUCCEEDED'", true},
		{"outcomes.test.status == 'SUCCEEDED'", false},
		{"outcomes.lint", false},
		{"node.parameters.env == 'prod'", true},
		{"node.parameters.replicas > `2`", true},
		{"contains(levels, 'root')", true},
		{"plan.execution_id", true},
		{"outcomes.missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := e.ShouldRun(tt.condition, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldRun_InvalidExpression(t *testing.T) {
	e := NewEvaluator()
	_, err := e.ShouldRun("outcomes.[", testContext().ToMap())
	assert.Error(t, err)
	assert.Error(t, e.Validate("outcomes.["))
	assert.NoError(t, e.Validate("outcomes.build"))
}

func TestChainContext(t *testing.T) {
	e := NewEvaluator()
	data := testContext().WithChain(models.ChainState{ChildIndex: 2, Data: map[string]any{"last_status": "FAILED"}}).ToMap()

	ok, err := e.EvaluateBool("chain.index == `2` && chain.data.last_status == 'FAILED'", data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTemplate_Render(t *testing.T) {
	tpl := NewTemplate(NewEvaluator())
	data := testContext().ToMap()

	out, err := tpl.Render("deploy {{ outcomes.build.outcome.version }} to {{node.parameters.env}}", data)
	require.NoError(t, err)
	assert.Equal(t, "deploy 1.2.3 to prod", out)

	rendered, err := tpl.RenderValue(map[string]any{
		"args": []any{"--version={{ outcomes.build.outcome.version }}", 5},
	}, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"args": []any{"--version=1.2.3", 5}}, rendered)

	assert.True(t, HasTemplates("{{ a }}"))
	assert.False(t, HasTemplates("plain"))
}
