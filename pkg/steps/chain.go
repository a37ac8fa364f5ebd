package steps

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

const TypeRollbackChain = "ROLLBACK_CHAIN"

const (
	chainDataExecuted   = "executed"
	chainDataLastStatus = "last_status"
)

// RollbackChainStep runs its "children" one after another. A link whose run condition is false
// is passed over, the first link that does not succeed stops the chain, and a chain with
// nothing left to run suspends.
type RollbackChainStep struct{}

func (s *RollbackChainStep) Type() string { return TypeRollbackChain }

func (s *RollbackChainStep) ExecuteFirstChild(ctx context.Context, sc *StepContext) (models.ChildChainExecutableResponse, error) {
	state := models.ChainState{ChildIndex: 0, Data: map[string]any{chainDataExecuted: []any{}}}
	return s.nextRunnable(sc, state)
}

func (s *RollbackChainStep) ExecuteNextChild(ctx context.Context, sc *StepContext, state models.ChainState, last ChildResult) (models.ChildChainExecutableResponse, error) {
	if state.Data == nil {
		state.Data = map[string]any{}
	}
	executed := models.StringSlice(state.Data[chainDataExecuted])
	state.Data[chainDataExecuted] = toAnySlice(append(executed, last.Identifier))
	state.Data[chainDataLastStatus] = string(last.Status)

	if !last.Status.IsPositive() && last.Status != models.StatusSuspended {
		return models.ChildChainExecutableResponse{PassThrough: state, LastLink: true}, nil
	}

	state.ChildIndex++
	return s.nextRunnable(sc, state)
}

func (s *RollbackChainStep) FinalizeExecution(ctx context.Context, sc *StepContext, state models.ChainState) (models.StepResponse, error) {
	status := models.StatusSuspended
	if last, ok := state.Data[chainDataLastStatus].(string); ok && last != "" {
		status = models.Status(last)
	}
	if status == models.StatusSuspended {
		status = models.StatusSucceeded
	}

	resp := models.StepResponse{
		Status:  status,
		Outcome: map[string]any{chainDataExecuted: toAnySlice(models.StringSlice(state.Data[chainDataExecuted]))},
	}
	if !status.IsPositive() {
		resp.FailureInfo = &models.FailureInfo{
			Message:      fmt.Sprintf("chain stopped on a %s link", status),
			FailureTypes: []models.FailureType{models.FailureTypeApplication},
		}
	}
	return resp, nil
}

// nextRunnable finds the first link at or after state.ChildIndex whose run condition holds
func (s *RollbackChainStep) nextRunnable(sc *StepContext, state models.ChainState) (models.ChildChainExecutableResponse, error) {
	children := models.StringSlice(sc.Node.StepParameters["children"])

	for i := state.ChildIndex; i < len(children); i++ {
		node, ok := sc.Plan.Node(children[i])
		if !ok {
			return models.ChildChainExecutableResponse{}, fmt.Errorf("chain link %s is not defined", children[i])
		}

		state.ChildIndex = i
		run, err := sc.ShouldNodeRun(node, &state)
		if err != nil {
			return models.ChildChainExecutableResponse{}, fmt.Errorf("chain link %s: %w", node.Identifier, err)
		}
		if run {
			return models.ChildChainExecutableResponse{
				NextChildID: node.ID,
				PassThrough: state,
				LastLink:    i == len(children)-1,
			}, nil
		}
	}

	state.ChildIndex = len(children)
	return models.ChildChainExecutableResponse{PassThrough: state, Suspend: true}, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
