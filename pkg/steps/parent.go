package steps

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	TypeSection = "SECTION"
	TypeFork    = "FORK"
)

// SectionStep wraps a single child node and reports its status
type SectionStep struct{}

func (s *SectionStep) Type() string { return TypeSection }

func (s *SectionStep) ObtainChild(ctx context.Context, sc *StepContext) (string, error) {
	child := stringParam(sc.Node.StepParameters, "child")
	if child == "" {
		return "", fmt.Errorf("section %s has no child", sc.Node.Identifier)
	}
	return child, nil
}

func (s *SectionStep) HandleChildResponse(ctx context.Context, sc *StepContext, child ChildResult) (models.StepResponse, error) {
	resp := models.StepResponse{
		Status:  child.Status,
		Outcome: child.Outcome,
	}
	if !child.Status.IsPositive() {
		resp.FailureInfo = child.FailureInfo
	}
	return resp, nil
}

// ForkStep runs its children in parallel, at most maxConcurrency at a time
type ForkStep struct{}

func (s *ForkStep) Type() string { return TypeFork }

func (s *ForkStep) ObtainChildren(ctx context.Context, sc *StepContext) ([]string, int, error) {
	children := models.StringSlice(sc.Node.StepParameters["children"])
	if len(children) == 0 {
		return nil, 0, fmt.Errorf("fork %s has no children", sc.Node.Identifier)
	}

	maxConcurrency, err := intParam(sc.Node.StepParameters, "maxConcurrency", 0)
	if err != nil {
		return nil, 0, err
	}
	if maxConcurrency < 0 {
		return nil, 0, fmt.Errorf("fork %s has negative maxConcurrency", sc.Node.Identifier)
	}
	return children, maxConcurrency, nil
}

func (s *ForkStep) HandleChildrenResponse(ctx context.Context, sc *StepContext, children []ChildResult) (models.StepResponse, error) {
	statuses := make([]models.Status, 0, len(children))
	outcome := make(map[string]any, len(children))
	var failed []string
	for _, c := range children {
		statuses = append(statuses, c.Status)
		outcome[c.Identifier] = map[string]any{"status": string(c.Status)}
		if !c.Status.IsPositive() {
			failed = append(failed, c.Identifier)
		}
	}

	resp := models.StepResponse{
		Status:  models.AggregateStatus(statuses),
		Outcome: outcome,
	}
	if len(failed) > 0 {
		resp.FailureInfo = &models.FailureInfo{
			Message:      fmt.Sprintf("children did not succeed: %v", failed),
			FailureTypes: []models.FailureType{models.FailureTypeApplication},
		}
	}
	return resp, nil
}
