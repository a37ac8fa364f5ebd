// Package nodeexecution is the only mutation path for node executions.
// Every status change goes through a compare-and-set on the stored status.
package nodeexecution

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Service wraps the node execution repository
type Service struct {
	repo   repositories.NodeExecutionRepo
	logger ectologger.Logger
	now    func() time.Time
}

// NewService creates a new node execution service
func NewService(repo repositories.NodeExecutionRepo, logger ectologger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a node execution by id
func (s *Service) Get(ctx context.Context, id string) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.Get")
	defer span.End()

	return s.repo.GetByID(ctx, id)
}

// Save stores a new node execution
func (s *Service) Save(ctx context.Context, node *models.NodeExecution) error {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.Save")
	defer span.End()

	if node.Status.IsTerminal() && node.EndTs == nil {
		end := s.now().UnixMilli()
		node.EndTs = &end
	}
	return s.repo.Create(ctx, node)
}

// UpdateStatusWithOps moves the node to status when its current status is in allowedFrom
// (every non-terminal status when empty) and the transition is legal. ops runs on the
// locked copy before it is written. A stale precondition returns (nil, nil).
func (s *Service) UpdateStatusWithOps(ctx context.Context, id string, status models.Status, allowedFrom []models.Status, ops func(node *models.NodeExecution)) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.UpdateStatusWithOps")
	defer span.End()

	if len(allowedFrom) == 0 {
		allowedFrom = models.NonTerminalStatuses()
	}
	allowedFrom = ectolinq.Filter(allowedFrom, func(from models.Status) bool {
		return models.CanTransition(from, status)
	})
	if len(allowedFrom) == 0 {
		metrics.RecordStaleUpdate(string(status))
		return nil, nil
	}

	var previous models.Status
	updated, err := s.repo.Update(ctx, id, allowedFrom, func(node *models.NodeExecution) {
		previous = node.Status
		if ops != nil {
			ops(node)
		}
		node.Status = status
		if status == models.StatusRunning && node.StartTs == 0 {
			node.StartTs = s.now().UnixMilli()
		}
		if status.IsTerminal() {
			end := s.now().UnixMilli()
			node.EndTs = &end
		} else {
			node.EndTs = nil
		}
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"node_execution_id": id,
			"target_status":     status,
		}).Error("failed to update node execution status")
		return nil, err
	}
	if updated == nil {
		metrics.RecordStaleUpdate(string(status))
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"node_execution_id": id,
			"target_status":     status,
		}).Debug("stale status precondition, update skipped")
		return nil, nil
	}

	metrics.RecordNodeTransition(string(updated.Mode), string(status))
	if status.IsTerminal() && updated.StartTs > 0 && updated.EndTs != nil {
		metrics.RecordNodeDuration(updated.PlanNode.StepType, string(status), float64(*updated.EndTs-updated.StartTs)/1000)
	}
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": id,
		"from_status":       previous,
		"to_status":         status,
	}).Debug("node execution status updated")
	return updated, nil
}

// UpdateWithOps changes non-status fields of a node that has not ended yet.
// Returns (nil, nil) when the node is already terminal.
func (s *Service) UpdateWithOps(ctx context.Context, id string, ops func(node *models.NodeExecution)) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.UpdateWithOps")
	defer span.End()

	return s.repo.Update(ctx, id, models.NonTerminalStatuses(), func(node *models.NodeExecution) {
		status, endTs := node.Status, node.EndTs
		ops(node)
		node.Status, node.EndTs = status, endTs
	})
}

// AppendInterruptHistory records an interrupt against the node. Terminal nodes accept it too.
func (s *Service) AppendInterruptHistory(ctx context.Context, id string, effect models.InterruptEffect) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.AppendInterruptHistory")
	defer span.End()

	if effect.CreatedAt.IsZero() {
		effect.CreatedAt = s.now()
	}
	return s.repo.Update(ctx, id, nil, func(node *models.NodeExecution) {
		node.InterruptHistories = append(node.InterruptHistories, effect)
	})
}

// MarkDiscontinuing moves a queued or running node to DISCONTINUING
func (s *Service) MarkDiscontinuing(ctx context.Context, id string) (*models.NodeExecution, error) {
	return s.UpdateStatusWithOps(ctx, id, models.StatusDiscontinuing, []models.Status{models.StatusQueued, models.StatusRunning}, nil)
}

// FetchChildren returns the effective children of a parent: nodes replaced by a retry clone are left out
func (s *Service) FetchChildren(ctx context.Context, parentID string) ([]models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.FetchChildren")
	defer span.End()

	children, err := s.repo.ListByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return Effective(children), nil
}

// FetchByPlanExecution returns every node of a plan execution, retried originals included
func (s *Service) FetchByPlanExecution(ctx context.Context, planExecutionID string) ([]models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionService.FetchByPlanExecution")
	defer span.End()

	return s.repo.ListByPlanExecution(ctx, planExecutionID)
}

// FetchActive returns the non-terminal nodes of a plan execution
func (s *Service) FetchActive(ctx context.Context, planExecutionID string) ([]models.NodeExecution, error) {
	nodes, err := s.FetchByPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	return ectolinq.Filter(nodes, func(n models.NodeExecution) bool { return !n.IsTerminal() }), nil
}

// Effective drops nodes that a later retry clone replaced
func Effective(nodes []models.NodeExecution) []models.NodeExecution {
	superseded := map[string]bool{}
	for _, n := range nodes {
		for _, id := range n.RetryIDs {
			superseded[id] = true
		}
	}
	return ectolinq.Filter(nodes, func(n models.NodeExecution) bool { return !superseded[n.ID] })
}
