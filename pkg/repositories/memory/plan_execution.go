package memory

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type PlanExecutionRepository struct {
	store *Store
}

func (r *PlanExecutionRepository) Create(_ context.Context, execution *models.PlanExecution) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if execution.ID == "" {
		execution.ID = newID()
	}
	now := s.now()
	execution.CreatedAt = now
	execution.UpdatedAt = now
	stored := clone(*execution)
	s.plans[execution.ID] = &stored
	return nil
}

func (r *PlanExecutionRepository) GetByID(_ context.Context, id string) (*models.PlanExecution, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.plans[id]
	if !ok {
		return nil, repositories.NotFound("plan execution %s does not exist", id)
	}
	out := clone(*execution)
	return &out, nil
}

func (r *PlanExecutionRepository) UpdateStatus(_ context.Context, id string, status models.Status, allowedFrom []models.Status) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	execution, ok := s.plans[id]
	if !ok {
		return false, repositories.NotFound("plan execution %s does not exist", id)
	}
	if !repositories.StatusIn(execution.Status, allowedFrom) {
		return false, nil
	}
	now := s.now()
	execution.Status = status
	execution.UpdatedAt = now
	if status.IsTerminal() {
		end := now.UnixMilli()
		execution.EndTs = &end
	}
	return true, nil
}
