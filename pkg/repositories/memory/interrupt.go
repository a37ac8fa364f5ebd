package memory

import (
	"context"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type InterruptRepository struct {
	store *Store
}

func (r *InterruptRepository) Create(_ context.Context, interrupt *models.Interrupt) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if interrupt.ID == "" {
		interrupt.ID = newID()
	}
	now := s.now()
	interrupt.CreatedAt = now
	interrupt.UpdatedAt = now
	stored := clone(*interrupt)
	s.interrupts[interrupt.ID] = &stored
	return nil
}

func (r *InterruptRepository) GetByID(_ context.Context, id string) (*models.Interrupt, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	interrupt, ok := s.interrupts[id]
	if !ok {
		return nil, repositories.NotFound("interrupt %s does not exist", id)
	}
	out := clone(*interrupt)
	return &out, nil
}

func (r *InterruptRepository) UpdateState(_ context.Context, id string, from []models.InterruptState, to models.InterruptState) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	interrupt, ok := s.interrupts[id]
	if !ok {
		return false, repositories.NotFound("interrupt %s does not exist", id)
	}
	if len(from) > 0 {
		allowed := false
		for _, state := range from {
			if interrupt.State == state {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	interrupt.State = to
	interrupt.UpdatedAt = s.now()
	return true, nil
}

func (r *InterruptRepository) ListByPlanExecution(_ context.Context, planExecutionID string) ([]models.Interrupt, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Interrupt{}
	for _, i := range s.interrupts {
		if i.PlanExecutionID == planExecutionID {
			out = append(out, clone(*i))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
