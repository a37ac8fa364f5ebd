package memory

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type NodeExecutionRepository struct {
	store *Store
}

func (r *NodeExecutionRepository) Create(_ context.Context, node *models.NodeExecution) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ID == "" {
		node.ID = newID()
	}
	if _, ok := s.nodes[node.ID]; ok {
		return repositories.BadRequest("node execution " + node.ID + " already exists")
	}
	now := s.now()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	stored := clone(*node)
	s.nodes[node.ID] = &stored
	return nil
}

func (r *NodeExecutionRepository) GetByID(_ context.Context, id string) (*models.NodeExecution, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, repositories.NotFound("node execution %s does not exist", id)
	}
	out := clone(*node)
	return &out, nil
}

func (r *NodeExecutionRepository) Update(_ context.Context, id string, allowedFrom []models.Status, ops func(node *models.NodeExecution)) (*models.NodeExecution, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, repositories.NotFound("node execution %s does not exist", id)
	}
	if !repositories.StatusIn(node.Status, allowedFrom) {
		return nil, nil
	}

	updated := clone(*node)
	if ops != nil {
		ops(&updated)
	}
	updated.ID = id
	updated.UpdatedAt = s.now()
	stored := clone(updated)
	s.nodes[id] = &stored
	return &updated, nil
}

func (r *NodeExecutionRepository) ListByPlanExecution(_ context.Context, planExecutionID string) ([]models.NodeExecution, error) {
	return r.list(func(n *models.NodeExecution) bool { return n.PlanExecutionID == planExecutionID }), nil
}

func (r *NodeExecutionRepository) ListByParent(_ context.Context, parentID string) ([]models.NodeExecution, error) {
	return r.list(func(n *models.NodeExecution) bool { return n.ParentID == parentID }), nil
}

func (r *NodeExecutionRepository) list(match func(n *models.NodeExecution) bool) []models.NodeExecution {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.NodeExecution{}
	for _, n := range s.nodes {
		if match(n) {
			out = append(out, clone(*n))
		}
	}
	sortNodes(out)
	return out
}
