package repositories

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// NodeExecutionRepo persists node executions.
// Update is the single mutation primitive: it applies ops only when the
// stored status is one of allowedFrom (any status when allowedFrom is empty)
// and returns (nil, nil) when that precondition no longer holds.
type NodeExecutionRepo interface {
	Create(ctx context.Context, node *models.NodeExecution) error
	GetByID(ctx context.Context, id string) (*models.NodeExecution, error)
	Update(ctx context.Context, id string, allowedFrom []models.Status, ops func(node *models.NodeExecution)) (*models.NodeExecution, error)
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]models.NodeExecution, error)
	ListByParent(ctx context.Context, parentID string) ([]models.NodeExecution, error)
}

// PlanExecutionRepo persists plan executions
type PlanExecutionRepo interface {
	Create(ctx context.Context, execution *models.PlanExecution) error
	GetByID(ctx context.Context, id string) (*models.PlanExecution, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, allowedFrom []models.Status) (bool, error)
}

// InterruptRepo persists interrupts
type InterruptRepo interface {
	Create(ctx context.Context, interrupt *models.Interrupt) error
	GetByID(ctx context.Context, id string) (*models.Interrupt, error)
	UpdateState(ctx context.Context, id string, from []models.InterruptState, to models.InterruptState) (bool, error)
	ListByPlanExecution(ctx context.Context, planExecutionID string) ([]models.Interrupt, error)
}

// WaitNotifyRepo persists the wait/notify coordination records
type WaitNotifyRepo interface {
	// CreateWaitInstance stores the instance and its queue rows atomically
	CreateWaitInstance(ctx context.Context, instance *models.WaitInstance, queues []models.WaitQueue) error
	GetWaitInstance(ctx context.Context, id string) (*models.WaitInstance, error)
	// UpdateWaitInstanceStatus moves the instance from one status to another.
	// Moving to PROCESSING stamps claimed_at; any other move clears it.
	UpdateWaitInstanceStatus(ctx context.Context, id string, from, to models.WaitInstanceStatus) (bool, error)
	ListExpiredWaitInstances(ctx context.Context, now time.Time, limit int) ([]models.WaitInstance, error)
	// ListStaleClaims returns PROCESSING instances claimed before claimedBefore, oldest claim first
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.WaitInstance, error)

	ListWaitQueuesByCorrelationIDs(ctx context.Context, correlationIDs []string) ([]models.WaitQueue, error)
	// DeleteWaitQueues removes the instance's rows for the given ids, or all of them when ids is empty
	DeleteWaitQueues(ctx context.Context, waitInstanceID string, correlationIDs []string) error

	// SaveNotifyResponse inserts the response unless one exists for the correlation id.
	// On conflict response.ID is set to the stored id and created is false.
	SaveNotifyResponse(ctx context.Context, response *models.NotifyResponse) (created bool, err error)
	GetNotifyResponses(ctx context.Context, correlationIDs []string) ([]models.NotifyResponse, error)
	ListNotifyResponses(ctx context.Context, offset, limit int) ([]models.NotifyResponse, error)
	// DeleteOrphanNotifyResponses removes responses no wait queue row references.
	// A non-empty correlationIDs narrows the candidates; olderThan narrows by age.
	DeleteOrphanNotifyResponses(ctx context.Context, correlationIDs []string, olderThan *time.Time) (int64, error)
}
