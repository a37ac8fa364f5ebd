package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const nodeExecutionsTable = "node_executions"

type nodeExecutionRow struct {
	ID                 string                                     `db:"id"`
	PlanExecutionID    string                                     `db:"plan_execution_id"`
	ParentID           sql.NullString                             `db:"parent_id"`
	Status             string                                     `db:"status"`
	Mode               string                                     `db:"mode"`
	StepType           string                                     `db:"step_type"`
	Ambiance           database.JSONB[models.Ambiance]            `db:"ambiance"`
	PlanNode           database.JSONB[models.PlanNode]            `db:"plan_node"`
	ExecutableResponse database.JSONB[*models.ExecutableResponse] `db:"executable_response"`
	InterruptHistories database.JSONB[[]models.InterruptEffect]   `db:"interrupt_histories"`
	RetryIDs           database.JSONB[[]string]                   `db:"retry_ids"`
	UnitProgresses     database.JSONB[[]models.UnitProgress]      `db:"unit_progresses"`
	FailureInfo        database.JSONB[*models.FailureInfo]        `db:"failure_info"`
	Outcome            database.JSONB[map[string]any]             `db:"outcome"`
	StartTs            int64                                      `db:"start_ts"`
	EndTs              sql.NullInt64                              `db:"end_ts"`
	CreatedAt          time.Time                                  `db:"created_at"`
	UpdatedAt          time.Time                                  `db:"updated_at"`
}

var nodeExecutionStruct = database.NewStruct(new(nodeExecutionRow))

func toNodeExecutionRow(n *models.NodeExecution) nodeExecutionRow {
	row := nodeExecutionRow{
		ID:                 n.ID,
		PlanExecutionID:    n.PlanExecutionID,
		ParentID:           sql.NullString{String: n.ParentID, Valid: n.ParentID != ""},
		Status:             string(n.Status),
		Mode:               string(n.Mode),
		StepType:           n.PlanNode.StepType,
		Ambiance:           database.NewJSONB(n.Ambiance),
		PlanNode:           database.NewJSONB(n.PlanNode),
		ExecutableResponse: database.NewJSONB(n.ExecutableResponse),
		InterruptHistories: database.NewJSONB(n.InterruptHistories),
		RetryIDs:           database.NewJSONB(n.RetryIDs),
		UnitProgresses:     database.NewJSONB(n.UnitProgresses),
		FailureInfo:        database.NewJSONB(n.FailureInfo),
		Outcome:            database.NewJSONB(n.Outcome),
		StartTs:            n.StartTs,
		CreatedAt:          n.CreatedAt,
		UpdatedAt:          n.UpdatedAt,
	}
	if n.EndTs != nil {
		row.EndTs = sql.NullInt64{Int64: *n.EndTs, Valid: true}
	}
	return row
}

func (row *nodeExecutionRow) toModel() *models.NodeExecution {
	n := &models.NodeExecution{
		ID:                 row.ID,
		PlanExecutionID:    row.PlanExecutionID,
		ParentID:           row.ParentID.String,
		Ambiance:           row.Ambiance.GetValue(),
		PlanNode:           row.PlanNode.GetValue(),
		Status:             models.Status(row.Status),
		Mode:               models.ExecutionMode(row.Mode),
		ExecutableResponse: row.ExecutableResponse.GetValue(),
		InterruptHistories: row.InterruptHistories.GetValue(),
		RetryIDs:           row.RetryIDs.GetValue(),
		UnitProgresses:     row.UnitProgresses.GetValue(),
		FailureInfo:        row.FailureInfo.GetValue(),
		Outcome:            row.Outcome.GetValue(),
		StartTs:            row.StartTs,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.EndTs.Valid {
		end := row.EndTs.Int64
		n.EndTs = &end
	}
	return n
}

// NodeExecutionRepository stores node executions in postgres
type NodeExecutionRepository struct {
	*Repository
}

// NewNodeExecutionRepository creates a new node execution repository
func NewNodeExecutionRepository(db database.DB, logger ectologger.Logger) *NodeExecutionRepository {
	return &NodeExecutionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new node execution
func (r *NodeExecutionRepository) Create(ctx context.Context, node *models.NodeExecution) error {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionRepository.Create")
	defer span.End()

	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	row := toNodeExecutionRow(node)
	query, args := nodeExecutionStruct.InsertInto(nodeExecutionsTable, &row).Build()
	if _, err := r.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"node_execution_id": node.ID,
		}).Error("failed to create node execution")
		return Internal("failed to create node execution")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"node_execution_id": node.ID,
	}).Debugf("Created %s", nodeExecutionsTable)
	return nil
}

// GetByID returns the node execution or a 404
func (r *NodeExecutionRepository) GetByID(ctx context.Context, id string) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionRepository.GetByID")
	defer span.End()

	return r.get(ctx, r.Q(ctx), id, false)
}

func (r *NodeExecutionRepository) get(ctx context.Context, q database.Querier, id string, forUpdate bool) (*models.NodeExecution, error) {
	sb := nodeExecutionStruct.SelectFrom(nodeExecutionsTable)
	sb.Where(sb.Equal("id", id))
	if forUpdate {
		sb.ForUpdate()
	}
	query, args := sb.Build()

	var row nodeExecutionRow
	err := q.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("node execution %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("node_execution_id", id).Error("failed to get node execution")
		return nil, Internal("failed to get node execution")
	}
	return row.toModel(), nil
}

// Update locks the row, checks the status precondition, applies ops and writes the row back
func (r *NodeExecutionRepository) Update(ctx context.Context, id string, allowedFrom []models.Status, ops func(node *models.NodeExecution)) (*models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionRepository.Update")
	defer span.End()

	var updated *models.NodeExecution
	err := database.WithTx(ctx, r.DB(), func(ctx context.Context, tx database.Tx) error {
		node, err := r.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !StatusIn(node.Status, allowedFrom) {
			return nil
		}

		if ops != nil {
			ops(node)
		}
		node.ID = id
		node.UpdatedAt = time.Now().UTC()
		row := toNodeExecutionRow(node)

		ub := database.NewUpdateBuilder()
		ub.Update(nodeExecutionsTable).
			Set(
				ub.Assign("status", row.Status),
				ub.Assign("mode", row.Mode),
				ub.Assign("ambiance", row.Ambiance),
				ub.Assign("plan_node", row.PlanNode),
				ub.Assign("executable_response", row.ExecutableResponse),
				ub.Assign("interrupt_histories", row.InterruptHistories),
				ub.Assign("retry_ids", row.RetryIDs),
				ub.Assign("unit_progresses", row.UnitProgresses),
				ub.Assign("failure_info", row.FailureInfo),
				ub.Assign("outcome", row.Outcome),
				ub.Assign("start_ts", row.StartTs),
				ub.Assign("end_ts", row.EndTs),
				ub.Assign("updated_at", row.UpdatedAt),
			).
			Where(ub.Equal("id", id))
		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("node_execution_id", id).Error("failed to update node execution")
			return Internal("failed to update node execution")
		}
		updated = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByPlanExecution returns every node of a plan execution in creation order
func (r *NodeExecutionRepository) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionRepository.ListByPlanExecution")
	defer span.End()

	return r.list(ctx, "plan_execution_id", planExecutionID)
}

// ListByParent returns the direct children of a node in creation order
func (r *NodeExecutionRepository) ListByParent(ctx context.Context, parentID string) ([]models.NodeExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "NodeExecutionRepository.ListByParent")
	defer span.End()

	return r.list(ctx, "parent_id", parentID)
}

func (r *NodeExecutionRepository) list(ctx context.Context, column, value string) ([]models.NodeExecution, error) {
	sb := nodeExecutionStruct.SelectFrom(nodeExecutionsTable)
	sb.Where(sb.Equal(column, value)).OrderBy("created_at", "id")
	query, args := sb.Build()

	var rows []nodeExecutionRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField(column, value).Error("failed to list node executions")
		return nil, Internal("failed to list node executions")
	}

	out := make([]models.NodeExecution, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toModel())
	}
	return out, nil
}
