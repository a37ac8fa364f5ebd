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

const planExecutionsTable = "plan_executions"

type planExecutionRow struct {
	ID        string                      `db:"id"`
	Status    string                      `db:"status"`
	Plan      database.JSONB[models.Plan] `db:"plan"`
	StartTs   int64                       `db:"start_ts"`
	EndTs     sql.NullInt64               `db:"end_ts"`
	CreatedAt time.Time                   `db:"created_at"`
	UpdatedAt time.Time                   `db:"updated_at"`
}

var planExecutionStruct = database.NewStruct(new(planExecutionRow))

// PlanExecutionRepository stores plan executions in postgres
type PlanExecutionRepository struct {
	*Repository
}

// NewPlanExecutionRepository creates a new plan execution repository
func NewPlanExecutionRepository(db database.DB, logger ectologger.Logger) *PlanExecutionRepository {
	return &PlanExecutionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new plan execution
func (r *PlanExecutionRepository) Create(ctx context.Context, execution *models.PlanExecution) error {
	ctx, span := tracing.StartSpan(ctx, "PlanExecutionRepository.Create")
	defer span.End()

	now := time.Now().UTC()
	execution.CreatedAt = now
	execution.UpdatedAt = now

	row := planExecutionRow{
		ID:        execution.ID,
		Status:    string(execution.Status),
		Plan:      database.NewJSONB(execution.Plan),
		StartTs:   execution.StartTs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if execution.EndTs != nil {
		row.EndTs = sql.NullInt64{Int64: *execution.EndTs, Valid: true}
	}

	query, args := planExecutionStruct.InsertInto(planExecutionsTable, &row).Build()
	if _, err := r.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"plan_execution_id": execution.ID,
		}).Error("failed to create plan execution")
		return Internal("failed to create plan execution")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"plan_execution_id": execution.ID,
	}).Debugf("Created %s", planExecutionsTable)
	return nil
}

// GetByID retrieves a plan execution by ID
func (r *PlanExecutionRepository) GetByID(ctx context.Context, id string) (*models.PlanExecution, error) {
	ctx, span := tracing.StartSpan(ctx, "PlanExecutionRepository.GetByID")
	defer span.End()

	sb := planExecutionStruct.SelectFrom(planExecutionsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row planExecutionRow
	err := r.Q(ctx).GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("plan execution %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plan_execution_id", id).Error("failed to get plan execution")
		return nil, Internal("failed to get plan execution")
	}

	execution := &models.PlanExecution{
		ID:        row.ID,
		Status:    models.Status(row.Status),
		Plan:      row.Plan.GetValue(),
		StartTs:   row.StartTs,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.EndTs.Valid {
		end := row.EndTs.Int64
		execution.EndTs = &end
	}
	return execution, nil
}

// UpdateStatus moves the execution to status when its current status is in allowedFrom
func (r *PlanExecutionRepository) UpdateStatus(ctx context.Context, id string, status models.Status, allowedFrom []models.Status) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "PlanExecutionRepository.UpdateStatus")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	assignments := []string{
		ub.Assign("status", string(status)),
		ub.Assign("updated_at", now),
	}
	if status.IsTerminal() {
		assignments = append(assignments, ub.Assign("end_ts", now.UnixMilli()))
	}
	ub.Update(planExecutionsTable).Set(assignments...)
	where := []string{ub.Equal("id", id)}
	if len(allowedFrom) > 0 {
		where = append(where, ub.In("status", StatusStrings(allowedFrom)...))
	}
	ub.Where(where...)

	query, args := ub.Build()
	result, err := r.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plan_execution_id", id).Error("failed to update plan execution status")
		return false, Internal("failed to update plan execution")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Internal("failed to update plan execution")
	}
	return affected > 0, nil
}
