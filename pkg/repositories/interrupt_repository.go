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

const interruptsTable = "interrupts"

type interruptRow struct {
	ID              string                                 `db:"id"`
	Type            string                                 `db:"type"`
	PlanExecutionID string                                 `db:"plan_execution_id"`
	NodeExecutionID sql.NullString                         `db:"node_execution_id"`
	State           string                                 `db:"state"`
	Config          database.JSONB[models.InterruptConfig] `db:"config"`
	CreatedAt       time.Time                              `db:"created_at"`
	UpdatedAt       time.Time                              `db:"updated_at"`
}

var interruptStruct = database.NewStruct(new(interruptRow))

func (row *interruptRow) toModel() models.Interrupt {
	return models.Interrupt{
		ID:              row.ID,
		Type:            models.InterruptType(row.Type),
		PlanExecutionID: row.PlanExecutionID,
		NodeExecutionID: row.NodeExecutionID.String,
		State:           models.InterruptState(row.State),
		Config:          row.Config.GetValue(),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

// InterruptRepository stores interrupts in postgres
type InterruptRepository struct {
	*Repository
}

// NewInterruptRepository creates a new interrupt repository
func NewInterruptRepository(db database.DB, logger ectologger.Logger) *InterruptRepository {
	return &InterruptRepository{
		Repository: NewRepository(db, logger),
	}
}

func (r *InterruptRepository) Create(ctx context.Context, interrupt *models.Interrupt) error {
	ctx, span := tracing.StartSpan(ctx, "InterruptRepository.Create")
	defer span.End()

	now := time.Now().UTC()
	interrupt.CreatedAt = now
	interrupt.UpdatedAt = now

	row := interruptRow{
		ID:              interrupt.ID,
		Type:            string(interrupt.Type),
		PlanExecutionID: interrupt.PlanExecutionID,
		NodeExecutionID: sql.NullString{String: interrupt.NodeExecutionID, Valid: interrupt.NodeExecutionID != ""},
		State:           string(interrupt.State),
		Config:          database.NewJSONB(interrupt.Config),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	query, args := interruptStruct.InsertInto(interruptsTable, &row).Build()
	if _, err := r.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("interrupt_id", interrupt.ID).Error("failed to create interrupt")
		return Internal("failed to create interrupt")
	}
	return nil
}

func (r *InterruptRepository) GetByID(ctx context.Context, id string) (*models.Interrupt, error) {
	ctx, span := tracing.StartSpan(ctx, "InterruptRepository.GetByID")
	defer span.End()

	sb := interruptStruct.SelectFrom(interruptsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row interruptRow
	err := r.Q(ctx).GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("interrupt %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("interrupt_id", id).Error("failed to get interrupt")
		return nil, Internal("failed to get interrupt")
	}
	interrupt := row.toModel()
	return &interrupt, nil
}

func (r *InterruptRepository) UpdateState(ctx context.Context, id string, from []models.InterruptState, to models.InterruptState) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "InterruptRepository.UpdateState")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(interruptsTable).Set(
		ub.Assign("state", string(to)),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	where := []string{ub.Equal("id", id)}
	if len(from) > 0 {
		where = append(where, ub.In("state", StatusStrings(from)...))
	}
	ub.Where(where...)

	query, args := ub.Build()
	result, err := r.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("interrupt_id", id).Error("failed to update interrupt state")
		return false, Internal("failed to update interrupt")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Internal("failed to update interrupt")
	}
	return affected > 0, nil
}

func (r *InterruptRepository) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]models.Interrupt, error) {
	ctx, span := tracing.StartSpan(ctx, "InterruptRepository.ListByPlanExecution")
	defer span.End()

	sb := interruptStruct.SelectFrom(interruptsTable)
	sb.Where(sb.Equal("plan_execution_id", planExecutionID)).OrderBy("created_at")
	query, args := sb.Build()

	var rows []interruptRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plan_execution_id", planExecutionID).Error("failed to list interrupts")
		return nil, Internal("failed to list interrupts")
	}
	out := make([]models.Interrupt, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
