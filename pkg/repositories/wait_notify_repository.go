package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	waitInstancesTable   = "wait_instances"
	waitQueuesTable      = "wait_queues"
	notifyResponsesTable = "notify_responses"
)

type waitInstanceRow struct {
	ID             string                             `db:"id"`
	CorrelationIDs database.JSONB[[]string]           `db:"correlation_ids"`
	Callback       database.JSONB[models.CallbackRef] `db:"callback"`
	TimeoutMsec    int64                              `db:"timeout_msec"`
	Status         string                             `db:"status"`
	ExpiresAt      sql.NullTime                       `db:"expires_at"`
	ClaimedAt      sql.NullTime                       `db:"claimed_at"`
	CreatedAt      time.Time                          `db:"created_at"`
	UpdatedAt      time.Time                          `db:"updated_at"`
}

func (row *waitInstanceRow) toModel() models.WaitInstance {
	w := models.WaitInstance{
		ID:             row.ID,
		CorrelationIDs: row.CorrelationIDs.GetValue(),
		Callback:       row.Callback.GetValue(),
		TimeoutMsec:    row.TimeoutMsec,
		Status:         models.WaitInstanceStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.ExpiresAt.Valid {
		expires := row.ExpiresAt.Time
		w.ExpiresAt = &expires
	}
	if row.ClaimedAt.Valid {
		claimed := row.ClaimedAt.Time
		w.ClaimedAt = &claimed
	}
	return w
}

type waitQueueRow struct {
	ID             string    `db:"id"`
	WaitInstanceID string    `db:"wait_instance_id"`
	CorrelationID  string    `db:"correlation_id"`
	CreatedAt      time.Time `db:"created_at"`
}

type notifyResponseRow struct {
	ID            string    `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	Payload       []byte    `db:"payload"`
	Error         bool      `db:"error"`
	CreatedAt     time.Time `db:"created_at"`
}

func (row *notifyResponseRow) toModel() models.NotifyResponse {
	return models.NotifyResponse{
		ID:            row.ID,
		CorrelationID: row.CorrelationID,
		Payload:       json.RawMessage(row.Payload),
		Error:         row.Error,
		CreatedAt:     row.CreatedAt,
	}
}

var (
	waitInstanceStruct   = database.NewStruct(new(waitInstanceRow))
	waitQueueStruct      = database.NewStruct(new(waitQueueRow))
	notifyResponseStruct = database.NewStruct(new(notifyResponseRow))
)

// WaitNotifyRepository stores wait instances, wait queues and notify responses in postgres
type WaitNotifyRepository struct {
	*Repository
}

// NewWaitNotifyRepository creates a new wait/notify repository
func NewWaitNotifyRepository(db database.DB, logger ectologger.Logger) *WaitNotifyRepository {
	return &WaitNotifyRepository{
		Repository: NewRepository(db, logger),
	}
}

func (r *WaitNotifyRepository) CreateWaitInstance(ctx context.Context, instance *models.WaitInstance, queues []models.WaitQueue) error {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.CreateWaitInstance")
	defer span.End()

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now

	return database.WithTx(ctx, r.DB(), func(ctx context.Context, tx database.Tx) error {
		row := waitInstanceRow{
			ID:             instance.ID,
			CorrelationIDs: database.NewJSONB(instance.CorrelationIDs),
			Callback:       database.NewJSONB(instance.Callback),
			TimeoutMsec:    instance.TimeoutMsec,
			Status:         string(instance.Status),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if instance.ExpiresAt != nil {
			row.ExpiresAt = sql.NullTime{Time: *instance.ExpiresAt, Valid: true}
		}
		query, args := waitInstanceStruct.InsertInto(waitInstancesTable, &row).Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", instance.ID).Error("failed to create wait instance")
			return Internal("failed to create wait instance")
		}

		if len(queues) == 0 {
			return nil
		}
		rows := make([]any, 0, len(queues))
		for i := range queues {
			if queues[i].ID == "" {
				queues[i].ID = uuid.New().String()
			}
			queues[i].WaitInstanceID = instance.ID
			queues[i].CreatedAt = now
			rows = append(rows, &waitQueueRow{
				ID:             queues[i].ID,
				WaitInstanceID: instance.ID,
				CorrelationID:  queues[i].CorrelationID,
				CreatedAt:      now,
			})
		}
		query, args = waitQueueStruct.InsertInto(waitQueuesTable, rows...).Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", instance.ID).Error("failed to create wait queues")
			return Internal("failed to create wait queues")
		}
		return nil
	})
}

func (r *WaitNotifyRepository) GetWaitInstance(ctx context.Context, id string) (*models.WaitInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.GetWaitInstance")
	defer span.End()

	sb := waitInstanceStruct.SelectFrom(waitInstancesTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var row waitInstanceRow
	err := r.Q(ctx).GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("wait instance %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", id).Error("failed to get wait instance")
		return nil, Internal("failed to get wait instance")
	}
	instance := row.toModel()
	return &instance, nil
}

func (r *WaitNotifyRepository) UpdateWaitInstanceStatus(ctx context.Context, id string, from, to models.WaitInstanceStatus) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.UpdateWaitInstanceStatus")
	defer span.End()

	now := time.Now().UTC()
	claimedAt := sql.NullTime{Time: now, Valid: to == models.WaitStatusProcessing}

	ub := database.NewUpdateBuilder()
	ub.Update(waitInstancesTable).
		Set(
			ub.Assign("status", string(to)),
			ub.Assign("claimed_at", claimedAt),
			ub.Assign("updated_at", now),
		).
		Where(ub.Equal("id", id), ub.Equal("status", string(from)))
	query, args := ub.Build()

	result, err := r.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", id).Error("failed to update wait instance")
		return false, Internal("failed to update wait instance")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Internal("failed to update wait instance")
	}
	return affected > 0, nil
}

func (r *WaitNotifyRepository) ListExpiredWaitInstances(ctx context.Context, now time.Time, limit int) ([]models.WaitInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.ListExpiredWaitInstances")
	defer span.End()

	sb := waitInstanceStruct.SelectFrom(waitInstancesTable)
	sb.Where(
		sb.Equal("status", string(models.WaitStatusWaiting)),
		sb.IsNotNull("expires_at"),
		sb.LessEqualThan("expires_at", now),
	).OrderBy("expires_at")
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []waitInstanceRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list expired wait instances")
		return nil, Internal("failed to list expired wait instances")
	}
	out := make([]models.WaitInstance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *WaitNotifyRepository) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]models.WaitInstance, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.ListStaleClaims")
	defer span.End()

	sb := waitInstanceStruct.SelectFrom(waitInstancesTable)
	sb.Where(
		sb.Equal("status", string(models.WaitStatusProcessing)),
		sb.IsNotNull("claimed_at"),
		sb.LessThan("claimed_at", claimedBefore),
	).OrderBy("claimed_at")
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	var rows []waitInstanceRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stale wait instance claims")
		return nil, Internal("failed to list stale wait instance claims")
	}
	out := make([]models.WaitInstance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *WaitNotifyRepository) ListWaitQueuesByCorrelationIDs(ctx context.Context, correlationIDs []string) ([]models.WaitQueue, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.ListWaitQueuesByCorrelationIDs")
	defer span.End()

	if len(correlationIDs) == 0 {
		return []models.WaitQueue{}, nil
	}
	sb := waitQueueStruct.SelectFrom(waitQueuesTable)
	sb.Where(sb.In("correlation_id", StringArgs(correlationIDs)...)).OrderBy("created_at", "id")
	query, args := sb.Build()

	var rows []waitQueueRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list wait queues")
		return nil, Internal("failed to list wait queues")
	}
	out := make([]models.WaitQueue, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.WaitQueue{
			ID:             row.ID,
			WaitInstanceID: row.WaitInstanceID,
			CorrelationID:  row.CorrelationID,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

func (r *WaitNotifyRepository) DeleteWaitQueues(ctx context.Context, waitInstanceID string, correlationIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.DeleteWaitQueues")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(waitQueuesTable)
	where := []string{db.Equal("wait_instance_id", waitInstanceID)}
	if len(correlationIDs) > 0 {
		where = append(where, db.In("correlation_id", StringArgs(correlationIDs)...))
	}
	db.Where(where...)
	query, args := db.Build()

	if _, err := r.Q(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("wait_instance_id", waitInstanceID).Error("failed to delete wait queues")
		return Internal("failed to delete wait queues")
	}
	return nil
}

func (r *WaitNotifyRepository) SaveNotifyResponse(ctx context.Context, response *models.NotifyResponse) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.SaveNotifyResponse")
	defer span.End()

	if response.ID == "" {
		response.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(notifyResponsesTable).
		Cols("id", "correlation_id", "payload", "error", "created_at").
		Values(response.ID, response.CorrelationID, []byte(response.Payload), response.Error, now)
	database.OnConflictDoNothing(ib, "correlation_id")
	query, args := ib.Build()

	result, err := r.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("correlation_id", response.CorrelationID).Error("failed to save notify response")
		return false, Internal("failed to save notify response")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Internal("failed to save notify response")
	}
	if affected > 0 {
		response.CreatedAt = now
		return true, nil
	}

	existing, err := r.GetNotifyResponses(ctx, []string{response.CorrelationID})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		response.ID = existing[0].ID
		response.CreatedAt = existing[0].CreatedAt
	}
	return false, nil
}

func (r *WaitNotifyRepository) GetNotifyResponses(ctx context.Context, correlationIDs []string) ([]models.NotifyResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.GetNotifyResponses")
	defer span.End()

	if len(correlationIDs) == 0 {
		return []models.NotifyResponse{}, nil
	}
	sb := notifyResponseStruct.SelectFrom(notifyResponsesTable)
	sb.Where(sb.In("correlation_id", StringArgs(correlationIDs)...))
	query, args := sb.Build()

	return r.selectResponses(ctx, query, args)
}

func (r *WaitNotifyRepository) ListNotifyResponses(ctx context.Context, offset, limit int) ([]models.NotifyResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.ListNotifyResponses")
	defer span.End()

	sb := notifyResponseStruct.SelectFrom(notifyResponsesTable)
	sb.OrderBy("created_at", "id").Offset(offset)
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()

	return r.selectResponses(ctx, query, args)
}

func (r *WaitNotifyRepository) selectResponses(ctx context.Context, query string, args []any) ([]models.NotifyResponse, error) {
	var rows []notifyResponseRow
	if err := r.Q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list notify responses")
		return nil, Internal("failed to list notify responses")
	}
	out := make([]models.NotifyResponse, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (r *WaitNotifyRepository) DeleteOrphanNotifyResponses(ctx context.Context, correlationIDs []string, olderThan *time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "WaitNotifyRepository.DeleteOrphanNotifyResponses")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(notifyResponsesTable)
	where := []string{
		"NOT EXISTS (SELECT 1 FROM " + waitQueuesTable + " q WHERE q.correlation_id = " + notifyResponsesTable + ".correlation_id)",
	}
	if len(correlationIDs) > 0 {
		where = append(where, db.In("correlation_id", StringArgs(correlationIDs)...))
	}
	if olderThan != nil {
		where = append(where, db.LessThan("created_at", *olderThan))
	}
	db.Where(where...)
	query, args := db.Build()

	result, err := r.Q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete orphan notify responses")
		return 0, Internal("failed to delete notify responses")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, Internal("failed to delete notify responses")
	}
	return deleted, nil
}
