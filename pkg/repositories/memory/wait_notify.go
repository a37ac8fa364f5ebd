package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

type WaitNotifyRepository struct {
	store *Store
}

func (r *WaitNotifyRepository) CreateWaitInstance(_ context.Context, instance *models.WaitInstance, queues []models.WaitQueue) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if instance.ID == "" {
		instance.ID = newID()
	}
	now := s.now()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	stored := clone(*instance)
	s.waits[instance.ID] = &stored

	for i := range queues {
		q := queues[i]
		if q.ID == "" {
			q.ID = newID()
		}
		q.WaitInstanceID = instance.ID
		q.CreatedAt = now
		s.queues[q.ID] = &q
	}
	return nil
}

func (r *WaitNotifyRepository) GetWaitInstance(_ context.Context, id string) (*models.WaitInstance, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.waits[id]
	if !ok {
		return nil, repositories.NotFound("wait instance %s does not exist", id)
	}
	out := clone(*instance)
	return &out, nil
}

func (r *WaitNotifyRepository) UpdateWaitInstanceStatus(_ context.Context, id string, from, to models.WaitInstanceStatus) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.waits[id]
	if !ok {
		return false, repositories.NotFound("wait instance %s does not exist", id)
	}
	if instance.Status != from {
		return false, nil
	}
	now := s.now()
	instance.Status = to
	instance.UpdatedAt = now
	instance.ClaimedAt = nil
	if to == models.WaitStatusProcessing {
		instance.ClaimedAt = &now
	}
	return true, nil
}

func (r *WaitNotifyRepository) ListStaleClaims(_ context.Context, claimedBefore time.Time, limit int) ([]models.WaitInstance, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.WaitInstance{}
	for _, w := range s.waits {
		if w.Status == models.WaitStatusProcessing && w.ClaimedAt != nil && w.ClaimedAt.Before(claimedBefore) {
			out = append(out, clone(*w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WaitNotifyRepository) ListExpiredWaitInstances(_ context.Context, now time.Time, limit int) ([]models.WaitInstance, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.WaitInstance{}
	for _, w := range s.waits {
		if w.Status == models.WaitStatusWaiting && w.IsExpired(now) {
			out = append(out, clone(*w))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *WaitNotifyRepository) ListWaitQueuesByCorrelationIDs(_ context.Context, correlationIDs []string) ([]models.WaitQueue, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := toSet(correlationIDs)
	out := []models.WaitQueue{}
	for _, q := range s.queues {
		if _, ok := wanted[q.CorrelationID]; ok {
			out = append(out, *q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *WaitNotifyRepository) DeleteWaitQueues(_ context.Context, waitInstanceID string, correlationIDs []string) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := toSet(correlationIDs)
	for id, q := range s.queues {
		if q.WaitInstanceID != waitInstanceID {
			continue
		}
		if _, ok := wanted[q.CorrelationID]; ok || len(wanted) == 0 {
			delete(s.queues, id)
		}
	}
	return nil
}

func (r *WaitNotifyRepository) SaveNotifyResponse(_ context.Context, response *models.NotifyResponse) (bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.responses[response.CorrelationID]; ok {
		response.ID = existing.ID
		response.CreatedAt = existing.CreatedAt
		return false, nil
	}
	if response.ID == "" {
		response.ID = newID()
	}
	response.CreatedAt = s.now()
	stored := clone(*response)
	s.responses[response.CorrelationID] = &stored
	return true, nil
}

func (r *WaitNotifyRepository) GetNotifyResponses(_ context.Context, correlationIDs []string) ([]models.NotifyResponse, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.NotifyResponse{}
	for _, id := range correlationIDs {
		if resp, ok := s.responses[id]; ok {
			out = append(out, clone(*resp))
		}
	}
	return out, nil
}

func (r *WaitNotifyRepository) ListNotifyResponses(_ context.Context, offset, limit int) ([]models.NotifyResponse, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.NotifyResponse, 0, len(s.responses))
	for _, resp := range s.responses {
		all = append(all, clone(*resp))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []models.NotifyResponse{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *WaitNotifyRepository) DeleteOrphanNotifyResponses(_ context.Context, correlationIDs []string, olderThan *time.Time) (int64, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := map[string]struct{}{}
	for _, q := range s.queues {
		referenced[q.CorrelationID] = struct{}{}
	}
	wanted := toSet(correlationIDs)

	var deleted int64
	for id, resp := range s.responses {
		if _, ok := referenced[id]; ok {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		if olderThan != nil && !resp.CreatedAt.Before(*olderThan) {
			continue
		}
		delete(s.responses, id)
		deleted++
	}
	return deleted, nil
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
