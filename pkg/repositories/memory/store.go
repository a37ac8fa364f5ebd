// Package memory holds in-process repository implementations used by local runs and tests.
package memory

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// clone deep-copies v so callers never share state with the store
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// Store backs every memory repository with a single lock
type Store struct {
	mu sync.Mutex

	nodes      map[string]*models.NodeExecution
	plans      map[string]*models.PlanExecution
	interrupts map[string]*models.Interrupt
	waits      map[string]*models.WaitInstance
	queues     map[string]*models.WaitQueue
	responses  map[string]*models.NotifyResponse // keyed by correlation id

	now func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		nodes:      map[string]*models.NodeExecution{},
		plans:      map[string]*models.PlanExecution{},
		interrupts: map[string]*models.Interrupt{},
		waits:      map[string]*models.WaitInstance{},
		queues:     map[string]*models.WaitQueue{},
		responses:  map[string]*models.NotifyResponse{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// NodeExecutions returns the node execution repository view of the store
func (s *Store) NodeExecutions() repositories.NodeExecutionRepo {
	return &NodeExecutionRepository{store: s}
}

// PlanExecutions returns the plan execution repository view of the store
func (s *Store) PlanExecutions() repositories.PlanExecutionRepo {
	return &PlanExecutionRepository{store: s}
}

// Interrupts returns the interrupt repository view of the store
func (s *Store) Interrupts() repositories.InterruptRepo {
	return &InterruptRepository{store: s}
}

// WaitNotify returns the wait/notify repository view of the store
func (s *Store) WaitNotify() repositories.WaitNotifyRepo {
	return &WaitNotifyRepository{store: s}
}

func newID() string {
	return uuid.New().String()
}

func sortNodes(nodes []models.NodeExecution) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
}
