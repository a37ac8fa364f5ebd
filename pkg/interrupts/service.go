package interrupts

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/nodeexecution"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

// InterruptRequest asks for an interrupt to be registered and applied
type InterruptRequest struct {
	Type            models.InterruptType   `json:"type" validate:"required,oneof=ABORT_ALL ABORT MARK_EXPIRED EXPIRE_ALL RETRY"`
	PlanExecutionID string                 `json:"plan_execution_id" validate:"required"`
	NodeExecutionID string                 `json:"node_execution_id,omitempty"`
	Config          models.InterruptConfig `json:"config"`
}

// Service registers interrupts and applies them
type Service struct {
	repo   repositories.InterruptRepo
	plans  repositories.PlanExecutionRepo
	nodes  *nodeexecution.Service
	abort  *AbortHelper
	expiry *ExpiryHelper
	retry  *RetryHelper
	logger ectologger.Logger
	now    func() time.Time
}

func NewService(
	repo repositories.InterruptRepo,
	plans repositories.PlanExecutionRepo,
	nodes *nodeexecution.Service,
	abort *AbortHelper,
	expiry *ExpiryHelper,
	retry *RetryHelper,
	logger ectologger.Logger,
) *Service {
	return &Service{
		repo:   repo,
		plans:  plans,
		nodes:  nodes,
		abort:  abort,
		expiry: expiry,
		retry:  retry,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and stores the interrupt, then applies it. The returned interrupt
// carries its final state; delivery failures are returned alongside it.
func (s *Service) Register(ctx context.Context, req InterruptRequest) (*models.Interrupt, error) {
	ctx, span := tracing.StartSpan(ctx, "InterruptService.Register")
	defer span.End()

	if req.Config.IssuedBy.Type == "" {
		req.Config.IssuedBy.Type = models.IssuerManual
	}
	if err := validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid interrupt: %v", err)
	}
	if req.Type.TargetsNode() && req.NodeExecutionID == "" {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s requires a node execution id", req.Type)
	}

	execution, err := s.plans.GetByID(ctx, req.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if execution.Status.IsTerminal() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "plan execution %s already ended %s", execution.ID, execution.Status)
	}
	if req.NodeExecutionID != "" {
		node, err := s.nodes.Get(ctx, req.NodeExecutionID)
		if err != nil {
			return nil, err
		}
		if node.PlanExecutionID != req.PlanExecutionID {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "node execution %s does not belong to plan execution %s", node.ID, req.PlanExecutionID)
		}
	}

	now := s.now()
	interrupt := &models.Interrupt{
		ID:              uuid.New().String(),
		Type:            req.Type,
		PlanExecutionID: req.PlanExecutionID,
		NodeExecutionID: req.NodeExecutionID,
		State:           models.InterruptStateRegistered,
		Config:          req.Config,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, interrupt); err != nil {
		return nil, err
	}
	metrics.RecordInterrupt(string(interrupt.Type), string(interrupt.State))

	ctx = appctx.SetInterruptID(appctx.SetPlanExecutionID(ctx, interrupt.PlanExecutionID), interrupt.ID)
	logger := s.logger.WithContext(ctx).WithFields(map[string]any{
		"interrupt_id":      interrupt.ID,
		"interrupt_type":    interrupt.Type,
		"plan_execution_id": interrupt.PlanExecutionID,
		"node_execution_id": interrupt.NodeExecutionID,
		"issued_by":         interrupt.Config.IssuedBy.Type,
	})

	if err := s.transition(ctx, interrupt, models.InterruptStateRegistered, models.InterruptStateProcessing); err != nil {
		return interrupt, err
	}

	processErr := s.process(ctx, interrupt)

	final := models.InterruptStateProcessedSuccessfully
	if processErr != nil {
		final = models.InterruptStateProcessedUnsuccessfully
		logger.WithError(processErr).Error("interrupt processing failed")
	} else {
		logger.Info("interrupt processed")
	}
	if err := s.transition(ctx, interrupt, models.InterruptStateProcessing, final); err != nil {
		return interrupt, errors.Join(processErr, err)
	}
	return interrupt, processErr
}

func (s *Service) transition(ctx context.Context, interrupt *models.Interrupt, from, to models.InterruptState) error {
	ok, err := s.repo.UpdateState(ctx, interrupt.ID, []models.InterruptState{from}, to)
	if err != nil {
		return err
	}
	if !ok {
		return httperror.NewHTTPErrorf(http.StatusConflict, "interrupt %s is no longer %s", interrupt.ID, from)
	}
	interrupt.State = to
	metrics.RecordInterrupt(string(interrupt.Type), string(to))
	return nil
}

func (s *Service) process(ctx context.Context, interrupt *models.Interrupt) error {
	switch interrupt.Type {
	case models.InterruptTypeAbortAll:
		return s.abortAll(ctx, interrupt)
	case models.InterruptTypeAbort:
		return s.abortNode(ctx, interrupt)
	case models.InterruptTypeMarkExpired:
		return s.markExpired(ctx, interrupt)
	case models.InterruptTypeExpireAll:
		return s.expireAll(ctx, interrupt)
	case models.InterruptTypeRetry:
		_, err := s.retry.RetryNodeExecution(ctx, interrupt.NodeExecutionID, interrupt.ID, interrupt.Config)
		return err
	default:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "unsupported interrupt type %s", interrupt.Type)
	}
}

func (s *Service) effect(interrupt *models.Interrupt) models.InterruptEffect {
	return models.InterruptEffect{
		InterruptID: interrupt.ID,
		Type:        interrupt.Type,
		Config:      interrupt.Config,
		CreatedAt:   s.now(),
	}
}

// deepestFirst orders nodes so children are handled before their parents
func deepestFirst(nodes []models.NodeExecution) []models.NodeExecution {
	sort.SliceStable(nodes, func(i, j int) bool {
		return len(nodes[i].Ambiance.Levels) > len(nodes[j].Ambiance.Levels)
	})
	return nodes
}

func (s *Service) abortAll(ctx context.Context, interrupt *models.Interrupt) error {
	active, err := s.nodes.FetchActive(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}

	var errs []error
	for _, node := range deepestFirst(active) {
		if err := s.discontinue(ctx, node.ID, interrupt); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := s.plans.UpdateStatus(ctx, interrupt.PlanExecutionID, models.StatusAborted, []models.Status{models.StatusRunning}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// abortNode aborts the target node and everything running beneath it
func (s *Service) abortNode(ctx context.Context, interrupt *models.Interrupt) error {
	target, err := s.nodes.Get(ctx, interrupt.NodeExecutionID)
	if err != nil {
		return err
	}
	if target.IsTerminal() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "node execution %s already ended %s", target.ID, target.Status)
	}

	active, err := s.nodes.FetchActive(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}
	subtree := ectolinq.Filter(active, func(n models.NodeExecution) bool {
		return n.Ambiance.ContainsRuntimeID(target.ID)
	})

	var errs []error
	for _, node := range deepestFirst(subtree) {
		if err := s.discontinue(ctx, node.ID, interrupt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// discontinue marks one node DISCONTINUING and aborts it. A node that already ended is skipped.
func (s *Service) discontinue(ctx context.Context, nodeExecutionID string, interrupt *models.Interrupt) error {
	marked, err := s.nodes.MarkDiscontinuing(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if marked == nil {
		return nil
	}
	if _, err := s.nodes.AppendInterruptHistory(ctx, marked.ID, s.effect(interrupt)); err != nil {
		return err
	}
	return s.abort.DiscontinueMarkedInstance(ctx, marked, interrupt)
}

func (s *Service) markExpired(ctx context.Context, interrupt *models.Interrupt) error {
	node, err := s.nodes.Get(ctx, interrupt.NodeExecutionID)
	if err != nil {
		return err
	}
	if node.IsTerminal() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "node execution %s already ended %s", node.ID, node.Status)
	}
	return s.expire(ctx, node, interrupt)
}

func (s *Service) expireAll(ctx context.Context, interrupt *models.Interrupt) error {
	active, err := s.nodes.FetchActive(ctx, interrupt.PlanExecutionID)
	if err != nil {
		return err
	}

	var errs []error
	for _, candidate := range deepestFirst(active) {
		// ending a child may have ended its parent already
		node, err := s.nodes.Get(ctx, candidate.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if node.IsTerminal() {
			continue
		}
		if err := s.expire(ctx, node, interrupt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// expire marks the node DISCONTINUING and ends it EXPIRED. A node an abort is already
// discontinuing is expired as it stands; one that ended meanwhile is skipped.
func (s *Service) expire(ctx context.Context, node *models.NodeExecution, interrupt *models.Interrupt) error {
	marked, err := s.nodes.MarkDiscontinuing(ctx, node.ID)
	if err != nil {
		return err
	}
	if marked == nil {
		if marked, err = s.nodes.Get(ctx, node.ID); err != nil {
			return err
		}
		if marked.Status != models.StatusDiscontinuing {
			return nil
		}
	}
	if _, err := s.nodes.AppendInterruptHistory(ctx, marked.ID, s.effect(interrupt)); err != nil {
		return err
	}
	return s.expiry.ExpireMarkedInstance(ctx, marked, interrupt)
}

// ExpireNode expires a node whose wait timed out. A node that already ended is left alone.
func (s *Service) ExpireNode(ctx context.Context, nodeExecutionID string) error {
	node, err := s.nodes.Get(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if node.IsTerminal() {
		return nil
	}

	_, err = s.Register(ctx, InterruptRequest{
		Type:            models.InterruptTypeMarkExpired,
		PlanExecutionID: node.PlanExecutionID,
		NodeExecutionID: node.ID,
		Config:          models.InterruptConfig{IssuedBy: models.IssuedBy{Type: models.IssuerTimeout, Identifier: "wait-timeout"}},
	})
	if err != nil && httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusBadRequest {
		// the node or its plan ended while the timeout was in flight
		return nil
	}
	return err
}

// List returns the interrupts registered against a plan execution
func (s *Service) List(ctx context.Context, planExecutionID string) ([]models.Interrupt, error) {
	return s.repo.ListByPlanExecution(ctx, planExecutionID)
}
