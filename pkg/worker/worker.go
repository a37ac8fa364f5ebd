// Package worker runs SHELL tasks in-process for `fern run --local`.
// It stands in for the remote worker fleet: it accepts the same task requests,
// interrupt events and abort requests the Kafka producer would publish, and it
// answers through the wait/notify engine the way the Kafka response consumer does.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/steps"
)

const maxErrorTail = 2048

var errTaskAborted = errors.New("task aborted")

type Config struct {
	Shell string
	// Dir is the working directory for scripts. Empty means the current directory.
	Dir string
	// DefaultTimeout applies when a task request carries no timeout
	DefaultTimeout time.Duration
}

// LocalWorker executes task requests as child processes
type LocalWorker struct {
	notifier kafka.ResponseNotifier
	config   Config
	logger   ectologger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	tasks  map[string]context.CancelCauseFunc
}

func NewLocalWorker(notifier kafka.ResponseNotifier, config Config, logger ectologger.Logger) *LocalWorker {
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalWorker{
		notifier: notifier,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]context.CancelCauseFunc),
	}
}

// PublishTask starts the task in the background. The result is reported with the task id as correlation id.
func (w *LocalWorker) PublishTask(ctx context.Context, req models.TaskRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("task request has no task id")
	}

	taskCtx, cancel := context.WithCancelCause(w.ctx)
	w.mu.Lock()
	if _, exists := w.tasks[req.TaskID]; exists {
		w.mu.Unlock()
		cancel(nil)
		return nil
	}
	w.tasks[req.TaskID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.forget(req.TaskID)

		result := w.run(taskCtx, req)
		w.report(req, result)
	}()
	return nil
}

// PublishEvent stops the task a node is running and acknowledges right away
func (w *LocalWorker) PublishEvent(ctx context.Context, evt kafka.InterruptEvent) (string, error) {
	if evt.NotifyID == "" {
		evt.NotifyID = uuid.New().String()
	}
	if evt.TaskID != "" {
		w.abort(evt.TaskID)
	}

	ack, err := json.Marshal(map[string]any{
		"interrupt_id":      evt.InterruptID,
		"node_execution_id": evt.NodeExecutionID,
		"acknowledged":      true,
	})
	if err != nil {
		return "", err
	}
	if _, err := w.notifier.Notify(ctx, evt.NotifyID, ack); err != nil {
		return "", err
	}
	return evt.NotifyID, nil
}

func (w *LocalWorker) PublishTaskAbort(ctx context.Context, req kafka.TaskAbortRequest) error {
	w.abort(req.TaskID)
	return nil
}

// PublishLifecycleEvent has no downstream consumer locally, so events are only logged
func (w *LocalWorker) PublishLifecycleEvent(ctx context.Context, evt kafka.LifecycleEvent) error {
	w.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":        evt.Type,
		"plan_execution_id": evt.PlanExecutionID,
		"node_execution_id": evt.NodeExecutionID,
		"step_type":         evt.StepType,
		"status":            evt.Status,
	}).Info("Lifecycle event")
	return nil
}

// Running returns the ids of tasks still executing
func (w *LocalWorker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every started task has reported or ctx ends
func (w *LocalWorker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close kills running tasks and waits for them to report
func (w *LocalWorker) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *LocalWorker) abort(taskID string) {
	w.mu.Lock()
	cancel, ok := w.tasks[taskID]
	w.mu.Unlock()
	if ok {
		cancel(errTaskAborted)
	}
}

func (w *LocalWorker) forget(taskID string) {
	w.mu.Lock()
	cancel, ok := w.tasks[taskID]
	delete(w.tasks, taskID)
	w.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (w *LocalWorker) run(ctx context.Context, req models.TaskRequest) models.TaskResult {
	startedAt := time.Now().UnixMilli()
	result := models.TaskResult{TaskID: req.TaskID}

	if req.TaskCategory != steps.TaskCategoryShell {
		result.Status = models.StatusFailed
		result.ErrorMessage = fmt.Sprintf("local worker cannot run task category %q", req.TaskCategory)
		result.UnitProgresses = units(req.Units, result.Status, startedAt)
		return result
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = w.config.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	script, _ := req.Parameters["script"].(string)
	cmd := exec.CommandContext(runCtx, w.config.Shell, "-c", script)
	cmd.Dir = w.config.Dir
	cmd.Env = append(os.Environ(), taskEnv(req)...)
	// grandchildren holding the output pipes must not block a killed task
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	result.Output = map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}

	switch {
	case errors.Is(context.Cause(ctx), errTaskAborted):
		result.Status = models.StatusAborted
		result.ErrorMessage = "task aborted"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = models.StatusExpired
		result.ErrorMessage = fmt.Sprintf("task exceeded its %s timeout", timeout)
	case ctx.Err() != nil:
		result.Status = models.StatusAborted
		result.ErrorMessage = "worker shut down"
	case runErr != nil && exitErr == nil:
		result.Status = models.StatusFailed
		result.ErrorMessage = runErr.Error()
	case runErr != nil:
		result.Status = models.StatusFailed
		result.ErrorMessage = fmt.Sprintf("script exited with code %d: %s", exitCode, tail(stderr.String()))
	default:
		result.Status = models.StatusSucceeded
	}

	result.UnitProgresses = units(req.Units, result.Status, startedAt)
	return result
}

func (w *LocalWorker) report(req models.TaskRequest, result models.TaskResult) {
	log := w.logger.WithFields(map[string]any{
		"task_id":           req.TaskID,
		"node_execution_id": req.NodeExecutionID,
		"plan_execution_id": req.PlanExecutionID,
		"status":            result.Status,
	})

	payload, err := json.Marshal(result)
	if err != nil {
		log.WithError(err).Error("Failed to encode task result")
		return
	}

	// the worker context may already be cancelled during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.notifier.Notify(ctx, req.TaskID, payload); err != nil {
		log.WithError(err).Error("Failed to report task result")
		return
	}
	log.Debug("Task finished")
}

// taskEnv exposes the env parameter plus task identity to the script
func taskEnv(req models.TaskRequest) []string {
	env := []string{
		"FERN_TASK_ID=" + req.TaskID,
		"FERN_NODE_EXECUTION_ID=" + req.NodeExecutionID,
		"FERN_PLAN_EXECUTION_ID=" + req.PlanExecutionID,
	}
	vars, _ := req.Parameters["env"].(map[string]any)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%v", k, vars[k]))
	}
	return env
}

func units(names []string, status models.Status, startedAt int64) []models.UnitProgress {
	if len(names) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	out := make([]models.UnitProgress, len(names))
	for i, name := range names {
		out[i] = models.UnitProgress{
			UnitName:  name,
			Status:    models.UnitStatusFor(status),
			StartTime: startedAt,
			EndTime:   now,
		}
	}
	return out
}

func tail(s string) string {
	if len(s) <= maxErrorTail {
		return s
	}
	return s[len(s)-maxErrorTail:]
}
