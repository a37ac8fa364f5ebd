package steps

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"
)

// Registry maps step types to their implementation
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// NewDefaultRegistry returns a registry holding every built-in step
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Step{
		&NoopStep{},
		&FailStep{},
		&ShellScriptStep{},
		&SectionStep{},
		&ForkStep{},
		&RollbackChainStep{},
		&ApprovalStep{},
	} {
		// built-in types are unique
		_ = r.Register(s)
	}
	return r
}

// Register adds a step. A type may only be registered once and must implement a capability.
func (r *Registry) Register(step Step) error {
	if _, err := ModeOf(step); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.steps[step.Type()]; ok {
		return fmt.Errorf("step type %s is already registered", step.Type())
	}
	r.steps[step.Type()] = step
	return nil
}

// Get resolves a step type. Unknown types are a 400 since they come from the plan.
func (r *Registry) Get(stepType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, ok := r.steps[stepType]
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown step type %s", stepType)
	}
	return step, nil
}

// Types lists registered step types in order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
