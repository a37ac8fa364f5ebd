package waitnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

// NotifyCallbackHandler runs when a wait instance resolves.
// payload is the opaque value stored with the CallbackRef; responses holds what
// arrived for each correlation id (all of them, except on timeout).
type NotifyCallbackHandler interface {
	Notify(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error
	NotifyError(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error
	NotifyTimeout(ctx context.Context, payload json.RawMessage, responses map[string]models.ResponseData) error
}

// CallbackRegistry resolves callback types to handlers at delivery time
type CallbackRegistry struct {
	mu       sync.RWMutex
	handlers map[string]NotifyCallbackHandler
}

func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{handlers: map[string]NotifyCallbackHandler{}}
}

// Register binds a handler to a callback type. Registering a type twice is an error.
func (r *CallbackRegistry) Register(callbackType string, handler NotifyCallbackHandler) error {
	if callbackType == "" || handler == nil {
		return fmt.Errorf("callback type and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[callbackType]; ok {
		return fmt.Errorf("callback type %s is already registered", callbackType)
	}
	r.handlers[callbackType] = handler
	return nil
}

func (r *CallbackRegistry) Resolve(callbackType string) (NotifyCallbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[callbackType]
	return handler, ok
}

// Types lists the registered callback types
func (r *CallbackRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
