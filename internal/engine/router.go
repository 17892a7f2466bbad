// Package engine implements the concurrency-bounded execution loop: it pulls
// ready tasks from the scheduler, dispatches them through the task router
// under circuit-breaker protection, and feeds outcomes back.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tkodaira/pipeflow/internal/model"
)

// Outcome is the explicit result type a handler returns. Failure is data, not
// a panic or an error thrown across goroutine boundaries.
type Outcome struct {
	Success bool
	Result  any
	Quality float64
	Cost    float64
	Err     string
}

// Succeed builds a successful outcome.
func Succeed(result any, cost float64) Outcome {
	return Outcome{Success: true, Result: result, Cost: cost}
}

// Failf builds a failed outcome.
func Failf(format string, args ...any) Outcome {
	return Outcome{Err: fmt.Sprintf(format, args...)}
}

// Handler performs the actual work named by a task's type. The scheduler core
// imposes no schema on params or result.
type Handler func(ctx context.Context, task *model.Task) Outcome

// Registry is the closed routing table from task type to handler. All
// registrations happen at startup; Validate turns an unroutable task type
// into a construction-time error instead of a runtime lookup failure.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a task type to its handler. Duplicate registration is
// rejected.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("empty task type")
	}
	if h == nil {
		return fmt.Errorf("nil handler for task type %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler for task type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Route returns the handler for a task type.
func (r *Registry) Route(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Validate checks that every given task type is routable.
func (r *Registry) Validate(taskTypes ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tt := range taskTypes {
		if _, ok := r.handlers[tt]; !ok {
			return fmt.Errorf("%w: %s", model.ErrUnroutableType, tt)
		}
	}
	return nil
}

// Types lists the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for tt := range r.handlers {
		types = append(types, tt)
	}
	sort.Strings(types)
	return types
}
