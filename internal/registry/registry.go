// Package registry implements the explicit task-function registry (spec
// §9): dynamic callable references in the original source are replaced by
// names registered at startup, looked up by the orchestrator when
// executing a loaded task. A task whose FunctionRef is not registered
// fails cleanly with ErrValidation, never a panic.
package registry

import (
	"fmt"
	"sync"

	"github.com/bioflow/orchestrator/internal/workflow"
)

// Registry maps a task's function_ref name to its callable.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]workflow.Func
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]workflow.Func)}
}

// Register associates name with fn. Registering the same name twice
// replaces the previous callable (useful for tests).
func (r *Registry) Register(name string, fn workflow.Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Resolve looks up name, returning workflow.ErrValidation wrapped in a
// *workflow.TaskError if it is not registered.
func (r *Registry) Resolve(name string) (workflow.Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, &workflow.TaskError{
			Kind:    workflow.ErrValidation,
			Message: fmt.Sprintf("no task function registered under name %q", name),
		}
	}
	return fn, nil
}

// Names returns every registered function name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	return names
}
