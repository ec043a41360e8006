// Package executor maps task and workflow definitions to typed handlers and
// runs them for the retry scheduler and the schedule executor.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"conductor/internal/retry"
)

// Handler runs one kind of task against its JSON payload.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// Definition binds a task or workflow id to a handler type and payload.
type Definition struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Registry holds handlers by type and definitions by id. It satisfies both
// the retry scheduler's executor and the schedule executor's runner.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	definitions map[string]Definition
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		definitions: make(map[string]Definition),
	}
}

// RegisterHandler binds a handler to a task type, replacing any previous one.
func (r *Registry) RegisterHandler(taskType string, h Handler) {
	r.mu.Lock()
	r.handlers[taskType] = h
	r.mu.Unlock()
	log.Debug().Str("type", taskType).Msg("handler registered")
}

// RegisterDefinition stores a runnable definition under its id.
func (r *Registry) RegisterDefinition(d Definition) error {
	if d.ID == "" || d.Type == "" {
		return fmt.Errorf("definition requires id and type")
	}
	r.mu.Lock()
	r.definitions[d.ID] = d
	r.mu.Unlock()
	return nil
}

// UnregisterDefinition removes a definition.
func (r *Registry) UnregisterDefinition(id string) {
	r.mu.Lock()
	delete(r.definitions, id)
	r.mu.Unlock()
}

func (r *Registry) lookup(id string) (Definition, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[id]
	if !ok {
		return Definition{}, nil, fmt.Errorf("no definition registered for %q", id)
	}
	h, ok := r.handlers[d.Type]
	if !ok {
		return Definition{}, nil, fmt.Errorf("no handler registered for type %q", d.Type)
	}
	return d, h, nil
}

// Run executes the definition registered under workflowID.
func (r *Registry) Run(ctx context.Context, workflowID string) error {
	d, h, err := r.lookup(workflowID)
	if err != nil {
		return err
	}
	return h.Handle(ctx, d.Payload)
}

// Execute runs the definition registered under taskID, reporting the outcome
// in the form the retry scheduler consumes.
func (r *Registry) Execute(ctx context.Context, taskID string) (retry.ExecResult, error) {
	d, h, err := r.lookup(taskID)
	if err != nil {
		return retry.ExecResult{Success: false, Error: err.Error()}, nil
	}
	if err := h.Handle(ctx, d.Payload); err != nil {
		return retry.ExecResult{Success: false, Error: err.Error()}, nil
	}
	return retry.ExecResult{Success: true}, nil
}
