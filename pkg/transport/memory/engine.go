// Package memory provides an in-process engine that honours the transport
// contract, for tests and local development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/transport"
)

const (
	OpGet        = "GetWorkflow"
	OpUpdate     = "UpdateWorkflow"
	OpActivate   = "ActivateWorkflow"
	OpDeactivate = "DeactivateWorkflow"
)

// Call is one recorded transport invocation.
type Call struct {
	Op         string
	WorkflowID string
}

// Engine stores workflows and executions in memory.
type Engine struct {
	mu         sync.RWMutex
	workflows  map[string]*models.WorkflowDefinition
	executions []models.Execution
	failures   map[string]error
	calls      []Call
}

func NewEngine() *Engine {
	return &Engine{
		workflows: make(map[string]*models.WorkflowDefinition),
		failures:  make(map[string]error),
	}
}

// Seed stores definitions as if they were already deployed.
func (e *Engine) Seed(definitions ...*models.WorkflowDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, def := range definitions {
		e.workflows[def.ID] = models.CloneWorkflow(def)
	}
}

// AddExecutions records engine runs returned by ListExecutions.
func (e *Engine) AddExecutions(executions ...models.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executions = append(e.executions, executions...)
}

// FailOn makes every later call of op return err; a nil err clears it.
func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil {
		delete(e.failures, op)

		return
	}

	e.failures[op] = err
}

// Calls returns the mutating and read calls received so far.
func (e *Engine) Calls() []Call {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return slices.Clone(e.calls)
}

// MutationCount counts update, activate and deactivate calls.
func (e *Engine) MutationCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	count := 0

	for _, call := range e.calls {
		if call.Op != OpGet {
			count++
		}
	}

	return count
}

func (e *Engine) enter(op, id string) error {
	e.calls = append(e.calls, Call{Op: op, WorkflowID: id})

	return e.failures[op]
}

func (e *Engine) GetWorkflow(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter(OpGet, id); err != nil {
		return nil, err
	}

	def, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrWorkflowNotFound, id)
	}

	return models.CloneWorkflow(def), nil
}

func (e *Engine) UpdateWorkflow(_ context.Context, id string, definition *models.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter(OpUpdate, id); err != nil {
		return err
	}

	stored := models.CloneWorkflow(definition)
	stored.ID = id

	if existing, ok := e.workflows[id]; ok {
		stored.Active = existing.Active
	} else {
		stored.Active = false
	}

	e.workflows[id] = stored

	return nil
}

func (e *Engine) setActive(op, id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enter(op, id); err != nil {
		return err
	}

	def, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrWorkflowNotFound, id)
	}

	def.Active = active

	return nil
}

func (e *Engine) ActivateWorkflow(_ context.Context, id string) error {
	return e.setActive(OpActivate, id, true)
}

func (e *Engine) DeactivateWorkflow(_ context.Context, id string) error {
	return e.setActive(OpDeactivate, id, false)
}

func (e *Engine) ListWorkflows(_ context.Context) ([]models.WorkflowSummary, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	summaries := make([]models.WorkflowSummary, 0, len(e.workflows))
	for _, def := range e.workflows {
		summaries = append(summaries, models.WorkflowSummary{ID: def.ID, Name: def.Name, Active: def.Active, UpdatedAt: def.UpdatedAt})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	return summaries, nil
}

func (e *Engine) ListExecutions(_ context.Context, filter transport.ExecutionFilter) ([]models.Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	executions := make([]models.Execution, 0)

	for _, execution := range e.executions {
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		executions = append(executions, execution)

		if filter.Limit > 0 && len(executions) == filter.Limit {
			break
		}
	}

	return executions, nil
}
