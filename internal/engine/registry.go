package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/registrar/pkg/api"
)

// definitionRegistry holds the orchestrations and activities known to an
// engine. Definitions are registered once and never replaced.
type definitionRegistry struct {
	mu         sync.RWMutex
	workflows  map[string]api.WorkflowDefinition
	activities map[string]api.ActivityDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		workflows:  make(map[string]api.WorkflowDefinition),
		activities: make(map[string]api.ActivityDefinition),
	}
}

func (r *definitionRegistry) registerWorkflow(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("workflow %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

func (r *definitionRegistry) registerActivity(def api.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("activity %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

func (r *definitionRegistry) workflow(name string) (api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("workflow %q not found", name)
	}
	return def, nil
}

func (r *definitionRegistry) activity(name string) (api.ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.activities[name]
	if !ok {
		return api.ActivityDefinition{}, fmt.Errorf("activity %q not found", name)
	}
	return def, nil
}
