package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// StepInput is the accumulated execution state handed to each step.
type StepInput struct {
	RunID    string
	TaskKind string
	Params   map[string]any
	// Outputs holds the recorded output of every previously succeeded
	// step, keyed by step name.
	Outputs map[string]map[string]any
	// Event carries the external completion payload when a finalization
	// step runs on the resume path; nil on the synchronous path.
	Event *ExternalEvent
	// Tx is the store transaction the step-result append will commit in.
	// Steps writing domain entities through the same store join it so
	// both commit or neither does.
	Tx TxStore
}

// StepResult is the outcome of one step execution.
type StepResult struct {
	Output map[string]any
	// Pending indicates the step produced an intermediate artifact and
	// will be confirmed out-of-band. Only meaningful on the async step.
	Pending bool
	// CorrelationID links the paused run to the future external event.
	// Generated when empty and Pending is set.
	CorrelationID string
}

// CompensationInput is handed to a step's compensation action during rollback.
type CompensationInput struct {
	RunID    string
	TaskKind string
	Params   map[string]any
	// Output is the recorded output of the step being undone.
	Output map[string]any
}

// Step is one named, opaque operation in a task's sequence.
type Step struct {
	Name    string
	Execute func(ctx context.Context, in StepInput) (*StepResult, error)
	// Compensate undoes a previously successful execution during
	// rollback. Optional; best-effort.
	Compensate func(ctx context.Context, in CompensationInput) error
	// Async marks the step whose outcome may arrive via an external
	// event instead of the return value. At most one per task.
	Async bool
	// Retry overrides the engine retry table for this step when set.
	Retry *RetryConfig
}

// TaskDefinition is the ordered step sequence for one task kind, plus the
// lock-free entity resolver and the response assembler.
type TaskDefinition struct {
	Kind  string
	Steps []Step
	// ResolveEntities derives the entity ids to lock before the guarded
	// region begins. Runs lock-free; must not mutate anything.
	ResolveEntities func(ctx context.Context, params map[string]any) ([]string, error)
	// BuildResponse assembles the final response payload from the step
	// outputs. Defaults to the output of the last step.
	BuildResponse func(outputs map[string]map[string]any) map[string]any
}

// Validate checks structural task invariants.
func (t TaskDefinition) Validate() error {
	if strings.TrimSpace(t.Kind) == "" {
		return errors.New("task kind required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("task %s requires at least one step", t.Kind)
	}
	seen := make(map[string]struct{}, len(t.Steps))
	asyncCount := 0
	for _, step := range t.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("task %s has a step without a name", t.Kind)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("task %s registers step %s twice", t.Kind, name)
		}
		seen[name] = struct{}{}
		if step.Execute == nil {
			return fmt.Errorf("task %s step %s requires an execute function", t.Kind, name)
		}
		if step.Async {
			asyncCount++
		}
	}
	if asyncCount > 1 {
		return fmt.Errorf("task %s declares %d async steps, at most one is supported", t.Kind, asyncCount)
	}
	return nil
}

func (t TaskDefinition) asyncStepName() string {
	for _, step := range t.Steps {
		if step.Async {
			return strings.TrimSpace(step.Name)
		}
	}
	return ""
}

// TaskRegistry maps task kinds to their step sequences.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]TaskDefinition
}

// NewTaskRegistry constructs an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]TaskDefinition)}
}

// Register adds a task definition; re-registering a kind is a conflict.
func (r *TaskRegistry) Register(task TaskDefinition) error {
	if r == nil {
		return errors.New("task registry not configured")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	task.Kind = strings.TrimSpace(task.Kind)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.Kind]; exists {
		return fmt.Errorf("task %s already registered", task.Kind)
	}
	r.tasks[task.Kind] = task
	return nil
}

// Lookup returns the definition for kind.
func (r *TaskRegistry) Lookup(kind string) (TaskDefinition, error) {
	if r == nil {
		return TaskDefinition{}, errors.New("task registry not configured")
	}
	kind = strings.TrimSpace(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[kind]
	if !ok {
		return TaskDefinition{}, ErrTaskNotFound.Clone().WithMetadata(map[string]any{"task_kind": kind})
	}
	return task, nil
}

// Kinds lists registered task kinds.
func (r *TaskRegistry) Kinds() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for kind := range r.tasks {
		out = append(out, kind)
	}
	return out
}
