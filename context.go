package saga

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one execution context.
type Status string

const (
	StatusInitialized     Status = "initialized"
	StatusRunning         Status = "running"
	StatusPendingExternal Status = "pending_external"
	StatusCompleted       Status = "completed"
	StatusRolledBack      Status = "rolled_back"
)

// IsTerminal reports whether the status admits no further mutation.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

func normalizeStatus(s Status) Status {
	return Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// StepOutcome classifies one recorded step attempt.
type StepOutcome string

const (
	OutcomeSuccess            StepOutcome = "success"
	OutcomeFailedTransient    StepOutcome = "failed_transient"
	OutcomeFailedTerminal     StepOutcome = "failed_terminal"
	OutcomeCompensated        StepOutcome = "compensated"
	OutcomeCompensationFailed StepOutcome = "compensation_failed"
)

// StepRecord is one append-only entry in the context step log.
type StepRecord struct {
	StepName   string         `json:"stepName"`
	Outcome    StepOutcome    `json:"outcome"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// ExecutionContext is the durable record of one orchestration attempt.
// Its ID doubles as the idempotency key: a repeated Start with the same
// ID replays the recorded terminal result instead of re-running steps.
type ExecutionContext struct {
	ID              string         `json:"id"`
	TaskKind        string         `json:"taskKind"`
	RequestParams   map[string]any `json:"requestParams,omitempty"`
	EntityIDs       []string       `json:"entityIds,omitempty"`
	Steps           []StepRecord   `json:"steps,omitempty"`
	Status          Status         `json:"status"`
	Response        map[string]any `json:"response,omitempty"`
	RetryTimestamps []time.Time    `json:"retryTimestamps,omitempty"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// SuccessRecord returns the success record for a step, if one exists.
// This is the step guard: a step with a prior success is never re-run.
func (c *ExecutionContext) SuccessRecord(stepName string) *StepRecord {
	if c == nil {
		return nil
	}
	stepName = strings.TrimSpace(stepName)
	for i := range c.Steps {
		if c.Steps[i].StepName == stepName && c.Steps[i].Outcome == OutcomeSuccess {
			return &c.Steps[i]
		}
	}
	return nil
}

// Outputs collects the outputs of all succeeded steps keyed by step name.
func (c *ExecutionContext) Outputs() map[string]map[string]any {
	if c == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(c.Steps))
	for i := range c.Steps {
		if c.Steps[i].Outcome == OutcomeSuccess {
			out[c.Steps[i].StepName] = copyMap(c.Steps[i].Output)
		}
	}
	return out
}

func cloneExecutionContext(c *ExecutionContext) *ExecutionContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RequestParams = copyMap(c.RequestParams)
	cp.Response = copyMap(c.Response)
	if len(c.EntityIDs) > 0 {
		cp.EntityIDs = append([]string(nil), c.EntityIDs...)
	}
	if len(c.RetryTimestamps) > 0 {
		cp.RetryTimestamps = append([]time.Time(nil), c.RetryTimestamps...)
	}
	if len(c.Steps) > 0 {
		cp.Steps = make([]StepRecord, len(c.Steps))
		for i := range c.Steps {
			cp.Steps[i] = cloneStepRecord(c.Steps[i])
		}
	}
	return &cp
}

func cloneStepRecord(rec StepRecord) StepRecord {
	rec.Output = copyMap(rec.Output)
	return rec
}

func copyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// NewRunID generates an execution context id for callers that did not
// supply their own idempotency key.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewCorrelationID generates a token linking a paused run to the external
// event that will resume it.
func NewCorrelationID() string {
	return "corr_" + uuid.NewString()
}
