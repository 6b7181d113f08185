package saga

import (
	"context"
	"errors"
	"strings"
)

// HandleExternalEvent resumes the paused run matching the event's
// correlation id. Success events record the async step's outcome and run
// the remaining finalization steps; failure events roll the run back.
// Events for already-terminal runs are acknowledged without effect, so
// at-least-once delivery and duplicates are safe.
func (o *Orchestrator) HandleExternalEvent(ctx context.Context, event ExternalEvent) (*RunResult, error) {
	if o == nil {
		return nil, errors.New("orchestrator not configured")
	}
	correlationID := strings.TrimSpace(event.CorrelationID)
	if correlationID == "" {
		return nil, ErrUnknownCorrelation.Clone()
	}

	ec, err := o.store.LoadByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		// surfaced to the consumer so the delivery can be dead-lettered
		// or retried once the pause commits
		return nil, ErrUnknownCorrelation.Clone().WithMetadata(map[string]any{
			"correlation_id": correlationID,
		})
	}
	logger := withLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"run_id":         ec.ID,
		"correlation_id": correlationID,
	})

	if ec.Status.IsTerminal() {
		// duplicate or late delivery after the run already settled
		logger.Debug("external event ignored, run is %s", ec.Status)
		return o.terminalResult(ec), nil
	}
	if ec.Status != StatusPendingExternal {
		return nil, ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"status": string(ec.Status),
		})
	}

	task, err := o.tasks.Lookup(ec.TaskKind)
	if err != nil {
		return nil, err
	}
	asyncStep := task.asyncStepName()
	if asyncStep == "" {
		return nil, ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id":    ec.ID,
			"task_kind": ec.TaskKind,
		})
	}

	leases, err := o.acquire(ctx, ec.ID, ec.EntityIDs)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, leases)

	// re-read under the lease: a concurrent delivery may have won the race
	ec, err = o.store.Load(ctx, ec.ID)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, ErrRunNotFound.Clone().WithMetadata(map[string]any{"correlation_id": correlationID})
	}
	if ec.Status.IsTerminal() {
		return o.terminalResult(ec), nil
	}

	switch event.Kind {
	case ExternalFailure:
		return o.resumeFailure(ctx, ec, task, asyncStep, event, logger)
	case ExternalSuccess:
		return o.resumeSuccess(ctx, ec, task, asyncStep, event, leases, logger)
	default:
		return nil, ErrRunConflict.Clone().WithMetadata(map[string]any{
			"run_id": ec.ID,
			"kind":   string(event.Kind),
		})
	}
}

func (o *Orchestrator) terminalResult(ec *ExecutionContext) *RunResult {
	result := &RunResult{
		RunID:         ec.ID,
		Status:        ec.Status,
		CorrelationID: ec.CorrelationID,
	}
	if ec.Status == StatusCompleted {
		result.Response = copyMap(ec.Response)
	}
	return result
}

func (o *Orchestrator) resumeSuccess(ctx context.Context, ec *ExecutionContext, task TaskDefinition, asyncStep string, event ExternalEvent, leases []Lease, logger Logger) (*RunResult, error) {
	if ec.SuccessRecord(asyncStep) == nil {
		now := o.now()
		err := o.store.RunInTransaction(ctx, func(tx TxStore) error {
			if err := tx.AppendStep(ctx, ec.ID, StepRecord{
				StepName:   asyncStep,
				Outcome:    OutcomeSuccess,
				Output:     copyMap(event.Payload),
				Attempt:    1,
				StartedAt:  now,
				FinishedAt: now,
			}); err != nil {
				return err
			}
			return tx.SetStatus(ctx, ec.ID, StatusRunning, StatusChange{
				CorrelationID: ec.CorrelationID,
			})
		})
		if err != nil {
			return nil, err
		}
		o.metrics.RecordStepOutcome(asyncStep, OutcomeSuccess)
	}

	current, err := o.store.Load(ctx, ec.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("run resumed by external success")
	return o.runSequence(ctx, current, task, leases, &event)
}

func (o *Orchestrator) resumeFailure(ctx context.Context, ec *ExecutionContext, task TaskDefinition, asyncStep string, event ExternalEvent, logger Logger) (*RunResult, error) {
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "external failure"
	}
	o.appendFailure(ctx, ec.ID, asyncStep, OutcomeFailedTerminal, errors.New(reason), 1, o.now())
	o.metrics.RecordStepOutcome(asyncStep, OutcomeFailedTerminal)

	cause := cloneEngineError(ErrStepTerminal, "step "+asyncStep+" failed: "+reason, nil,
		map[string]any{"run_id": ec.ID, "step": asyncStep})
	if err := o.rollback(ctx, ec, task, ec.Outputs(), cause, logger); err != nil {
		logger.Error("rollback bookkeeping failed: %v", err)
	}
	o.metrics.RecordRunStatus(StatusRolledBack)
	o.emit(ctx, nil, Notification{
		Topic:         TopicRunUpdated,
		RunID:         ec.ID,
		CorrelationID: ec.CorrelationID,
		EntityIDs:     ec.EntityIDs,
		Payload:       map[string]any{"status": string(StatusRolledBack), "step": asyncStep, "reason": reason},
	})
	logger.Info("run rolled back by external failure")
	return &RunResult{
		RunID:         ec.ID,
		Status:        StatusRolledBack,
		CorrelationID: ec.CorrelationID,
	}, nil
}
