package saga

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

// StartRequest carries one invocation of a task sequence.
type StartRequest struct {
	// RunID is the caller-supplied idempotency key. Generated when empty.
	RunID    string
	TaskKind string
	Params   map[string]any
}

// RunResult reports the outcome of a Start or HandleExternalEvent call.
type RunResult struct {
	RunID         string
	Status        Status
	Response      map[string]any
	CorrelationID string
}

// RunStatus is a point-in-time summary of one execution context.
type RunStatus struct {
	RunID         string
	TaskKind      string
	Status        Status
	StepsRecorded int
	CorrelationID string
	Response      map[string]any
	ErrorCode     string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// Orchestrator drives task sequences through the context store under
// entity leases, with resume, retry, rollback, and the async completion
// bridge.
type Orchestrator struct {
	tasks      *TaskRegistry
	store      ContextStore
	locks      LockManager
	notifier   Notifier
	retryTable RetryTable
	lockTTL    time.Duration
	useOutbox  bool
	logger     Logger
	metrics    Metrics
	now        func() time.Time
}

// Option customizes orchestrator behavior.
type Option func(*Orchestrator)

// WithLogger configures orchestration logs.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) { o.logger = normalizeLogger(logger) }
}

// WithMetrics configures observability hooks.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = normalizeMetrics(m) }
}

// WithNotifier configures the produced-notification sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = normalizeNotifier(n) }
}

// WithRetryTable installs the per-step retry configuration table.
func WithRetryTable(table RetryTable) Option {
	return func(o *Orchestrator) { o.retryTable = table }
}

// WithLockTTL sets the lease duration for run and entity locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithOutboxNotifications routes notifications through the store outbox
// inside the committing transaction instead of publishing directly. A
// NotificationDispatcher must drain the outbox.
func WithOutboxNotifications() Option {
	return func(o *Orchestrator) { o.useOutbox = true }
}

// NewOrchestrator builds an orchestrator over the given registry, store,
// and lock manager.
func NewOrchestrator(tasks *TaskRegistry, store ContextStore, locks LockManager, opts ...Option) (*Orchestrator, error) {
	if tasks == nil {
		return nil, errors.New("task registry required")
	}
	if store == nil {
		return nil, errors.New("context store required")
	}
	if locks == nil {
		return nil, errors.New("lock manager required")
	}
	o := &Orchestrator{
		tasks:      tasks,
		store:      store,
		locks:      locks,
		notifier:   normalizeNotifier(nil),
		retryTable: DefaultRetryTable(),
		lockTTL:    30 * time.Second,
		logger:     normalizeLogger(nil),
		metrics:    normalizeMetrics(nil),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if err := o.retryTable.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Start creates or resumes the execution context identified by the
// request run id and drives it as far as it can go synchronously.
// Completed and rolled-back contexts replay their recorded result
// without re-running steps or re-acquiring locks.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*RunResult, error) {
	if o == nil {
		return nil, errors.New("orchestrator not configured")
	}
	runID := strings.TrimSpace(req.RunID)

	var existing *ExecutionContext
	if runID != "" {
		loaded, err := o.store.Load(ctx, runID)
		if err != nil {
			return nil, err
		}
		existing = loaded
	} else {
		runID = NewRunID()
	}

	if existing != nil {
		if replay, err := o.replayTerminal(existing); replay != nil || err != nil {
			return replay, err
		}
		if existing.TaskKind != strings.TrimSpace(req.TaskKind) {
			return nil, ErrRunConflict.Clone().WithMetadata(map[string]any{
				"run_id":    existing.ID,
				"task_kind": existing.TaskKind,
			})
		}
		if existing.Status == StatusPendingExternal {
			// already paused at the async boundary; the external event
			// owns the remainder of this run
			return &RunResult{
				RunID:         existing.ID,
				Status:        StatusPendingExternal,
				CorrelationID: existing.CorrelationID,
			}, nil
		}
	}

	task, err := o.tasks.Lookup(req.TaskKind)
	if err != nil {
		return nil, err
	}

	params := copyMap(req.Params)
	if existing != nil {
		params = copyMap(existing.RequestParams)
	}

	entityIDs, err := o.resolveEntities(ctx, task, existing, params)
	if err != nil {
		return nil, err
	}

	leases, err := o.acquire(ctx, runID, entityIDs)
	if err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			o.release(ctx, leases)
		}
	}()

	ec := existing
	if ec == nil {
		ec = &ExecutionContext{
			ID:            runID,
			TaskKind:      task.Kind,
			RequestParams: params,
			EntityIDs:     entityIDs,
			Status:        StatusInitialized,
		}
		if err := o.store.Create(ctx, ec); err != nil {
			// a lost create race surfaces as SAGA_RUN_EXISTS and the
			// caller retries against the stored context
			return nil, err
		}
	} else {
		// retrying an interrupted run: record the attempt timestamp
		if err := o.store.RecordRetry(ctx, runID, o.now()); err != nil {
			return nil, err
		}
	}
	if err := o.store.SetStatus(ctx, runID, StatusRunning, StatusChange{}); err != nil {
		return nil, err
	}
	o.metrics.RecordRunStatus(StatusRunning)

	current, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	result, err := o.runSequence(ctx, current, task, leases, nil)
	if err != nil {
		return nil, err
	}
	released = result.Status == StatusPendingExternal
	if released {
		// release-and-reacquire policy: holding entity leases across an
		// unbounded external wait would starve other runs
		o.release(ctx, leases)
	}
	return result, nil
}

// Status returns a point-in-time summary of one run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunStatus, error) {
	if o == nil {
		return nil, errors.New("orchestrator not configured")
	}
	ec, err := o.store.Load(ctx, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, ErrRunNotFound.Clone().WithMetadata(map[string]any{"run_id": runID})
	}
	return &RunStatus{
		RunID:         ec.ID,
		TaskKind:      ec.TaskKind,
		Status:        ec.Status,
		StepsRecorded: len(ec.Steps),
		CorrelationID: ec.CorrelationID,
		Response:      copyMap(ec.Response),
		ErrorCode:     ec.ErrorCode,
		ErrorMessage:  ec.ErrorMessage,
		UpdatedAt:     ec.UpdatedAt,
	}, nil
}

// replayTerminal resolves Start calls against already-terminal contexts.
func (o *Orchestrator) replayTerminal(ec *ExecutionContext) (*RunResult, error) {
	switch ec.Status {
	case StatusCompleted:
		return &RunResult{
			RunID:    ec.ID,
			Status:   StatusCompleted,
			Response: copyMap(ec.Response),
		}, nil
	case StatusRolledBack:
		return nil, o.terminalReplayError(ec)
	default:
		return nil, nil
	}
}

func (o *Orchestrator) terminalReplayError(ec *ExecutionContext) error {
	code := strings.TrimSpace(ec.ErrorCode)
	if code == "" {
		code = ErrCodeStepTerminal
	}
	msg := strings.TrimSpace(ec.ErrorMessage)
	if msg == "" {
		msg = "run rolled back"
	}
	return apperrors.New(msg, apperrors.CategoryHandler).
		WithTextCode(code).
		WithMetadata(map[string]any{"run_id": ec.ID, "status": string(StatusRolledBack)})
}

func (o *Orchestrator) resolveEntities(ctx context.Context, task TaskDefinition, existing *ExecutionContext, params map[string]any) ([]string, error) {
	if existing != nil {
		return append([]string(nil), existing.EntityIDs...), nil
	}
	if task.ResolveEntities == nil {
		return nil, nil
	}
	// lock-free sub-step: runs before the guarded region begins
	entityIDs, err := task.ResolveEntities(ctx, params)
	if err != nil {
		return nil, err
	}
	return normalizeLockKeys(entityIDs), nil
}

func (o *Orchestrator) acquire(ctx context.Context, runID string, entityIDs []string) ([]Lease, error) {
	keys := append([]string{runID}, entityIDs...)
	leases, err := o.locks.Acquire(ctx, keys, runID, o.lockTTL)
	if err != nil {
		if IsContention(err) {
			o.metrics.RecordLockContention(runID)
		}
		return nil, err
	}
	return leases, nil
}

func (o *Orchestrator) release(ctx context.Context, leases []Lease) {
	if len(leases) == 0 {
		return
	}
	if err := o.locks.Release(ctx, leases); err != nil {
		o.logger.WithContext(ctx).Warn("lease release failed: %v", err)
	}
}

// runSequence executes the remaining steps of a task in registry order,
// skipping any step with a recorded success.
func (o *Orchestrator) runSequence(ctx context.Context, ec *ExecutionContext, task TaskDefinition, leases []Lease, event *ExternalEvent) (*RunResult, error) {
	logger := withLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"run_id":    ec.ID,
		"task_kind": ec.TaskKind,
	})
	outputs := ec.Outputs()

	for _, step := range task.Steps {
		if rec := ec.SuccessRecord(step.Name); rec != nil {
			outputs[step.Name] = copyMap(rec.Output)
			continue
		}
		if err := o.locks.Renew(ctx, leases, o.lockTTL); err != nil {
			return nil, err
		}

		stepResult, stepErr := o.executeStep(ctx, ec, step, outputs, event)
		if stepErr != nil {
			rollbackErr := o.rollback(ctx, ec, task, outputs, stepErr, logger)
			if rollbackErr != nil {
				logger.Error("rollback bookkeeping failed: %v", rollbackErr)
			}
			o.metrics.RecordRunStatus(StatusRolledBack)
			o.emit(ctx, nil, Notification{
				Topic:     TopicRunUpdated,
				RunID:     ec.ID,
				EntityIDs: ec.EntityIDs,
				Payload:   map[string]any{"status": string(StatusRolledBack), "step": step.Name},
			})
			return nil, stepErr
		}

		if stepResult.Pending {
			logger.Info("run paused at async step %s", step.Name)
			o.metrics.RecordRunStatus(StatusPendingExternal)
			return &RunResult{
				RunID:         ec.ID,
				Status:        StatusPendingExternal,
				CorrelationID: stepResult.CorrelationID,
			}, nil
		}
		outputs[step.Name] = copyMap(stepResult.Output)
		if step.Async {
			// async boundary resolved synchronously
			o.emit(ctx, nil, Notification{
				Topic:     TopicRunUpdated,
				RunID:     ec.ID,
				EntityIDs: ec.EntityIDs,
				Payload:   map[string]any{"status": string(StatusRunning), "step": step.Name},
			})
		}
	}

	response := o.buildResponse(task, outputs)
	err := o.store.RunInTransaction(ctx, func(tx TxStore) error {
		if err := tx.SetStatus(ctx, ec.ID, StatusCompleted, StatusChange{Response: response}); err != nil {
			return err
		}
		return o.emitTx(ctx, tx, Notification{
			Topic:         TopicRunConfirmed,
			RunID:         ec.ID,
			CorrelationID: ec.CorrelationID,
			EntityIDs:     ec.EntityIDs,
			Payload:       response,
		})
	})
	if err != nil {
		return nil, err
	}
	o.emitDirect(ctx, Notification{
		Topic:         TopicRunConfirmed,
		RunID:         ec.ID,
		CorrelationID: ec.CorrelationID,
		EntityIDs:     ec.EntityIDs,
		Payload:       response,
	})
	o.metrics.RecordRunStatus(StatusCompleted)
	logger.Info("run completed")

	return &RunResult{
		RunID:    ec.ID,
		Status:   StatusCompleted,
		Response: response,
	}, nil
}

func (o *Orchestrator) buildResponse(task TaskDefinition, outputs map[string]map[string]any) map[string]any {
	if task.BuildResponse != nil {
		return task.BuildResponse(outputs)
	}
	if len(task.Steps) == 0 {
		return nil
	}
	last := task.Steps[len(task.Steps)-1]
	return copyMap(outputs[strings.TrimSpace(last.Name)])
}

// executeStep runs one step under its retry budget. The success record
// (and, for a pausing async step, the pending transition) commits in the
// same transaction the step's own writes joined. Failure records are
// appended outside the rolled-back transaction.
func (o *Orchestrator) executeStep(ctx context.Context, ec *ExecutionContext, step Step, outputs map[string]map[string]any, event *ExternalEvent) (*StepResult, error) {
	cfg := o.retryTable.ForStep(step.Name, step.Retry)
	strategy := cfg.strategy()
	logger := withLoggerFields(o.logger.WithContext(ctx), map[string]any{
		"run_id": ec.ID,
		"step":   step.Name,
	})

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		startedAt := o.now()
		var result *StepResult
		txErr := o.store.RunInTransaction(ctx, func(tx TxStore) error {
			res, execErr := step.Execute(ctx, StepInput{
				RunID:    ec.ID,
				TaskKind: ec.TaskKind,
				Params:   copyMap(ec.RequestParams),
				Outputs:  outputs,
				Event:    event,
				Tx:       tx,
			})
			if execErr != nil {
				return execErr
			}
			if res == nil {
				res = &StepResult{}
			}
			if res.Pending {
				if strings.TrimSpace(res.CorrelationID) == "" {
					res.CorrelationID = NewCorrelationID()
				}
				if err := tx.SetStatus(ctx, ec.ID, StatusPendingExternal, StatusChange{
					CorrelationID: res.CorrelationID,
				}); err != nil {
					return err
				}
				if err := o.emitTx(ctx, tx, Notification{
					Topic:         TopicRunUpdated,
					RunID:         ec.ID,
					CorrelationID: res.CorrelationID,
					EntityIDs:     ec.EntityIDs,
					Payload:       map[string]any{"status": string(StatusPendingExternal), "step": step.Name},
				}); err != nil {
					return err
				}
				result = res
				return nil
			}
			if err := tx.AppendStep(ctx, ec.ID, StepRecord{
				StepName:   step.Name,
				Outcome:    OutcomeSuccess,
				Output:     res.Output,
				Attempt:    attempt,
				StartedAt:  startedAt,
				FinishedAt: o.now(),
			}); err != nil {
				return err
			}
			result = res
			return nil
		})
		if txErr == nil {
			o.metrics.RecordStepDuration(step.Name, o.now().Sub(startedAt))
			if !result.Pending {
				o.metrics.RecordStepOutcome(step.Name, OutcomeSuccess)
			}
			if result.Pending {
				o.emitDirect(ctx, Notification{
					Topic:         TopicRunUpdated,
					RunID:         ec.ID,
					CorrelationID: result.CorrelationID,
					EntityIDs:     ec.EntityIDs,
					Payload:       map[string]any{"status": string(StatusPendingExternal), "step": step.Name},
				})
			}
			return result, nil
		}

		lastErr = txErr
		class := Classify(txErr)
		if class == ClassTerminal {
			o.appendFailure(ctx, ec.ID, step.Name, OutcomeFailedTerminal, txErr, attempt, startedAt)
			o.metrics.RecordStepOutcome(step.Name, OutcomeFailedTerminal)
			return nil, cloneEngineError(ErrStepTerminal, "step "+step.Name+" failed", txErr,
				map[string]any{"run_id": ec.ID, "step": step.Name, "attempt": attempt})
		}

		if attempt >= cfg.MaxAttempts {
			break
		}
		o.appendFailure(ctx, ec.ID, step.Name, OutcomeFailedTransient, txErr, attempt, startedAt)
		o.metrics.RecordStepOutcome(step.Name, OutcomeFailedTransient)
		o.metrics.RecordStepRetry(step.Name, attempt)
		if err := o.store.RecordRetry(ctx, ec.ID, o.now()); err != nil {
			logger.Warn("retry timestamp append failed: %v", err)
		}
		logger.Debug("transient step failure, retrying attempt=%d err=%v", attempt, txErr)
		if err := waitForDelay(ctx, strategy.SleepDuration(attempt-1, txErr)); err != nil {
			return nil, err
		}
	}

	// retry budget exhausted: escalate to terminal regardless of class
	o.appendFailure(ctx, ec.ID, step.Name, OutcomeFailedTerminal, lastErr, cfg.MaxAttempts, o.now())
	o.metrics.RecordStepOutcome(step.Name, OutcomeFailedTerminal)
	return nil, cloneEngineError(ErrRetryExhausted, "step "+step.Name+" exhausted retries", lastErr,
		map[string]any{"run_id": ec.ID, "step": step.Name, "attempts": cfg.MaxAttempts})
}

func (o *Orchestrator) appendFailure(ctx context.Context, runID, stepName string, outcome StepOutcome, cause error, attempt int, startedAt time.Time) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.store.AppendStep(ctx, runID, StepRecord{
		StepName:   stepName,
		Outcome:    outcome,
		Error:      msg,
		Attempt:    attempt,
		StartedAt:  startedAt,
		FinishedAt: o.now(),
	}); err != nil {
		o.logger.WithContext(ctx).Error("failure record append failed run=%s step=%s: %v", runID, stepName, err)
	}
}

// rollback compensates every previously successful step in reverse order,
// best-effort, then marks the context rolled back.
func (o *Orchestrator) rollback(ctx context.Context, ec *ExecutionContext, task TaskDefinition, outputs map[string]map[string]any, cause error, logger Logger) error {
	for i := len(task.Steps) - 1; i >= 0; i-- {
		step := task.Steps[i]
		output, succeeded := outputs[strings.TrimSpace(step.Name)]
		if !succeeded || step.Compensate == nil {
			continue
		}
		outcome := OutcomeCompensated
		errMsg := ""
		if err := step.Compensate(ctx, CompensationInput{
			RunID:    ec.ID,
			TaskKind: ec.TaskKind,
			Params:   copyMap(ec.RequestParams),
			Output:   copyMap(output),
		}); err != nil {
			// a failed compensation never blocks the remaining ones
			outcome = OutcomeCompensationFailed
			errMsg = err.Error()
			logger.Error("compensation failed step=%s: %v", step.Name, err)
		}
		o.appendCompensation(ctx, ec.ID, step.Name, outcome, errMsg)
	}
	code := ErrorCode(cause)
	if code == "" {
		code = ErrCodeStepTerminal
	}
	message := "run rolled back after terminal step failure"
	if cause != nil {
		message = cause.Error()
	}
	return o.store.SetStatus(ctx, ec.ID, StatusRolledBack, StatusChange{
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

func (o *Orchestrator) appendCompensation(ctx context.Context, runID, stepName string, outcome StepOutcome, errMsg string) {
	now := o.now()
	if err := o.store.AppendStep(ctx, runID, StepRecord{
		StepName:   stepName,
		Outcome:    outcome,
		Error:      errMsg,
		StartedAt:  now,
		FinishedAt: now,
	}); err != nil {
		o.logger.WithContext(ctx).Error("compensation record append failed run=%s step=%s: %v", runID, stepName, err)
	}
}

// emitTx appends a notification to the outbox when outbox mode is on;
// otherwise it is a no-op and emitDirect publishes after commit.
func (o *Orchestrator) emitTx(ctx context.Context, tx TxStore, n Notification) error {
	if !o.useOutbox || tx == nil {
		return nil
	}
	n.OccurredAt = o.now()
	return tx.AppendOutbox(ctx, OutboxEntry{
		Topic:         n.Topic,
		RunID:         n.RunID,
		CorrelationID: n.CorrelationID,
		EntityIDs:     n.EntityIDs,
		Payload:       n.Payload,
	})
}

func (o *Orchestrator) emitDirect(ctx context.Context, n Notification) {
	if o.useOutbox {
		return
	}
	n.OccurredAt = o.now()
	if err := o.notifier.Publish(ctx, n); err != nil {
		o.logger.WithContext(ctx).Warn("notification publish failed topic=%s run=%s: %v", n.Topic, n.RunID, err)
	}
}

// emit routes a notification through the outbox when possible, falling
// back to direct publication.
func (o *Orchestrator) emit(ctx context.Context, tx TxStore, n Notification) {
	if o.useOutbox {
		if tx != nil {
			if err := o.emitTx(ctx, tx, n); err != nil {
				o.logger.WithContext(ctx).Warn("outbox append failed topic=%s run=%s: %v", n.Topic, n.RunID, err)
			}
			return
		}
		if err := o.store.RunInTransaction(ctx, func(tx TxStore) error {
			return o.emitTx(ctx, tx, n)
		}); err != nil {
			o.logger.WithContext(ctx).Warn("outbox append failed topic=%s run=%s: %v", n.Topic, n.RunID, err)
		}
		return
	}
	o.emitDirect(ctx, n)
}

func waitForDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
