package saga

import (
	stderrors "errors"
	"net"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeLockContention     = "SAGA_LOCK_CONTENTION"
	ErrCodeRunExists          = "SAGA_RUN_EXISTS"
	ErrCodeRunConflict        = "SAGA_RUN_CONFLICT"
	ErrCodeRunNotFound        = "SAGA_RUN_NOT_FOUND"
	ErrCodeUnknownCorrelation = "SAGA_UNKNOWN_CORRELATION"
	ErrCodeTaskNotFound       = "SAGA_TASK_NOT_FOUND"
	ErrCodeStepTerminal       = "SAGA_STEP_TERMINAL"
	ErrCodeRetryExhausted     = "SAGA_RETRY_EXHAUSTED"
)

var (
	// ErrLockContention is returned when any requested key is held by a
	// different holder. Callers are expected to retry with the same run id.
	ErrLockContention = apperrors.New("lock contention", apperrors.CategoryConflict).
				WithTextCode(ErrCodeLockContention)
	ErrRunExists = apperrors.New("execution context already exists", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRunExists)
	ErrRunConflict = apperrors.New("execution context is terminal", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRunConflict)
	ErrRunNotFound = apperrors.New("execution context not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeRunNotFound)
	ErrUnknownCorrelation = apperrors.New("no execution context for correlation id", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownCorrelation)
	ErrTaskNotFound = apperrors.New("task kind not registered", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeTaskNotFound)
	ErrStepTerminal = apperrors.New("step failed terminally", apperrors.CategoryHandler).
			WithTextCode(ErrCodeStepTerminal)
	ErrRetryExhausted = apperrors.New("step retry budget exhausted", apperrors.CategoryHandler).
				WithTextCode(ErrCodeRetryExhausted)
)

func cloneEngineError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrStepTerminal
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// TerminalError marks a step failure as fatal: the orchestrator stops
// retrying and rolls the run back.
type TerminalError struct {
	Message string
	Cause   error
}

func (e *TerminalError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "terminal step error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *TerminalError) Unwrap() error { return e.Cause }

// Terminal wraps err so the classifier treats it as fatal.
func Terminal(message string, cause error) *TerminalError {
	return &TerminalError{Message: message, Cause: cause}
}

// Classification is the retry classifier verdict for a step failure.
type Classification string

const (
	ClassTransient Classification = "transient"
	ClassTerminal  Classification = "terminal"
)

// Classify maps a step failure to transient or terminal. Validation and
// bad-input failures are terminal; timeouts, contention, and optimistic
// conflicts are transient. Unknown errors default to transient; the
// retry budget escalates them to terminal if they never clear.
func Classify(err error) Classification {
	if err == nil {
		return ClassTransient
	}
	var terminal *TerminalError
	if stderrors.As(err, &terminal) {
		return ClassTerminal
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ClassTransient
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		switch ge.Category {
		case apperrors.CategoryValidation, apperrors.CategoryBadInput:
			return ClassTerminal
		case apperrors.CategoryConflict, apperrors.CategoryExternal:
			return ClassTransient
		}
	}
	return ClassTransient
}

// ErrorCode extracts the stable text code from a go-errors payload.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsContention reports whether err is a lock contention failure.
func IsContention(err error) bool {
	return ErrorCode(err) == ErrCodeLockContention
}
