package saga

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/goliatone/go-errors"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial timeout" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, ClassTransient},
		{"terminal marker", Terminal("bad request", nil), ClassTerminal},
		{"wrapped terminal marker", fmt.Errorf("step: %w", Terminal("bad", nil)), ClassTerminal},
		{"network timeout", fakeNetError{}, ClassTransient},
		{"validation category", apperrors.New("invalid", apperrors.CategoryValidation), ClassTerminal},
		{"bad input category", apperrors.New("invalid", apperrors.CategoryBadInput), ClassTerminal},
		{"conflict category", apperrors.New("conflict", apperrors.CategoryConflict), ClassTransient},
		{"external category", apperrors.New("upstream", apperrors.CategoryExternal), ClassTransient},
		{"unknown error", errors.New("boom"), ClassTransient},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTerminalErrorUnwraps(t *testing.T) {
	cause := errors.New("inner")
	err := Terminal("outer", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if err.Error() != "outer: inner" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestErrorCodeExtraction(t *testing.T) {
	if code := ErrorCode(ErrLockContention.Clone()); code != ErrCodeLockContention {
		t.Fatalf("expected %s, got %s", ErrCodeLockContention, code)
	}
	if code := ErrorCode(errors.New("plain")); code != "" {
		t.Fatalf("expected empty code, got %s", code)
	}
	wrapped := fmt.Errorf("outer: %w", ErrRunNotFound.Clone())
	if code := ErrorCode(wrapped); code != ErrCodeRunNotFound {
		t.Fatalf("expected wrapped code, got %s", code)
	}
}

func TestCloneEngineErrorKeepsCodeAndSource(t *testing.T) {
	source := errors.New("db down")
	err := cloneEngineError(ErrRetryExhausted, "step pay exhausted retries", source, map[string]any{"attempts": 3})
	var ge *apperrors.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected go-errors payload")
	}
	if ge.TextCode != ErrCodeRetryExhausted {
		t.Fatalf("expected code preserved, got %s", ge.TextCode)
	}
	if ge.Metadata["attempts"] != 3 {
		t.Fatalf("expected metadata, got %v", ge.Metadata)
	}
	// the base sentinel must stay untouched
	if ErrRetryExhausted.Message != "step retry budget exhausted" {
		t.Fatalf("sentinel mutated: %q", ErrRetryExhausted.Message)
	}
}
