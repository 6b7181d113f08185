package saga

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapEngineErrorCategories(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		httpStatus int
		grpcCode   string
		retryable  bool
	}{
		{
			name:       "lock contention",
			err:        ErrLockContention.Clone(),
			httpStatus: http.StatusConflict,
			grpcCode:   grpcCodeAborted,
			retryable:  true,
		},
		{
			name:       "run exists",
			err:        ErrRunExists.Clone(),
			httpStatus: http.StatusConflict,
			grpcCode:   grpcCodeFailedPrecondition,
		},
		{
			name:       "run conflict",
			err:        ErrRunConflict.Clone(),
			httpStatus: http.StatusConflict,
			grpcCode:   grpcCodeFailedPrecondition,
		},
		{
			name:       "run not found",
			err:        ErrRunNotFound.Clone(),
			httpStatus: http.StatusNotFound,
			grpcCode:   grpcCodeNotFound,
		},
		{
			name:       "unknown correlation",
			err:        ErrUnknownCorrelation.Clone(),
			httpStatus: http.StatusNotFound,
			grpcCode:   grpcCodeNotFound,
		},
		{
			name:       "task not found",
			err:        ErrTaskNotFound.Clone(),
			httpStatus: http.StatusNotFound,
			grpcCode:   grpcCodeNotFound,
		},
		{
			name:       "terminal step",
			err:        ErrStepTerminal.Clone(),
			httpStatus: http.StatusUnprocessableEntity,
			grpcCode:   grpcCodeFailedPrecondition,
		},
		{
			name:       "retries exhausted",
			err:        ErrRetryExhausted.Clone(),
			httpStatus: http.StatusUnprocessableEntity,
			grpcCode:   grpcCodeFailedPrecondition,
		},
		{
			name:       "uncoded error",
			err:        errors.New("boom"),
			httpStatus: http.StatusInternalServerError,
			grpcCode:   grpcCodeInternal,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapEngineError(tt.err)
			assert.Equal(t, tt.httpStatus, mapped.HTTPStatus)
			assert.Equal(t, tt.grpcCode, mapped.GRPCCode)
			assert.Equal(t, tt.retryable, mapped.Retryable)
		})
	}
}

func TestTransportHelpers(t *testing.T) {
	require.Equal(t, http.StatusConflict, HTTPStatusForError(ErrLockContention.Clone()))
	require.Equal(t, grpcCodeNotFound, GRPCCodeForError(ErrRunNotFound.Clone()))
}
