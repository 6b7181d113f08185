package saga

import (
	"net/http"
	"strings"
)

const (
	grpcCodeAborted            = "Aborted"
	grpcCodeFailedPrecondition = "FailedPrecondition"
	grpcCodeInternal           = "Internal"
	grpcCodeNotFound           = "NotFound"
)

// TransportErrorMapping defines protocol-level mappings for engine errors.
type TransportErrorMapping struct {
	EngineCode string
	HTTPStatus int
	GRPCCode   string
	Retryable  bool
}

// MapEngineError maps canonical engine error codes to transport categories.
// Contention maps to a retryable 409; terminal step failures to 422.
func MapEngineError(err error) TransportErrorMapping {
	code := strings.TrimSpace(ErrorCode(err))

	switch code {
	case ErrCodeLockContention:
		return TransportErrorMapping{
			EngineCode: code,
			HTTPStatus: http.StatusConflict,
			GRPCCode:   grpcCodeAborted,
			Retryable:  true,
		}
	case ErrCodeRunExists, ErrCodeRunConflict:
		return TransportErrorMapping{
			EngineCode: code,
			HTTPStatus: http.StatusConflict,
			GRPCCode:   grpcCodeFailedPrecondition,
		}
	case ErrCodeRunNotFound, ErrCodeUnknownCorrelation, ErrCodeTaskNotFound:
		return TransportErrorMapping{
			EngineCode: code,
			HTTPStatus: http.StatusNotFound,
			GRPCCode:   grpcCodeNotFound,
		}
	case ErrCodeStepTerminal, ErrCodeRetryExhausted:
		return TransportErrorMapping{
			EngineCode: code,
			HTTPStatus: http.StatusUnprocessableEntity,
			GRPCCode:   grpcCodeFailedPrecondition,
		}
	default:
		return TransportErrorMapping{
			EngineCode: code,
			HTTPStatus: http.StatusInternalServerError,
			GRPCCode:   grpcCodeInternal,
		}
	}
}

// HTTPStatusForError returns the mapped HTTP status code for an engine error.
func HTTPStatusForError(err error) int {
	return MapEngineError(err).HTTPStatus
}

// GRPCCodeForError returns the mapped gRPC status code string for an engine error.
func GRPCCodeForError(err error) string {
	return MapEngineError(err).GRPCCode
}
