package server

import (
	"context"
	"errors"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
)

// grpcCode maps a settlement error code to a gRPC status code.
func grpcCode(code state.ErrorCode) codes.Code {
	switch code {
	case state.CodeInvalidConfig, state.CodeBadRequest:
		return codes.InvalidArgument
	case state.CodeAlreadyInitialized, state.CodeNotInitialized, state.CodeNotQueued,
		state.CodeNotUnlocked, state.CodeMaxPositions, state.CodeInvalidAction:
		return codes.FailedPrecondition
	case state.CodeNoPrice, state.CodeStalePrice, state.CodePaused:
		return codes.Unavailable
	case state.CodeUnauthorized, state.CodeAdminNotSet, state.CodeNoPendingTransfer, state.CodeTransferExpired:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// toStatus converts an engine or query error into a gRPC status error. The
// settlement code is kept in the message so clients can recover it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, query.ErrHistoryDisabled):
		return status.Error(codes.Unimplemented, err.Error())
	}
	var coded *state.Error
	if errors.As(err, &coded) {
		return status.Errorf(grpcCode(coded.Code), "%d %s", uint32(coded.Code), err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// errorBody is the JSON error returned by the HTTP routes.
type errorBody struct {
	Code    uint32 `json:"code,omitempty"` // settlement error code
	Status  string `json:"status"`         // gRPC status name
	Message string `json:"message"`
}

func httpError(err error) (int, errorBody) {
	st, _ := status.FromError(toStatus(err))
	body := errorBody{Status: st.Code().String(), Message: st.Message()}
	var coded *state.Error
	if errors.As(err, &coded) {
		body.Code = uint32(coded.Code)
		body.Message = err.Error()
	}
	return runtime.HTTPStatusFromCode(st.Code()), body
}
