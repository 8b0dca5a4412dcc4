package state

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric code surfaced to callers in SubmitResult.Results
// and in API error details.
type ErrorCode uint32

const (
	CodeOK                 ErrorCode = 0
	CodeAlreadyInitialized ErrorCode = 300
	CodeNotInitialized     ErrorCode = 301
	CodeInvalidConfig      ErrorCode = 302
	CodeNotQueued          ErrorCode = 303
	CodeNotUnlocked        ErrorCode = 304
	CodeNoPrice            ErrorCode = 320
	CodeStalePrice         ErrorCode = 321
	CodeMaxPositions       ErrorCode = 329
	CodeInvalidAction      ErrorCode = 351
	CodeBadRequest         ErrorCode = 360
	CodePaused             ErrorCode = 380

	// Access-control family, raised by the access gate.
	CodeUnauthorized      ErrorCode = 1000
	CodeAdminNotSet       ErrorCode = 1001
	CodeNoPendingTransfer ErrorCode = 1002
	CodeTransferExpired   ErrorCode = 1003
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeAlreadyInitialized:
		return "AlreadyInitialized"
	case CodeNotInitialized:
		return "NotInitialized"
	case CodeInvalidConfig:
		return "InvalidConfig"
	case CodeNotQueued:
		return "NotQueued"
	case CodeNotUnlocked:
		return "NotUnlocked"
	case CodeNoPrice:
		return "NoPrice"
	case CodeStalePrice:
		return "StalePrice"
	case CodeMaxPositions:
		return "MaxPositions"
	case CodeInvalidAction:
		return "InvalidAction"
	case CodeBadRequest:
		return "BadRequest"
	case CodePaused:
		return "Paused"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeAdminNotSet:
		return "AdminNotSet"
	case CodeNoPendingTransfer:
		return "NoPendingTransfer"
	case CodeTransferExpired:
		return "TransferExpired"
	default:
		return fmt.Sprintf("Code(%d)", uint32(c))
	}
}

// Error is a coded settlement error. Two Errors match under errors.Is when
// their codes are equal, so wrapped errors can be tested against the
// sentinels below.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAlreadyInitialized = &Error{Code: CodeAlreadyInitialized}
	ErrNotInitialized     = &Error{Code: CodeNotInitialized}
	ErrInvalidConfig      = &Error{Code: CodeInvalidConfig}
	ErrNotQueued          = &Error{Code: CodeNotQueued}
	ErrNotUnlocked        = &Error{Code: CodeNotUnlocked}
	ErrNoPrice            = &Error{Code: CodeNoPrice}
	ErrStalePrice         = &Error{Code: CodeStalePrice}
	ErrMaxPositions       = &Error{Code: CodeMaxPositions}
	ErrInvalidAction      = &Error{Code: CodeInvalidAction}
	ErrBadRequest         = &Error{Code: CodeBadRequest}
	ErrPaused             = &Error{Code: CodePaused}
	ErrUnauthorized       = &Error{Code: CodeUnauthorized}
	ErrAdminNotSet        = &Error{Code: CodeAdminNotSet}
	ErrNoPendingTransfer  = &Error{Code: CodeNoPendingTransfer}
	ErrTransferExpired    = &Error{Code: CodeTransferExpired}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or CodeBadRequest for uncoded errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBadRequest
}
