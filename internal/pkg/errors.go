package pkg

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeInternal           Code = "INTERNAL"
	CodeDeadlineExceeded   Code = "DEADLINE_EXCEEDED"
)

// AppError 业务错误，Kind 用于 errors.Is 判断具体错误
type AppError struct {
	Code    Code   `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"msg"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is 同 Kind 即相等，允许 WithMessage 派生的错误匹配哨兵
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Kind != "" && e.Kind == t.Kind
}

// WithMessage 复制错误并替换描述
func (e *AppError) WithMessage(format string, args ...any) *AppError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func newKind(code Code, kind, msg string) *AppError {
	return &AppError{Code: code, Kind: kind, Message: msg}
}

var (
	ErrUnknownIdentity    = newKind(CodeNotFound, "UnknownIdentity", "unknown identity")
	ErrExhaustedNamespace = newKind(CodeResourceExhausted, "ExhaustedNamespace", "identity namespace exhausted")
	ErrInvalidIdentity    = newKind(CodeInvalidArgument, "InvalidIdentity", "invalid identity id")
	ErrInvalidRadius      = newKind(CodeInvalidArgument, "InvalidRadius", "search radius must be positive")
	ErrInvalidLocation    = newKind(CodeInvalidArgument, "InvalidLocation", "invalid location")
	ErrInvalidName        = newKind(CodeInvalidArgument, "InvalidName", "channel name required")
	ErrInvalidCategory    = newKind(CodeInvalidArgument, "InvalidCategory", "invalid category")
	ErrNotAMember         = newKind(CodePermissionDenied, "NotAMember", "not a member")
	ErrForbidden          = newKind(CodePermissionDenied, "Forbidden", "operation not permitted")
	ErrEmptyMessage       = newKind(CodeInvalidArgument, "EmptyMessage", "message body is empty")
	ErrMessageTooLong     = newKind(CodeInvalidArgument, "MessageTooLong", "message body too long")
	ErrInvalidTarget      = newKind(CodeInvalidArgument, "InvalidTarget", "invalid message target")
	ErrNotFound           = newKind(CodeNotFound, "NotFound", "not found")

	// ErrModerationTimeout 只在内部使用，最终转化为 flagged 投递
	ErrModerationTimeout = newKind(CodeDeadlineExceeded, "ModerationTimeout", "moderation timeout")
)

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// CodeOf 非 AppError 一律视为 INTERNAL
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HTTPStatus 错误码到 HTTP 状态码
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
