// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误 (1xxx)
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeRequestTooLarge  Code = "REQUEST_TOO_LARGE"

	// 编排 (2xxx)
	CodeSagaNotFound    Code = "SAGA_NOT_FOUND"
	CodeDuplicateSaga   Code = "DUPLICATE_SAGA"
	CodeSagaTerminal    Code = "SAGA_TERMINAL"
	CodeSagaStuck       Code = "SAGA_STUCK"
	CodeStepNotFound    Code = "STEP_NOT_FOUND"
	CodeAbortRejected   Code = "ABORT_REJECTED"
	CodeUnexpectedEvent Code = "UNEXPECTED_EVENT"

	// 定义 (3xxx)
	CodeDefinitionNotFound Code = "DEFINITION_NOT_FOUND"
	CodeInvalidDefinition  Code = "INVALID_DEFINITION"
	CodeDuplicateStep      Code = "DUPLICATE_STEP"

	// 状态存储 (4xxx)
	CodeVersionConflict  Code = "VERSION_CONFLICT"
	CodeDuplicateKey     Code = "DUPLICATE_KEY"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// 消息 (5xxx)
	CodePublishFailed      Code = "PUBLISH_FAILED"
	CodeMalformedMessage   Code = "MALFORMED_MESSAGE"
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
	CodeDuplicateDelivery  Code = "DUPLICATE_DELIVERY"

	// 补偿 (6xxx)
	CodeCompensationFailed Code = "COMPENSATION_FAILED"

	// 系统 (9xxx)
	CodeSystemBusy      Code = "SYSTEM_BUSY"
	CodeServiceDegraded Code = "SERVICE_DEGRADED"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 创建错误，message 为空时使用错误码默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeSystemBusy,
		CodeStoreUnavailable, CodePublishFailed, CodeVersionConflict:
		return true
	default:
		return false
	}
}

// defaultMessage 错误码默认文案
func defaultMessage(code Code) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeInvalidParam, CodeInvalidRequest:
		return "invalid request"
	case CodeNotFound, CodeSagaNotFound, CodeDefinitionNotFound, CodeStepNotFound:
		return "not found"
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodePermissionDenied:
		return "permission denied"
	case CodeRequestTooLarge:
		return "request body too large"
	case CodeUnavailable, CodeStoreUnavailable, CodeSystemBusy, CodeServiceDegraded:
		return "service unavailable"
	case CodeTimeout:
		return "timeout"
	default:
		return "internal error"
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidDefinition,
		CodeDuplicateStep, CodeMalformedMessage, CodeUnknownMessageType:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound, CodeDefinitionNotFound, CodeStepNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateSaga, CodeDuplicateKey,
		CodeVersionConflict, CodeSagaTerminal, CodeAbortRejected, CodeDuplicateDelivery:
		return http.StatusConflict
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInternal, CodeUnknown, CodeCompensationFailed, CodeSagaStuck, CodeUnexpectedEvent:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy, CodeStoreUnavailable, CodeServiceDegraded, CodePublishFailed:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrUnauthenticated    = New(CodeUnauthenticated, "unauthenticated")
	ErrSagaNotFound       = New(CodeSagaNotFound, "saga not found")
	ErrDuplicateSaga      = New(CodeDuplicateSaga, "saga already exists")
	ErrSagaTerminal       = New(CodeSagaTerminal, "saga already finished")
	ErrDefinitionNotFound = New(CodeDefinitionNotFound, "saga definition not found")
	ErrVersionConflict    = New(CodeVersionConflict, "version conflict")
	ErrSystemBusy         = New(CodeSystemBusy, "system busy, please retry")
)
