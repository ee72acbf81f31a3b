package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed upstream interaction. Retry decisions depend only on it.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindTimeout           ErrorKind = "timeout"
	KindRateLimited       ErrorKind = "rate_limited"
	KindServer            ErrorKind = "server"
	KindAuthentication    ErrorKind = "authentication"
	KindValidation        ErrorKind = "validation"
	KindSourceUnavailable ErrorKind = "source_unavailable"
	KindConnectivity      ErrorKind = "connectivity"
)

// Code returns the stable error code for the kind, e.g. ERR_RATE_LIMITED.
func (k ErrorKind) Code() string {
	return "ERR_" + strings.ToUpper(string(k))
}

// Retryable reports whether the pipeline retries this kind locally.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps a non-2xx HTTP status to an error kind.
// 401 maps to authentication; callers with an auth middleware refresh before it gets here.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// ClientError is the single error type returned by the outbound side of the gateway.
type ClientError struct {
	Kind         ErrorKind
	Code         string
	Message      string
	Status       int
	Attempts     int
	Provider     string
	UpstreamCode string
	Err          error
}

// NewClientError creates a ClientError with the stable code for kind.
func NewClientError(kind ErrorKind, message string) *ClientError {
	return &ClientError{Kind: kind, Code: kind.Code(), Message: message}
}

func (e *ClientError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *ClientError) Retryable() bool {
	return e.Kind.Retryable()
}

// WithError wraps an underlying error.
func (e *ClientError) WithError(err error) *ClientError {
	e.Err = err
	return e
}

// WithStatus records the HTTP status that produced the error.
func (e *ClientError) WithStatus(status int) *ClientError {
	e.Status = status
	return e
}

// KindOf extracts the kind of a ClientError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// AppError represents application-level error with HTTP status.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error.
func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Field:   field,
		Status:  status,
	}
}

// WithParam sets a single error param.
func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

// WithError wraps an underlying error.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// NotFoundError creates a 404 error.
func NotFoundError(message string) *AppError {
	return NewAppError("ERR_NOT_FOUND", "", message, http.StatusNotFound)
}

// BadRequestError creates a 400 error.
func BadRequestError(message string) *AppError {
	return NewAppError("ERR_BAD_REQUEST", "", message, http.StatusBadRequest)
}

// TooManyRequestsError creates a 429 error.
func TooManyRequestsError(message string) *AppError {
	return NewAppError("ERR_TOO_MANY_REQUESTS", "", message, http.StatusTooManyRequests)
}

// InternalError creates a 500 error.
func InternalError(message string) *AppError {
	return NewAppError("ERR_INTERNAL", "", message, http.StatusInternalServerError)
}

// AppErrorFrom converts any error into an AppError for the gateway response.
// ClientError kinds keep their stable code.
func AppErrorFrom(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var ce *ClientError
	if !errors.As(err, &ce) {
		return InternalError("Something went wrong").WithError(err)
	}

	status := http.StatusBadGateway
	switch ce.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindAuthentication:
		status = http.StatusUnauthorized
	case KindRateLimited:
		status = http.StatusTooManyRequests
	case KindTimeout:
		status = http.StatusGatewayTimeout
	case KindSourceUnavailable, KindConnectivity:
		status = http.StatusServiceUnavailable
	}
	return NewAppError(ce.Code, "", ce.Message, status).WithError(err)
}
