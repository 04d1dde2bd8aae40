package errorhandler

import (
	"log/slog"
	"net/http"
	"strings"
)

// AppError is an expected application condition with its own HTTP status.
// The handler reports it as handled.
type AppError struct {
	// StatusCode is the HTTP status sent to the client.
	StatusCode int
	// StatusCodeDescription defaults to the status text without spaces, e.g. "NotFound".
	StatusCodeDescription string
	// Message is client facing. It is scrubbed before it is sent.
	Message string
	// DeveloperMessage is the raw detail for logs.
	DeveloperMessage string
	// ErrorCode defaults to UnclassifiedErrorCode.
	ErrorCode int
	// Logger overrides the handler's logger for this error.
	Logger *slog.Logger

	cause error
}

// AppErrorOption configures an AppError.
type AppErrorOption func(*AppError)

// WithDeveloperMessage sets the raw detail logged alongside the error.
func WithDeveloperMessage(msg string) AppErrorOption {
	return func(e *AppError) {
		e.DeveloperMessage = msg
	}
}

// WithErrorCode sets the application error code.
func WithErrorCode(code int) AppErrorOption {
	return func(e *AppError) {
		e.ErrorCode = code
	}
}

// WithErrorLogger attaches the logger of the component that raised the error.
func WithErrorLogger(logger *slog.Logger) AppErrorOption {
	return func(e *AppError) {
		e.Logger = logger
	}
}

// WithCause records the underlying error.
func WithCause(err error) AppErrorOption {
	return func(e *AppError) {
		e.cause = err
	}
}

// NewAppError creates an AppError for status.
func NewAppError(status int, message string, opts ...AppErrorOption) *AppError {
	e := &AppError{
		StatusCode:            status,
		StatusCodeDescription: StatusDescription(status),
		Message:               message,
		ErrorCode:             UnclassifiedErrorCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NotFound creates a 404 AppError.
func NotFound(message string, opts ...AppErrorOption) *AppError {
	return NewAppError(http.StatusNotFound, message, opts...)
}

// BadRequest creates a 400 AppError.
func BadRequest(message string, opts ...AppErrorOption) *AppError {
	return NewAppError(http.StatusBadRequest, message, opts...)
}

// Conflict creates a 409 AppError.
func Conflict(message string, opts ...AppErrorOption) *AppError {
	return NewAppError(http.StatusConflict, message, opts...)
}

// BadGateway creates a 502 AppError.
func BadGateway(message string, opts ...AppErrorOption) *AppError {
	return NewAppError(http.StatusBadGateway, message, opts...)
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.description()
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func (e *AppError) status() int {
	if e.StatusCode < 100 || e.StatusCode > 999 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

func (e *AppError) description() string {
	if e.status() != e.StatusCode {
		return StatusDescription(e.status())
	}
	if e.StatusCodeDescription != "" {
		return e.StatusCodeDescription
	}
	return StatusDescription(e.status())
}

func (e *AppError) developerMessage() string {
	switch {
	case e.DeveloperMessage != "":
		return e.DeveloperMessage
	case e.cause != nil:
		return e.cause.Error()
	default:
		return e.Error()
	}
}

// StatusDescription returns the status text for code with the spaces removed,
// e.g. 500 becomes "InternalServerError".
func StatusDescription(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return "Unknown"
	}
	return strings.ReplaceAll(text, " ", "")
}
