package models

import (
	"errors"
	"fmt"
	"strings"
)

// Base errors
var (
	// Credential errors
	ErrResolutionFailed      = errors.New("credential resolution failed")
	ErrNoCredentialSucceeded = errors.New("no credential profile succeeded")
	ErrInvalidProfile        = errors.New("invalid credential profile")

	// Session errors
	ErrConnectFailed = errors.New("device connection failed")
	ErrAuthFailed    = errors.New("device authentication rejected")
	ErrSessionClosed = errors.New("session is closed")

	// Pipeline errors
	ErrClassificationFailed = errors.New("platform classification failed")
	ErrExecutionFailed      = errors.New("command execution failed")
	ErrParseFailed          = errors.New("structured parsing failed")
	ErrCommandRejected      = errors.New("command rejected by policy")

	// Account errors
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")

	// System errors
	ErrInternalError = errors.New("internal error")
	ErrDatabaseError = errors.New("database error")
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	CodeCommandRejected   ErrorCode = "COMMAND_REJECTED"
	CodeConnectFailed     ErrorCode = "CONNECT_FAILED"
	CodeClassifyFailed    ErrorCode = "CLASSIFY_FAILED"
	CodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	CodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	CodeUserExists        ErrorCode = "USER_EXISTS"
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeInternalError     ErrorCode = "INTERNAL_ERROR"
	CodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// Stage identifies the gateway pipeline stage that failed
type Stage string

const (
	StagePolicy   Stage = "policy"
	StageConnect  Stage = "connect"
	StageClassify Stage = "classify"
	StageExecute  Stage = "execute"
)

// Code maps a stage to its API error code
func (s Stage) Code() ErrorCode {
	switch s {
	case StagePolicy:
		return CodeCommandRejected
	case StageConnect:
		return CodeConnectFailed
	case StageClassify:
		return CodeClassifyFailed
	case StageExecute:
		return CodeExecutionFailed
	default:
		return CodeInternalError
	}
}

// ResolutionError reports a failed secret lookup for a profile template
type ResolutionError struct {
	Profile string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve profile %q: %v", e.Profile, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolutionFailed }

// ConnectError reports a transport-level failure for one profile
type ConnectError struct {
	Host    string
	Profile string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s with profile %q: %v", e.Host, e.Profile, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// AuthError reports that the device rejected the profile's credentials
type AuthError struct {
	Host     string
	Profile  string
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s as %q (profile %q): %v", e.Host, e.Username, e.Profile, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// NoCredentialSucceededError is returned when every profile in the cascade failed.
// Attempts holds one error per attempted template, in precedence order.
type NoCredentialSucceededError struct {
	Host     string
	Attempts []error
	Last     error
}

func (e *NoCredentialSucceededError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("no credential profile succeeded for %s", e.Host)
	}
	return fmt.Sprintf("no credential profile succeeded for %s after %d attempts: %v", e.Host, len(e.Attempts), e.Last)
}

func (e *NoCredentialSucceededError) Unwrap() error { return e.Last }

func (e *NoCredentialSucceededError) Is(target error) bool { return target == ErrNoCredentialSucceeded }

// ClassificationError reports that the introspection command could not be run
type ClassificationError struct {
	Host string
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Host, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

func (e *ClassificationError) Is(target error) bool { return target == ErrClassificationFailed }

// ExecutionError reports a failed or timed out command send/receive
type ExecutionError struct {
	Host    string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q on %s: %v", e.Command, e.Host, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

// ParseFailure is non-fatal: the normalizer downgrades it to a raw result
type ParseFailure struct {
	Platform Platform
	Command  string
	Err      error
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse %q for %s: %v", e.Command, e.Platform, e.Err)
}

func (e *ParseFailure) Unwrap() error { return e.Err }

func (e *ParseFailure) Is(target error) bool { return target == ErrParseFailed }

// StageError is the top-level gateway error naming the failing pipeline stage
type StageError struct {
	Stage   Stage
	Host    string
	Command string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed for %s: %v", e.Stage, e.Host, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing stage of a gateway error, if any
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// APIError represents a structured API error
type APIError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	InnerError error                  `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.InnerError != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.InnerError)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the inner error
func (e *APIError) Unwrap() error {
	return e.InnerError
}

// Is implements errors.Is interface
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// NewAPIErrorWithDetails creates a new API error with details
func NewAPIErrorWithDetails(code ErrorCode, message string, details map[string]interface{}) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WithInner adds an inner error
func (e *APIError) WithInner(err error) *APIError {
	e.InnerError = err
	return e
}

// WithDetail adds a detail
func (e *APIError) WithDetail(key string, value interface{}) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ValidationErrors collects configuration or request validation problems
type ValidationErrors struct {
	Errors []string
}

// Error implements the error interface
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(ve.Errors, "; ")
}

// Addf adds a formatted validation error
func (ve *ValidationErrors) Addf(format string, args ...interface{}) {
	ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// ErrorResponse represents an error response for HTTP APIs
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *APIError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *APIError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
	}
}

// NewStageError builds the API error for a failed gateway stage
func NewStageError(stage Stage, host, command string, cause error) *APIError {
	return NewAPIErrorWithDetails(stage.Code(), "Command failed", map[string]interface{}{
		"stage":   string(stage),
		"device":  host,
		"command": command,
		"reason":  cause.Error(),
	})
}
