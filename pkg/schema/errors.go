package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRateLimitConfig   = "RATE_LIMIT_CONFIG"
	ErrCodeBreakerOpen       = "BREAKER_OPEN"
	ErrCodeStore             = "STORE_ERROR"
)

// ChainflowError is the structured error type for all chainflow operations.
type ChainflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainflowError.
func NewError(code, message string) *ChainflowError {
	return &ChainflowError{Code: code, Message: message}
}

// NewErrorf creates a new ChainflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainflowError {
	return &ChainflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ChainflowError) WithNode(nodeID string) *ChainflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainflowError) WithCause(err error) *ChainflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainflowError) WithDetails(details map[string]any) *ChainflowError {
	e.Details = details
	return e
}
