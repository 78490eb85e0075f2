package directive

import (
	"fmt"
)

// Error codes.
const (
	CodeRoutingError         = "ROUTING_ERROR"
	CodeProtocolViolation    = "PROTOCOL_VIOLATION"
	CodeHandlerFailure       = "HANDLER_FAILURE"
	CodeDuplicateDirective   = "DUPLICATE_DIRECTIVE"
	CodeStaleDialog          = "STALE_DIALOG"
	CodeInvalidDirective     = "INVALID_DIRECTIVE"
	CodeInvalidConfiguration = "INVALID_CONFIGURATION"
)

// Sentinels for errors.Is; matching is by code.
var (
	ErrRoutingError         = &DirectiveError{Code: CodeRoutingError}
	ErrHandlerFailure       = &DirectiveError{Code: CodeHandlerFailure}
	ErrDuplicateDirective   = &DirectiveError{Code: CodeDuplicateDirective}
	ErrStaleDialog          = &DirectiveError{Code: CodeStaleDialog}
	ErrInvalidDirective     = &DirectiveError{Code: CodeInvalidDirective}
	ErrInvalidConfiguration = &DirectiveError{Code: CodeInvalidConfiguration}
)

// DirectiveError is a structured dispatch failure.
type DirectiveError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Namespace string `json:"namespace,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

func (e *DirectiveError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("%s: %s (messageId=%s)", e.Code, e.Message, e.MessageID)
	}
	return e.Code + ": " + e.Message
}

// Is reports whether target is a DirectiveError with the same code.
func (e *DirectiveError) Is(target error) bool {
	t, ok := target.(*DirectiveError)
	return ok && t.Code == e.Code
}

// NewDirectiveError creates a new DirectiveError.
func NewDirectiveError(code, message string) *DirectiveError {
	return &DirectiveError{Code: code, Message: message}
}
