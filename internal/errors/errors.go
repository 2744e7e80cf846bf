package errors

import "errors"

// Sentinel errors shared between the chat-file reader and its consumers.
// Callers match them with errors.Is.
var (
	// ErrNotFound is returned when the chat service has no message with
	// the requested id.
	ErrNotFound = errors.New("message not found")

	// ErrBadMessageKind is returned when the requested id resolves to
	// something that is not a regular message (e.g. a service notice).
	ErrBadMessageKind = errors.New("not a message")

	// ErrDisconnected is returned by the health check when the primary
	// session or any media session is not connected.
	ErrDisconnected = errors.New("client disconnected")
)

// APIError represents a simple standardized error response.
// Used for 400, 401, 403, 404 and 500 responses.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}
