package common

import "fmt"

// ProtocolVersion is echoed in every HTTP response body.
const ProtocolVersion = 1

// MaxErrorMessageLen caps error messages returned to clients.
const MaxErrorMessageLen = 200

type APIError struct {
	Status  int            `json:"-"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (e APIError) Error() string {
	return e.Message
}

func Errf(status int, format string, args ...any) APIError {
	return APIError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// NewAPIError creates an APIError with status, message, and optional fields
func NewAPIError(status int, message string, fields map[string]any) APIError {
	return APIError{
		Status:  status,
		Message: message,
		Fields:  fields,
	}
}

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	ProtocolVersion int      `json:"protocolVersion"`
	Error           APIError `json:"error"`
}

// NewErrorBody sanitizes the error message and wraps it in the response envelope.
func NewErrorBody(e APIError) ErrorBody {
	e.Message = SanitizeMessage(e.Message, MaxErrorMessageLen)
	return ErrorBody{ProtocolVersion: ProtocolVersion, Error: e}
}
