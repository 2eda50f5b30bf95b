package relay

import "net/http"

// Error codes returned to clients.
const (
	CodeBadRequest    = "bad_request"
	CodeNotAuthorized = "not_authorized"
	CodeNotFound      = "not_found"
	CodeQueueFull     = "queue_full"
)

// RequestError is a client-caused failure with a stable machine code
// and an HTTP status. Everything else a handler returns is treated as
// an internal error.
type RequestError struct {
	Code    string
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func badRequest(message string) *RequestError {
	return &RequestError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message}
}

func notAuthorized(message string) *RequestError {
	return &RequestError{Code: CodeNotAuthorized, Status: http.StatusForbidden, Message: message}
}

func notFound(message string) *RequestError {
	return &RequestError{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

func queueFull(message string) *RequestError {
	return &RequestError{Code: CodeQueueFull, Status: http.StatusTooManyRequests, Message: message}
}
