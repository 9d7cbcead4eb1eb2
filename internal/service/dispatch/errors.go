package dispatch

import "errors"

// Validation errors are returned before anything is appended to the transcript.
var (
	ErrEmpty   = errors.New("message is empty")
	ErrTooLong = errors.New("message too long")
	ErrBusy    = errors.New("a message is already in flight")
)

// Network errors end the in-flight turn; each one appends a single apology to the transcript.
var (
	ErrConnectTimeout = errors.New("connection did not open in time")
	ErrSendFailed     = errors.New("failed to send message")
	ErrTransport      = errors.New("transport error")
	ErrAbnormalClose  = errors.New("connection closed abnormally")
)
