// Package chat implements the session state store and its observers.
package chat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a chat failure. The rendering layer only needs the
// message, but internal logic switches on kind (reconnect policy, for one).
type ErrorKind string

const (
	// KindAPI covers eligibility fetch transport failures and non-2xx
	// responses.
	KindAPI ErrorKind = "api_error"
	// KindConfiguration covers payloads that fail schema validation.
	KindConfiguration ErrorKind = "configuration_error"
	// KindScriptLoad covers widget bootstrap download failures.
	KindScriptLoad ErrorKind = "script_load_error"
	// KindInitialization covers an absent or unready widget surface after
	// bootstrap.
	KindInitialization ErrorKind = "initialization_error"
	// KindChatStart covers adapter start-command failures.
	KindChatStart ErrorKind = "chat_start_error"
	// KindChatEnd covers adapter end-command failures.
	KindChatEnd ErrorKind = "chat_end_error"
	// KindMessage covers adapter send failures.
	KindMessage ErrorKind = "message_error"
	// KindNoActiveSession covers actions that require an active session.
	KindNoActiveSession ErrorKind = "no_active_session"
)

// Error is a classified chat failure with an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error wrapping cause (which may be nil).
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsTransport reports whether err should trigger the reconnect backoff
// policy. Only API/transport-level failures qualify.
func IsTransport(err error) bool {
	return KindOf(err) == KindAPI
}
