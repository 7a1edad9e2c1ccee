package widget

import (
	"fmt"

	"github.com/membercare/chat-gateway/internal/chat"
)

// Classified error constructors. Every failure leaving this package carries
// a chat.ErrorKind so the store can record and switch on it.

func scriptLoadError(step string, cause error) error {
	return chat.NewError(chat.KindScriptLoad, fmt.Sprintf("widget %s load failed", step), cause)
}

func initializationError(msg string, cause error) error {
	return chat.NewError(chat.KindInitialization, msg, cause)
}

func startError(cause error) error {
	return chat.NewError(chat.KindChatStart, "widget start command failed", cause)
}

func endError(cause error) error {
	return chat.NewError(chat.KindChatEnd, "widget end command failed", cause)
}

func messageError(cause error) error {
	return chat.NewError(chat.KindMessage, "widget message command failed", cause)
}

// NewTerminalReconnectError marks an abandoned reconnect sequence; the user
// has to retry explicitly (reload) from here.
func NewTerminalReconnectError(attempts int, cause error) error {
	return chat.NewError(chat.KindInitialization,
		fmt.Sprintf("widget reinitialization abandoned after %d attempts", attempts), cause)
}
