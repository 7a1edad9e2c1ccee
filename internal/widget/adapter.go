// Package widget bridges the chat store to the externally hosted support
// widget. The widget itself is a black box; this package only translates
// store intents into its command surface and its events back into store
// mutations, for both the legacy bus-style variant and the cloud variant.
package widget

import (
	"encoding/json"
)

// LoadPhase tracks widget bootstrap progress. Transitions are strictly
// forward (Init -> Loading -> Loaded); Error is reachable only from Loading,
// and the only way out of Error is a retry that resets to Loading.
type LoadPhase int32

const (
	PhaseInit LoadPhase = iota
	PhaseLoading
	PhaseLoaded
	PhaseError
)

func (p LoadPhase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Well-known event names on both widget surfaces.
const (
	EventReady        = "ready"
	EventMessage      = "message"
	EventEnded        = "ended"
	EventDisconnected = "disconnected"
	EventReconnected  = "reconnected"
)

// Event is a widget-originated event frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// messageData is the payload carried by EventMessage frames.
type messageData struct {
	Content string `json:"content"`
}

// contentOf extracts the message text from an EventMessage frame.
func contentOf(e Event) string {
	var d messageData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return string(e.Data)
	}
	return d.Content
}
