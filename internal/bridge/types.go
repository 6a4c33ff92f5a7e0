package bridge

// Result is the uniform outcome of a unary bridge call. Transport
// failures are folded into it rather than surfaced as errors so that
// callers degrade instead of crash.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Snapshot is one partition's state as held by the backend runtime.
type Snapshot map[string]string

// Event is one entry from the runtime's event stream.
type Event struct {
	Type      string            `json:"event_type"`
	Data      map[string]string `json:"data"`
	Timestamp string            `json:"timestamp"`
}

// Wire shapes for the runtime RPC service. Carried over the JSON codec,
// so field names here are the protocol.

type sendEventRequest struct {
	EventType string            `json:"event_type"`
	Data      map[string]string `json:"data"`
}

type getStateRequest struct {
	StateType string `json:"state_type"`
	StateID   string `json:"state_id"`
}

type getStateReply struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	State   map[string]string `json:"state"`
}

type setStateRequest struct {
	StateType string            `json:"state_type"`
	StateID   string            `json:"state_id"`
	State     map[string]string `json:"state"`
}

type statusReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type streamEventsRequest struct {
	// EventTypes filters the stream; empty means all events.
	EventTypes []string `json:"event_types"`
}
