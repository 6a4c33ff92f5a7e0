// Package protocol defines the JSON frames exchanged with clients over
// the persistent connections, for both the state-sync and the generic
// event channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types, server to client and client to server.
const (
	TypeStateUpdate           = "state_update"
	TypeGetState              = "get_state"
	TypeUpdateState           = "update_state"
	TypeConnectionEstablished = "connection_established"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeSubscribe             = "subscribe"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribe           = "unsubscribe"
	TypeUnsubscribed          = "unsubscribed"
	TypeEvent                 = "event"
	TypeEventSent             = "event_sent"
	TypeError                 = "error"
)

// Frame is one protocol message. Only the fields relevant to a given
// type are populated; the rest are omitted from the encoding.
type Frame struct {
	Type       string          `json:"type"`
	StateType  string          `json:"state_type,omitempty"`
	StateID    string          `json:"state_id,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	EventTypes []string        `json:"event_types,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	ConsumerID string          `json:"consumer_id,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Decode parses a client frame. The payload must be a JSON object with
// a string type; anything else is a protocol error for the caller to
// report, not a connection-fatal condition.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid message format: %w", err)
	}
	return f, nil
}

// Encode serializes a frame. The frame shapes built by this package
// always marshal; an error here indicates handler-supplied data that
// cannot be represented and is the caller's to log.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// StateUpdate builds the snapshot push for one partition.
func StateUpdate(stateType, stateID string, state map[string]string) Frame {
	return Frame{
		Type:      TypeStateUpdate,
		StateType: stateType,
		StateID:   stateID,
		Data:      anyMap(state),
	}
}

// Error builds the protocol-error frame sent back to an offending
// client. The connection stays open.
func Error(message string) Frame {
	return Frame{Type: TypeError, Message: message}
}

// Timestamp quotes a server-generated timestamp string for the raw
// timestamp field, which otherwise echoes client input verbatim.
func Timestamp(ts string) json.RawMessage {
	data, _ := json.Marshal(ts)
	return data
}

// Stringify flattens a client-supplied data object into the string map
// the runtime RPC surface carries. Scalars keep their JSON literal
// form; nested values are re-encoded as JSON text.
func Stringify(data map[string]any) map[string]string {
	if data == nil {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case float64, bool, json.Number:
			out[k] = fmt.Sprintf("%v", val)
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprintf("%v", val)
				continue
			}
			out[k] = string(encoded)
		}
	}
	return out
}

func anyMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
