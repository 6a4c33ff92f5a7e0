// Package events implements the generic publish/subscribe connection
// handler: ad hoc event subscriptions and publishes that are not tied
// to any state partition, plus role-scoped specializations for agent
// and ML traffic.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/statebridge/statebridge/internal/bridge"
	"github.com/statebridge/statebridge/internal/fanout"
	"github.com/statebridge/statebridge/internal/protocol"
	"github.com/statebridge/statebridge/internal/registry"
)

// BroadcastGroup is the catch-all group every event connection joins.
const BroadcastGroup = "broadcast"

// Registrar is the slice of the connection registry the handler uses.
type Registrar interface {
	Register(id string, sender registry.Sender, groups ...string)
	Unregister(id string)
}

// Subscriptions is the slice of the fan-out worker the handler uses.
type Subscriptions interface {
	Subscribe(owner string, eventTypes []string, fn fanout.Handler)
	Unsubscribe(owner string, eventTypes []string)
	UnsubscribeAll(owner string)
}

// EventSender is the slice of the bridge client the handler uses.
type EventSender interface {
	SendEvent(ctx context.Context, eventType string, data map[string]string) bridge.Result
}

// Handler is the per-connection state machine for the generic event
// channel.
type Handler struct {
	id        string
	principal string

	reg    Registrar
	subs   Subscriptions
	sender EventSender
	conn   registry.Sender

	// commandType, when set, names one extra message type that is
	// packaged into a generic event before delegating to the base
	// behavior. Used by the agent and ml specializations.
	commandType string
	extraGroups []string

	closeOnce sync.Once
}

// New creates a handler for an optionally authenticated principal.
func New(reg Registrar, subs Subscriptions, sender EventSender, conn registry.Sender, principal string) *Handler {
	return &Handler{
		id:        uuid.NewString(),
		principal: principal,
		reg:       reg,
		subs:      subs,
		sender:    sender,
		conn:      conn,
	}
}

// NewAgent creates the agent-role specialization: same state machine,
// one extra fixed group, and an agent_command message that wraps a
// role-specific command into a generic event.
func NewAgent(reg Registrar, subs Subscriptions, sender EventSender, conn registry.Sender, principal string) *Handler {
	h := New(reg, subs, sender, conn, principal)
	h.commandType = "agent_command"
	h.extraGroups = []string{"agents"}
	return h
}

// NewML creates the ml-role specialization with its fixed group and
// ml_task_submit command message.
func NewML(reg Registrar, subs Subscriptions, sender EventSender, conn registry.Sender, principal string) *Handler {
	h := New(reg, subs, sender, conn, principal)
	h.commandType = "ml_task_submit"
	h.extraGroups = []string{"ml"}
	return h
}

// ID returns the consumer id assigned at connect time.
func (h *Handler) ID() string { return h.id }

// Start registers the connection under its default groups and
// acknowledges the connect with the assigned consumer id.
func (h *Handler) Start(ctx context.Context) {
	groups := []string{BroadcastGroup}
	if h.principal != "" {
		groups = append(groups, "user:"+h.principal)
	}
	groups = append(groups, h.extraGroups...)

	h.reg.Register(h.id, h.conn, groups...)

	h.send(protocol.Frame{
		Type:       protocol.TypeConnectionEstablished,
		ConsumerID: h.id,
	})
}

// HandleMessage dispatches one client frame by type. Protocol errors
// are reported with an error frame; the connection stays open.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[Events] %s: malformed frame: %v", h.id, err)
		h.sendError("invalid message format")
		return
	}

	switch frame.Type {
	case protocol.TypePing:
		h.send(protocol.Frame{Type: protocol.TypePong, Timestamp: frame.Timestamp})

	case protocol.TypeSubscribe:
		if len(frame.EventTypes) == 0 {
			h.sendError("subscribe requires a non-empty event_types list")
			return
		}
		h.subs.Subscribe(h.id, frame.EventTypes, h.deliver)
		h.send(protocol.Frame{Type: protocol.TypeSubscribed, EventTypes: frame.EventTypes})

	case protocol.TypeUnsubscribe:
		if len(frame.EventTypes) == 0 {
			h.sendError("unsubscribe requires a non-empty event_types list")
			return
		}
		h.subs.Unsubscribe(h.id, frame.EventTypes)
		h.send(protocol.Frame{Type: protocol.TypeUnsubscribed, EventTypes: frame.EventTypes})

	case protocol.TypeEvent:
		h.publish(ctx, frame.EventType, frame.Data)

	case h.command():
		// Role-specific command: package it as a generic event and
		// reuse the publish path.
		h.publish(ctx, h.commandType, frame.Data)

	default:
		h.sendError("unknown message type: " + frame.Type)
	}
}

// Close unregisters the connection and drops every subscription it
// still holds.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.subs.UnsubscribeAll(h.id)
		h.reg.Unregister(h.id)
	})
}

// publish forwards one event to the runtime. The event_sent ack is
// optimistic: it goes back regardless of the RPC result, which is only
// logged.
func (h *Handler) publish(ctx context.Context, eventType string, data map[string]any) {
	if eventType == "" {
		h.sendError("event requires an event_type")
		return
	}

	res := h.sender.SendEvent(ctx, eventType, protocol.Stringify(data))
	if !res.Success {
		log.Printf("[Events] %s: send_event %s failed: %s", h.id, eventType, res.Message)
	}
	h.send(protocol.Frame{Type: protocol.TypeEventSent, EventType: eventType})
}

// deliver is the fan-out callback: it forwards one runtime event to
// this connection as an event frame.
func (h *Handler) deliver(ev bridge.Event) {
	frame := protocol.Frame{
		Type:      protocol.TypeEvent,
		EventType: ev.Type,
		Data:      stringMapToAny(ev.Data),
		Timestamp: protocol.Timestamp(ev.Timestamp),
	}
	h.send(frame)
}

// command returns the role-specific message type, or a sentinel that
// never matches for the base handler.
func (h *Handler) command() string {
	if h.commandType == "" {
		return "\x00none"
	}
	return h.commandType
}

func (h *Handler) send(frame protocol.Frame) {
	data, err := frame.Encode()
	if err != nil {
		log.Printf("[Events] %s: %v", h.id, err)
		return
	}
	if err := h.conn.Send(data); err != nil {
		log.Printf("[Events] %s: dropped %s frame: %v", h.id, frame.Type, err)
	}
}

func (h *Handler) sendError(message string) {
	h.send(protocol.Error(message))
}

func stringMapToAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
