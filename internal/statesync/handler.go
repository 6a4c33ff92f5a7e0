// Package statesync bridges one client connection to one shared-state
// partition. The handler registers under the partition's broadcast
// group, relays snapshot fetches and updates through the bridge client,
// and fans accepted updates out to every connection on the partition.
package statesync

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/statebridge/statebridge/internal/bridge"
	"github.com/statebridge/statebridge/internal/protocol"
	"github.com/statebridge/statebridge/internal/registry"
)

// Partition defaults when the client connects without naming one.
const (
	DefaultStateType = "shared"
	DefaultStateID   = "default"
)

// Broadcaster is the slice of the connection registry the handler uses.
type Broadcaster interface {
	Register(id string, sender registry.Sender, groups ...string)
	Unregister(id string)
	SendToGroup(group string, data []byte)
}

// BridgeClient is the slice of the bridge client the handler uses.
type BridgeClient interface {
	GetState(ctx context.Context, stateType, stateID string) (bridge.Snapshot, bridge.Result)
	SetState(ctx context.Context, stateType, stateID string, state map[string]string) bridge.Result
}

// Handler is the per-connection state machine for one partition. A
// reconnecting client gets a brand-new handler with a new id; there is
// no resume.
type Handler struct {
	id        string
	stateType string
	stateID   string
	group     string

	reg    Broadcaster
	client BridgeClient
	conn   registry.Sender

	closeOnce sync.Once
}

// New creates a handler bound to the given partition, defaulting to
// shared/default when unspecified.
func New(reg Broadcaster, client BridgeClient, conn registry.Sender, stateType, stateID string) *Handler {
	if stateType == "" {
		stateType = DefaultStateType
	}
	if stateID == "" {
		stateID = DefaultStateID
	}
	return &Handler{
		id:        uuid.NewString(),
		stateType: stateType,
		stateID:   stateID,
		group:     stateType + ":" + stateID,
		reg:       reg,
		client:    client,
		conn:      conn,
	}
}

// ID returns the connection id minted for this handler.
func (h *Handler) ID() string { return h.id }

// Group returns the partition broadcast group this handler joined.
func (h *Handler) Group() string { return h.group }

// Start moves the handler to CONNECTED: it joins the partition group
// and pushes the current snapshot, if the runtime has one, to the
// client. A missing or unfetchable snapshot is not an error; the client
// simply starts empty.
func (h *Handler) Start(ctx context.Context) {
	h.reg.Register(h.id, h.conn, h.group)
	h.pushState(ctx)
}

// HandleMessage processes one client frame.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[StateSync] %s: malformed frame: %v", h.group, err)
		h.sendError("invalid message format")
		return
	}

	switch frame.Type {
	case protocol.TypeGetState:
		h.pushState(ctx)

	case protocol.TypeUpdateState:
		h.updateState(ctx, frame.Data)

	default:
		// Unknown types are logged and ignored on this channel; no
		// error frame goes back. The generic event channel differs.
		log.Printf("[StateSync] %s: ignoring unknown message type %q", h.group, frame.Type)
	}
}

// Close moves the handler to CLOSED and removes it from the registry.
// Safe to call more than once; disconnect paths overlap.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.reg.Unregister(h.id)
	})
}

// pushState fetches the partition snapshot and sends it to this
// connection only.
func (h *Handler) pushState(ctx context.Context) {
	snapshot, res := h.client.GetState(ctx, h.stateType, h.stateID)
	if !res.Success {
		log.Printf("[StateSync] %s: get_state failed: %s", h.group, res.Message)
		return
	}
	if snapshot == nil {
		return
	}

	data, err := protocol.StateUpdate(h.stateType, h.stateID, snapshot).Encode()
	if err != nil {
		log.Printf("[StateSync] %s: %v", h.group, err)
		return
	}
	if err := h.conn.Send(data); err != nil {
		log.Printf("[StateSync] %s: dropped snapshot push: %v", h.group, err)
	}
}

// updateState writes the new value through the bridge and, on success,
// broadcasts it to the whole partition group, this connection included,
// so every observer converges without re-querying the runtime. A failed
// write is logged but not surfaced to the client.
func (h *Handler) updateState(ctx context.Context, data map[string]any) {
	state := protocol.Stringify(data)
	res := h.client.SetState(ctx, h.stateType, h.stateID, state)
	if !res.Success {
		log.Printf("[StateSync] %s: update_state failed: %s", h.group, res.Message)
		return
	}

	frame, err := protocol.StateUpdate(h.stateType, h.stateID, state).Encode()
	if err != nil {
		log.Printf("[StateSync] %s: %v", h.group, err)
		return
	}
	h.reg.SendToGroup(h.group, frame)
}

func (h *Handler) sendError(message string) {
	data, err := protocol.Error(message).Encode()
	if err != nil {
		return
	}
	if err := h.conn.Send(data); err != nil {
		log.Printf("[StateSync] %s: dropped error frame: %v", h.group, err)
	}
}
