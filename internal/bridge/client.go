// Package bridge is a thin RPC facade over the backend runtime, the
// authoritative owner of shared-state partitions and the source of the
// event stream. The client is stateless beyond its connection handle:
// the channel is opened lazily on first use and shared by all callers.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	methodSendEvent    = "/statebridge.Runtime/SendEvent"
	methodGetState     = "/statebridge.Runtime/GetState"
	methodSetState     = "/statebridge.Runtime/SetState"
	methodStreamEvents = "/statebridge.Runtime/StreamEvents"
)

var streamEventsDesc = &grpc.StreamDesc{
	StreamName:    "StreamEvents",
	ServerStreams: true,
}

// Client talks to the backend runtime. Safe for concurrent use.
type Client struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient creates a client for the runtime at addr. No connection is
// opened until the first call. timeout bounds each unary call.
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// channel returns the shared connection, dialing it on first use.
func (c *Client) channel() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime channel to %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// Close releases the underlying channel. Subsequent calls re-open it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// GetState fetches one partition's snapshot. A nil snapshot with a
// successful Result means the runtime holds nothing for that partition;
// callers treat both that and a failed Result as "no state yet".
func (c *Client) GetState(ctx context.Context, stateType, stateID string) (Snapshot, Result) {
	conn, err := c.channel()
	if err != nil {
		return nil, failure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply getStateReply
	req := &getStateRequest{StateType: stateType, StateID: stateID}
	if err := conn.Invoke(ctx, methodGetState, req, &reply); err != nil {
		return nil, failure(err)
	}
	if !reply.Success {
		return nil, Result{Success: false, Message: reply.Message}
	}
	return Snapshot(reply.State), Result{Success: true, Message: reply.Message}
}

// SetState replaces one partition's snapshot.
func (c *Client) SetState(ctx context.Context, stateType, stateID string, state map[string]string) Result {
	conn, err := c.channel()
	if err != nil {
		return failure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply statusReply
	req := &setStateRequest{StateType: stateType, StateID: stateID, State: state}
	if err := conn.Invoke(ctx, methodSetState, req, &reply); err != nil {
		return failure(err)
	}
	return Result{Success: reply.Success, Message: reply.Message}
}

// SendEvent publishes one event into the runtime.
func (c *Client) SendEvent(ctx context.Context, eventType string, data map[string]string) Result {
	conn, err := c.channel()
	if err != nil {
		return failure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply statusReply
	req := &sendEventRequest{EventType: eventType, Data: data}
	if err := conn.Invoke(ctx, methodSendEvent, req, &reply); err != nil {
		return failure(err)
	}
	return Result{Success: reply.Success, Message: reply.Message}
}

// StreamEvents opens the server-streaming event feed. An empty
// eventTypes list subscribes to everything. The returned stream ends
// (Recv returns false) on any transport failure; callers re-issue the
// call to resume.
func (c *Client) StreamEvents(ctx context.Context, eventTypes []string) (*EventStream, error) {
	conn, err := c.channel()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cs, err := conn.NewStream(ctx, streamEventsDesc, methodStreamEvents)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := cs.SendMsg(&streamEventsRequest{EventTypes: eventTypes}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send stream request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to half-close event stream: %w", err)
	}
	return &EventStream{cs: cs, cancel: cancel}, nil
}

// EventStream is a lazy sequence of runtime events. Close cancels it.
type EventStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

// Recv blocks for the next event. ok is false once the stream has
// ended, whether cleanly, by cancellation, or on transport failure.
func (s *EventStream) Recv() (ev Event, ok bool) {
	if err := s.cs.RecvMsg(&ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// Close cancels the stream and releases its handle.
func (s *EventStream) Close() {
	s.cancel()
}

func failure(err error) Result {
	log.Printf("[Bridge] Call failed: %v", err)
	return Result{Success: false, Message: err.Error()}
}
