package statesync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebridge/statebridge/internal/bridge"
	"github.com/statebridge/statebridge/internal/registry"
)

// stubBridge is an in-memory runtime: deterministic fixtures for the
// round-trip scenarios, plus switches to simulate failures.
type stubBridge struct {
	mu        sync.Mutex
	store     map[string]map[string]string // "type/id" -> snapshot
	failGet   bool
	failSet   bool
	setCalls  int
	getCalls  int
}

func newStubBridge() *stubBridge {
	return &stubBridge{store: make(map[string]map[string]string)}
}

func (b *stubBridge) GetState(ctx context.Context, stateType, stateID string) (bridge.Snapshot, bridge.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.failGet {
		return nil, bridge.Result{Success: false, Message: "runtime unreachable"}
	}
	snap, ok := b.store[stateType+"/"+stateID]
	if !ok {
		return nil, bridge.Result{Success: true}
	}
	return snap, bridge.Result{Success: true}
}

func (b *stubBridge) SetState(ctx context.Context, stateType, stateID string, state map[string]string) bridge.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCalls++
	if b.failSet {
		return bridge.Result{Success: false, Message: "runtime unreachable"}
	}
	b.store[stateType+"/"+stateID] = state
	return bridge.Result{Success: true}
}

// captureConn records frames sent to one client.
type captureConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *captureConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureConn) frame(t *testing.T, i int) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.frames), i, "expected at least %d frames", i+1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(c.frames[i], &decoded))
	return decoded
}

func TestStartPushesInitialSnapshot(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	stub.store["shared/test"] = map[string]string{"greeting": "hi"}
	conn := &captureConn{}

	h := New(reg, stub, conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()

	require.Equal(t, 1, conn.count())
	frame := conn.frame(t, 0)
	assert.Equal(t, "state_update", frame["type"])
	assert.Equal(t, "shared", frame["state_type"])
	assert.Equal(t, "test", frame["state_id"])
	assert.Equal(t, "hi", frame["data"].(map[string]any)["greeting"])
}

func TestStartWithoutSnapshotSendsNothing(t *testing.T) {
	reg := registry.New()
	conn := &captureConn{}

	h := New(reg, newStubBridge(), conn, "shared", "empty")
	h.Start(context.Background())
	defer h.Close()

	// No snapshot is not an error; the client just starts empty.
	assert.Equal(t, 0, conn.count())
}

func TestStartWithBridgeFailureSendsNothing(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	stub.failGet = true
	conn := &captureConn{}

	h := New(reg, stub, conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()

	assert.Equal(t, 0, conn.count())
}

func TestDefaultPartition(t *testing.T) {
	reg := registry.New()
	h := New(reg, newStubBridge(), &captureConn{}, "", "")
	assert.Equal(t, "shared:default", h.Group())
}

func TestGetStateMessageRefetches(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	stub.store["shared/test"] = map[string]string{"v": "1"}
	conn := &captureConn{}

	h := New(reg, stub, conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()

	h.HandleMessage(context.Background(), []byte(`{"type":"get_state"}`))

	require.Equal(t, 2, conn.count())
	assert.Equal(t, "state_update", conn.frame(t, 1)["type"])
}

func TestUpdateStateBroadcastsToPartition(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	self := &captureConn{}
	peer := &captureConn{}
	other := &captureConn{}

	hSelf := New(reg, stub, self, "shared", "p1")
	hPeer := New(reg, stub, peer, "shared", "p1")
	hOther := New(reg, stub, other, "shared", "p2")
	hSelf.Start(context.Background())
	hPeer.Start(context.Background())
	hOther.Start(context.Background())
	defer hSelf.Close()
	defer hPeer.Close()
	defer hOther.Close()

	hSelf.HandleMessage(context.Background(), []byte(`{"type":"update_state","data":{"color":"blue"}}`))

	// Self-inclusion: the originator observes its own update.
	require.Equal(t, 1, self.count())
	require.Equal(t, 1, peer.count())
	frame := peer.frame(t, 0)
	assert.Equal(t, "state_update", frame["type"])
	assert.Equal(t, "blue", frame["data"].(map[string]any)["color"])

	// Group isolation: the other partition saw nothing.
	assert.Equal(t, 0, other.count())
}

func TestUpdateStateFailureIsSilent(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	stub.failSet = true
	conn := &captureConn{}

	h := New(reg, stub, conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()

	h.HandleMessage(context.Background(), []byte(`{"type":"update_state","data":{"x":"1"}}`))

	// No broadcast and no client-visible error frame.
	assert.Equal(t, 0, conn.count())
}

func TestUnknownMessageTypeIsIgnored(t *testing.T) {
	reg := registry.New()
	conn := &captureConn{}

	h := New(reg, newStubBridge(), conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()

	// Unlike the generic event channel, no error frame goes back.
	h.HandleMessage(context.Background(), []byte(`{"type":"launch_missiles"}`))
	assert.Equal(t, 0, conn.count())
}

func TestMalformedFrameYieldsOneErrorAndConnectionSurvives(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()
	stub.store["shared/test"] = map[string]string{"v": "1"}
	conn := &captureConn{}

	h := New(reg, stub, conn, "shared", "test")
	h.Start(context.Background())
	defer h.Close()
	require.Equal(t, 1, conn.count()) // initial push

	h.HandleMessage(context.Background(), []byte(`this is not json`))
	require.Equal(t, 2, conn.count())
	assert.Equal(t, "error", conn.frame(t, 1)["type"])

	// A subsequent valid frame is still processed.
	h.HandleMessage(context.Background(), []byte(`{"type":"get_state"}`))
	require.Equal(t, 3, conn.count())
	assert.Equal(t, "state_update", conn.frame(t, 2)["type"])
}

func TestCloseUnregistersAndIsIdempotent(t *testing.T) {
	reg := registry.New()
	conn := &captureConn{}

	h := New(reg, newStubBridge(), conn, "shared", "test")
	h.Start(context.Background())
	require.Equal(t, 1, reg.Count())

	h.Close()
	h.Close()
	assert.Equal(t, 0, reg.Count())

	// A broadcast after close must not reach the old connection.
	reg.SendToGroup("shared:test", []byte("late"))
	assert.Equal(t, 0, conn.count())
}

func TestRoundTripAcrossConnections(t *testing.T) {
	reg := registry.New()
	stub := newStubBridge()

	writer := &captureConn{}
	hWriter := New(reg, stub, writer, "shared", "test")
	hWriter.Start(context.Background())
	defer hWriter.Close()

	hWriter.HandleMessage(context.Background(),
		[]byte(`{"type":"update_state","data":{"message":"hello","count":1}}`))

	// A second connection bound to the same partition fetches the
	// value the runtime accepted.
	reader := &captureConn{}
	hReader := New(reg, stub, reader, "shared", "test")
	hReader.Start(context.Background())
	defer hReader.Close()

	require.Equal(t, 1, reader.count())
	data := reader.frame(t, 0)["data"].(map[string]any)
	assert.Equal(t, "hello", data["message"])
	assert.Equal(t, "1", data["count"], "numeric payload values travel as their JSON literal")
}
