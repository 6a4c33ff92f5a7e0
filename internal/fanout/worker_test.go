package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statebridge/statebridge/internal/bridge"
)

// stubSource feeds events from a channel; closing the channel ends the
// stream the way a transport failure would, and cancelling the context
// ends it the way the real stream does.
type stubSource struct {
	ctx context.Context
	ch  chan bridge.Event
}

func (s *stubSource) Recv() (bridge.Event, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-s.ctx.Done():
		return bridge.Event{}, false
	}
}

func (s *stubSource) Close() {}

// stubStreamer hands each opened session to the test via sessions.
type stubStreamer struct {
	mu       sync.Mutex
	opened   int
	sessions chan *stubSource
}

func newStubStreamer() *stubStreamer {
	return &stubStreamer{sessions: make(chan *stubSource, 16)}
}

func (s *stubStreamer) StreamEvents(ctx context.Context, eventTypes []string) (EventSource, error) {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	src := &stubSource{ctx: ctx, ch: make(chan bridge.Event, 16)}
	s.sessions <- src
	return src, nil
}

func (s *stubStreamer) openedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func newTestWorker(s Streamer) *Worker {
	return NewWorker(s, time.Millisecond, 5*time.Millisecond)
}

func waitSession(t *testing.T, s *stubStreamer) *stubSource {
	t.Helper()
	select {
	case src := <-s.sessions:
		return src
	case <-time.After(2 * time.Second):
		t.Fatal("worker never opened an event stream")
		return nil
	}
}

func waitEvent(t *testing.T, ch <-chan bridge.Event) bridge.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
		return bridge.Event{}
	}
}

func TestStartIsIdempotent(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)
	defer w.Stop()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}
	wg.Wait()

	require.True(t, w.Running())

	// Exactly one streaming session is live for the worker.
	waitSession(t, streamer)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, streamer.openedCount(), "N concurrent starts must launch a single worker")
}

func TestDispatchByEventType(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)
	defer w.Stop()

	got := make(chan bridge.Event, 4)
	w.Subscribe("c1", []string{"task_update"}, func(ev bridge.Event) { got <- ev })

	w.Start(context.Background())
	src := waitSession(t, streamer)

	src.ch <- bridge.Event{Type: "task_update", Data: map[string]string{"id": "7"}, Timestamp: "now"}
	ev := waitEvent(t, got)
	assert.Equal(t, "task_update", ev.Type)
	assert.Equal(t, "7", ev.Data["id"])

	// An event type nobody subscribed to is dropped silently.
	src.ch <- bridge.Event{Type: "other"}
	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerFaultIsIsolated(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)
	defer w.Stop()

	got := make(chan bridge.Event, 4)
	w.Subscribe("faulty", []string{"e"}, func(bridge.Event) { panic("handler exploded") })
	w.Subscribe("healthy", []string{"e"}, func(ev bridge.Event) { got <- ev })

	w.Start(context.Background())
	src := waitSession(t, streamer)

	// The faulting handler runs first (registration order) and must
	// not prevent the sibling from seeing the same event.
	src.ch <- bridge.Event{Type: "e"}
	waitEvent(t, got)

	// The worker is still alive: the next event is also delivered.
	src.ch <- bridge.Event{Type: "e"}
	waitEvent(t, got)
	assert.True(t, w.Running())
}

func TestWorkerReissuesStreamAfterEnd(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)
	defer w.Stop()

	got := make(chan bridge.Event, 4)
	w.Subscribe("c1", []string{"e"}, func(ev bridge.Event) { got <- ev })

	w.Start(context.Background())
	first := waitSession(t, streamer)

	// Transport failure: the stream just ends.
	close(first.ch)

	// The worker re-issues the call and events flow again.
	second := waitSession(t, streamer)
	second.ch <- bridge.Event{Type: "e"}
	waitEvent(t, got)
}

func TestSubscribeUnsubscribeSymmetry(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)
	defer w.Stop()

	got := make(chan bridge.Event, 4)
	w.Subscribe("c1", []string{"a", "b"}, func(ev bridge.Event) { got <- ev })
	w.Unsubscribe("c1", []string{"a"})

	require.ElementsMatch(t, []string{"b"}, w.SubscribedTypes())

	w.Start(context.Background())
	src := waitSession(t, streamer)

	src.ch <- bridge.Event{Type: "a"}
	select {
	case <-got:
		t.Fatal("handler for unsubscribed type was invoked")
	case <-time.After(50 * time.Millisecond):
	}

	src.ch <- bridge.Event{Type: "b"}
	ev := waitEvent(t, got)
	assert.Equal(t, "b", ev.Type)
}

func TestUnsubscribeAll(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)

	w.Subscribe("c1", []string{"a", "b"}, func(bridge.Event) {})
	w.Subscribe("c2", []string{"b"}, func(bridge.Event) {})

	w.UnsubscribeAll("c1")

	require.ElementsMatch(t, []string{"b"}, w.SubscribedTypes())
	w.UnsubscribeAll("c2")
	require.Empty(t, w.SubscribedTypes())
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)

	w.Unsubscribe("ghost", []string{"never"})
	w.UnsubscribeAll("ghost")
	require.Empty(t, w.SubscribedTypes())
}

func TestStopEndsTheLoop(t *testing.T) {
	streamer := newStubStreamer()
	w := newTestWorker(streamer)

	w.Start(context.Background())
	waitSession(t, streamer)
	w.Stop()

	require.False(t, w.Running())

	// Start after Stop brings the worker back.
	w.Start(context.Background())
	defer w.Stop()
	waitSession(t, streamer)
	require.True(t, w.Running())
}
