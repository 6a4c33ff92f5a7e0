// Package fanout runs the single background worker that keeps the
// runtime's event stream alive and dispatches arriving events to every
// handler subscribed to that event type.
package fanout

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/statebridge/statebridge/internal/bridge"
)

// Handler consumes one event. Handlers are invoked in registration
// order; a panic in one handler is isolated from its siblings.
type Handler func(ev bridge.Event)

// EventSource is one live streaming session.
type EventSource interface {
	// Recv blocks for the next event; ok is false once the stream ends.
	Recv() (ev bridge.Event, ok bool)
	Close()
}

// Streamer is the slice of the bridge client the worker needs.
type Streamer interface {
	StreamEvents(ctx context.Context, eventTypes []string) (EventSource, error)
}

// BridgeStreamer adapts the concrete bridge client to Streamer.
func BridgeStreamer(c *bridge.Client) Streamer {
	return bridgeStreamer{c}
}

type bridgeStreamer struct {
	c *bridge.Client
}

func (s bridgeStreamer) StreamEvents(ctx context.Context, eventTypes []string) (EventSource, error) {
	return s.c.StreamEvents(ctx, eventTypes)
}

var (
	dispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statebridge",
		Subsystem: "fanout",
		Name:      "events_dispatched_total",
		Help:      "Events delivered to at least one subscribed handler.",
	})
	restartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statebridge",
		Subsystem: "fanout",
		Name:      "worker_restarts_total",
		Help:      "Times the streaming loop was relaunched after a fault.",
	})
)

type subscription struct {
	owner string
	fn    Handler
}

// Worker owns the streaming loop and the subscription table. At most
// one loop runs per Worker; Start is idempotent.
type Worker struct {
	client Streamer

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu   sync.Mutex
	subs map[string][]subscription // event type -> handlers, registration order

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a stopped worker. initialBackoff and maxBackoff
// bound the delay between stream re-issues after a failure; zero values
// pick defaults.
func NewWorker(client Streamer, initialBackoff, maxBackoff time.Duration) *Worker {
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &Worker{
		client:         client,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		subs:           make(map[string][]subscription),
	}
}

// Subscribe registers a handler, owned by owner, for each event type.
// Owners are connection ids; one owner may hold many subscriptions.
func (w *Worker) Subscribe(owner string, eventTypes []string, fn Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, et := range eventTypes {
		w.subs[et] = append(w.subs[et], subscription{owner: owner, fn: fn})
	}
}

// Unsubscribe removes owner's handlers for the given event types.
// Unknown types and absent owners are ignored.
func (w *Worker) Unsubscribe(owner string, eventTypes []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, et := range eventTypes {
		w.subs[et] = withoutOwner(w.subs[et], owner)
		if len(w.subs[et]) == 0 {
			delete(w.subs, et)
		}
	}
}

// UnsubscribeAll removes every subscription held by owner. Called on
// disconnect so dead connections do not leak handlers.
func (w *Worker) UnsubscribeAll(owner string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for et := range w.subs {
		w.subs[et] = withoutOwner(w.subs[et], owner)
		if len(w.subs[et]) == 0 {
			delete(w.subs, et)
		}
	}
}

// SubscribedTypes returns the event types with at least one handler.
func (w *Worker) SubscribedTypes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	types := make([]string, 0, len(w.subs))
	for et := range w.subs {
		types = append(types, et)
	}
	return types
}

// Start launches the streaming loop. Calling Start on a running worker
// is a no-op, so concurrent connection registrations cannot spawn a
// second loop.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	done := make(chan struct{})
	w.done = done
	go w.run(ctx, done)
}

// Stop cancels the loop and waits for it to exit.
func (w *Worker) Stop() {
	if !w.running.Load() {
		return
	}
	w.cancel()
	<-w.done
}

// Running reports whether the streaming loop is live.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// run keeps the event stream alive until ctx is cancelled. Each session
// is wrapped so that a fault inside the loop body relaunches it after a
// backoff instead of leaving subscribers permanently silent.
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.running.Store(false)
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.initialBackoff
	bo.MaxInterval = w.maxBackoff
	bo.MaxElapsedTime = 0 // retry forever

	for {
		clean := w.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if clean {
			bo.Reset()
		} else {
			restartsTotal.Inc()
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

// consume runs one streaming session. Returns true if the stream ended
// without a fault escaping the loop body.
func (w *Worker) consume(ctx context.Context) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Fanout] Worker fault, relaunching: %v", r)
			clean = false
		}
	}()

	stream, err := w.client.StreamEvents(ctx, nil)
	if err != nil {
		log.Printf("[Fanout] Failed to open event stream: %v", err)
		return false
	}
	defer stream.Close()

	for {
		ev, ok := stream.Recv()
		if !ok {
			// Stream ended; the surrounding loop re-issues the call.
			return true
		}
		w.dispatch(ev)
	}
}

// dispatch invokes every handler subscribed to the event's type. The
// handler list is snapshotted under the lock; invocation happens
// outside it so a slow handler cannot block subscription changes.
func (w *Worker) dispatch(ev bridge.Event) {
	w.mu.Lock()
	handlers := make([]subscription, len(w.subs[ev.Type]))
	copy(handlers, w.subs[ev.Type])
	w.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	dispatchedTotal.Inc()
	for _, sub := range handlers {
		invoke(sub, ev)
	}
}

// invoke isolates one handler: a panic is logged and the event is still
// considered delivered to the remaining handlers.
func invoke(sub subscription, ev bridge.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Fanout] Handler %s failed on %s: %v", sub.owner, ev.Type, r)
		}
	}()
	sub.fn(ev)
}

func withoutOwner(subs []subscription, owner string) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.owner != owner {
			out = append(out, s)
		}
	}
	return out
}
