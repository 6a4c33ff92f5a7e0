// Package registry tracks live client connections and their broadcast
// group memberships. It is the single source of truth for fan-out
// targeting: connection handlers register themselves under one or more
// named groups, and message producers address connections either
// directly, per group, or globally.
package registry

import (
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sender delivers one encoded frame to a single client connection.
// Implementations must not block; a send to a slow or dead client is
// dropped, not queued indefinitely.
type Sender interface {
	Send(data []byte) error
}

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "statebridge",
		Subsystem: "registry",
		Name:      "connections",
		Help:      "Number of live registered connections.",
	})
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statebridge",
		Subsystem: "registry",
		Name:      "messages_delivered_total",
		Help:      "Frames handed to connection senders during fan-out.",
	})
	dropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "statebridge",
		Subsystem: "registry",
		Name:      "send_failures_total",
		Help:      "Frames a connection sender refused or failed to queue.",
	})
)

// Registry is a process-wide directory of connections and groups.
// Construct one at the composition root and inject it into every
// connection handler; it is not a package-level singleton.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]Sender
	groups  map[string][]string // group name -> member ids, registration order
	members map[string][]string // connection id -> groups joined

	onFirst func() // invoked after the registry goes 0 -> 1 connections
	onEmpty func() // invoked after the registry goes 1 -> 0 connections
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:   make(map[string]Sender),
		groups:  make(map[string][]string),
		members: make(map[string][]string),
	}
}

// SetLifecycleHooks wires callbacks for the first-connection and
// last-disconnect transitions. The fan-out worker's start is hung off
// onFirst; onEmpty may be nil to keep the worker running while external
// subscriptions remain. Hooks run outside the registry lock.
func (r *Registry) SetLifecycleHooks(onFirst, onEmpty func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFirst = onFirst
	r.onEmpty = onEmpty
}

// Register inserts or overwrites a connection and joins it to the given
// groups, creating any group that does not exist yet. Re-registering an
// existing id replaces its sender and group set.
func (r *Registry) Register(id string, sender Sender, groups ...string) {
	r.mu.Lock()

	wasEmpty := len(r.conns) == 0
	if _, exists := r.conns[id]; exists {
		r.removeLocked(id)
		wasEmpty = false
	}

	r.conns[id] = sender
	for _, g := range groups {
		r.groups[g] = append(r.groups[g], id)
		r.members[id] = append(r.members[id], g)
	}
	connectionsGauge.Set(float64(len(r.conns)))

	hook := r.onFirst
	r.mu.Unlock()

	if wasEmpty && hook != nil {
		hook()
	}
}

// Unregister removes a connection from the table and from every group it
// joined, deleting groups that become empty. Unregistering an unknown id
// is a no-op: disconnect paths may race and call this twice.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()

	if _, exists := r.conns[id]; !exists {
		r.mu.Unlock()
		return
	}
	r.removeLocked(id)
	connectionsGauge.Set(float64(len(r.conns)))

	var hook func()
	if len(r.conns) == 0 {
		hook = r.onEmpty
	}
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// removeLocked drops a connection and its memberships.
// Must be called with the mutex held.
func (r *Registry) removeLocked(id string) {
	delete(r.conns, id)
	for _, g := range r.members[id] {
		r.groups[g] = without(r.groups[g], id)
		if len(r.groups[g]) == 0 {
			delete(r.groups, g)
		}
	}
	delete(r.members, id)
}

// SendTo forwards a frame to one connection. A missing id is silently
// skipped: connections legitimately disconnect between a fan-out
// decision and delivery.
func (r *Registry) SendTo(id string, data []byte) {
	r.mu.Lock()
	sender, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.deliver(id, sender, data)
}

// SendToGroup fans a frame out to every member of a group in
// registration order. A failure delivering to one member does not stop
// delivery to the rest.
func (r *Registry) SendToGroup(group string, data []byte) {
	targets := r.snapshotGroup(group)
	for _, t := range targets {
		r.deliver(t.id, t.sender, data)
	}
}

// Broadcast sends a frame to every registered connection.
func (r *Registry) Broadcast(data []byte) {
	r.mu.Lock()
	targets := make([]target, 0, len(r.conns))
	for id, s := range r.conns {
		targets = append(targets, target{id, s})
	}
	r.mu.Unlock()

	for _, t := range targets {
		r.deliver(t.id, t.sender, data)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// GroupSize returns the number of members in a group, zero if the group
// does not exist.
func (r *Registry) GroupSize(group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[group])
}

// GroupNames returns the names of all groups with at least one member.
func (r *Registry) GroupNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.groups))
	for g := range r.groups {
		names = append(names, g)
	}
	return names
}

type target struct {
	id     string
	sender Sender
}

// snapshotGroup copies a group's membership under the lock so that
// delivery happens outside it. The snapshot preserves registration
// order for this broadcast; members removed afterwards are skipped by
// their sender having been closed, not by the registry.
func (r *Registry) snapshotGroup(group string) []target {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.groups[group]
	targets := make([]target, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.conns[id]; ok {
			targets = append(targets, target{id, s})
		}
	}
	return targets
}

func (r *Registry) deliver(id string, sender Sender, data []byte) {
	if err := sender.Send(data); err != nil {
		dropsTotal.Inc()
		log.Printf("[Registry] Dropped frame for connection %s: %v", id, err)
		return
	}
	deliveredTotal.Inc()
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
