// Package registry tracks per-client generation state: the busy flag used
// for single-flight enforcement, the latest progress snapshot, the final
// result, and the set of attached subscribers.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"scenariomaker/internal/scenario"
)

// ErrNotFound is returned when a client id is unknown.
var ErrNotFound = errors.New("client not found")

// ErrBusy is returned when a generation run is already in flight for a
// client. It is reported synchronously to the requester, never as a
// progress event.
var ErrBusy = errors.New("generation already in progress")

// Client holds the mutable state for one client id. All fields behind mu are
// guarded per client so independent pipelines never contend.
type Client struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	busy   bool
	latest *scenario.ProgressEvent
	result *scenario.Result
	subs   map[scenario.Subscriber]struct{}
}

// TryBegin atomically acquires the single-flight slot. It returns false if a
// run is already in flight.
func (c *Client) TryBegin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

// End releases the single-flight slot. Safe to call when not busy.
func (c *Client) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false
}

// Busy reports whether a run is in flight.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// SetProgress stores evt as the latest snapshot and returns a stable copy of
// the current subscriber set for fan-out.
func (c *Client) SetProgress(evt scenario.ProgressEvent) []scenario.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = &evt
	subs := make([]scenario.Subscriber, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Latest returns the most recently published event, if any.
func (c *Client) Latest() (scenario.ProgressEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return scenario.ProgressEvent{}, false
	}
	return *c.latest, true
}

// SetResult stores the final job output. The result is immutable once set.
func (c *Client) SetResult(res scenario.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &res
}

// Result returns the stored job output, if any.
func (c *Client) Result() (scenario.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return scenario.Result{}, false
	}
	return *c.result, true
}

// Subscribe attaches sub, delivering the catch-up snapshot first when one
// exists. The send happens inside the same critical section that inserts the
// subscriber: a concurrently published event either lands before the
// snapshot is taken or fans out after the insert, so the late joiner can
// never observe the stream out of order. A failed catch-up send leaves the
// subscriber detached.
func (c *Client) Subscribe(sub scenario.Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest != nil {
		if err := sub.Send(*c.latest); err != nil {
			return err
		}
	}
	if c.subs == nil {
		c.subs = make(map[scenario.Subscriber]struct{})
	}
	c.subs[sub] = struct{}{}
	return nil
}

// RemoveSubscriber detaches sub. Idempotent.
func (c *Client) RemoveSubscriber(sub scenario.Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

// SubscriberCount returns the number of attached subscribers.
func (c *Client) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Registry owns the client map. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	clock   scenario.Clock
	idGen   scenario.IDGenerator
	logger  *zap.Logger
}

// New constructs a Registry.
func New(clock scenario.Clock, idGen scenario.IDGenerator, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clients: make(map[string]*Client),
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
	}
}

// GetOrCreate returns the client for id, creating it if unknown. An empty id
// asks the registry to generate a fresh one. Existing client state is never
// reset.
func (r *Registry) GetOrCreate(id string) (*Client, error) {
	if id == "" {
		generated, err := r.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate client id: %w", err)
		}
		id = generated
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	c := &Client{ID: id, CreatedAt: r.clock.Now()}
	r.clients[id] = c
	r.logger.Info("client created", zap.String("client_id", id))
	return c, nil
}

// Get looks up a client by id.
func (r *Registry) Get(id string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Count returns the number of tracked clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// EvictStats reports the outcome of one eviction sweep.
type EvictStats struct {
	Before  int
	After   int
	Removed int
}

// EvictOlderThan removes every client created strictly before now-ttl. When
// evictBusy is false, clients with a run in flight are kept regardless of
// age.
func (r *Registry) EvictOlderThan(ttl time.Duration, evictBusy bool) EvictStats {
	cutoff := r.clock.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := EvictStats{Before: len(r.clients)}
	for id, c := range r.clients {
		if !c.CreatedAt.Before(cutoff) {
			continue
		}
		if !evictBusy && c.Busy() {
			r.logger.Warn("stale client kept, run in flight", zap.String("client_id", id))
			continue
		}
		delete(r.clients, id)
		stats.Removed++
		r.logger.Info("stale client evicted", zap.String("client_id", id))
	}
	stats.After = len(r.clients)
	return stats
}
