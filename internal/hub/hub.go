// Package hub fans progress events out to the subscribers of a client and
// keeps the client's latest snapshot current. Subscriber failures are
// isolated: a dead channel is detached and logged, never surfaced to the
// publisher.
package hub

import (
	"fmt"

	"go.uber.org/zap"

	"scenariomaker/internal/metrics"
	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

// Hub delivers progress events for the clients tracked by a Registry.
type Hub struct {
	reg    *registry.Registry
	logger *zap.Logger
}

// New constructs a Hub.
func New(reg *registry.Registry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Hub{reg: reg, logger: logger}
}

// Attach registers sub for clientID, creating the client if unknown. A late
// joiner immediately receives the client's latest snapshot, before any new
// events; if that catch-up send fails the subscriber is never attached.
func (h *Hub) Attach(clientID string, sub scenario.Subscriber) error {
	client, err := h.reg.GetOrCreate(clientID)
	if err != nil {
		return fmt.Errorf("attach subscriber: %w", err)
	}
	if err := client.Subscribe(sub); err != nil {
		return fmt.Errorf("catch-up send: %w", err)
	}
	metrics.IncSubscribers()
	h.logger.Info("subscriber attached", zap.String("client_id", clientID))
	return nil
}

// Detach removes sub from clientID. Idempotent; unknown clients are ignored.
func (h *Hub) Detach(clientID string, sub scenario.Subscriber) {
	client, err := h.reg.Get(clientID)
	if err != nil {
		return
	}
	before := client.SubscriberCount()
	client.RemoveSubscriber(sub)
	if client.SubscriberCount() < before {
		metrics.DecSubscribers()
		h.logger.Info("subscriber detached", zap.String("client_id", clientID))
	}
}

// Publish stores evt as the client's latest snapshot and attempts delivery
// to every attached subscriber. Subscribers whose send fails are dropped
// after the pass; delivery order per subscriber follows publish order.
func (h *Hub) Publish(clientID string, evt scenario.ProgressEvent) {
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	client, err := h.reg.Get(clientID)
	if err != nil {
		// The client may have been evicted while its run was in flight.
		h.logger.Debug("publish for unknown client", zap.String("client_id", clientID))
		return
	}
	subs := client.SetProgress(evt)
	metrics.ObserveEvent(string(evt.Status))

	var failed []scenario.Subscriber
	for _, sub := range subs {
		if err := sub.Send(evt); err != nil {
			h.logger.Warn("subscriber send failed, dropping",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
			failed = append(failed, sub)
		}
	}
	for _, sub := range failed {
		client.RemoveSubscriber(sub)
		metrics.DecSubscribers()
	}
}
