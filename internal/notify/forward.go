package notify

import (
	"context"
	"log/slog"

	"github.com/roach88/vaultsync/internal/engine"
)

// Forwarder relays engine events that need a person to a Notifier.
// It is a supervisor worker.
type Forwarder struct {
	nodeID   string
	hub      *engine.Hub
	notifier Notifier
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder.
func NewForwarder(nodeID string, hub *engine.Hub, n Notifier, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{nodeID: nodeID, hub: hub, notifier: n, logger: logger}
}

// Name identifies the worker.
func (f *Forwarder) Name() string {
	return "notify"
}

// Run forwards events until ctx is cancelled or the hub closes.
func (f *Forwarder) Run(ctx context.Context) error {
	events, cancel := f.hub.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n, ok := f.notification(ev)
			if !ok {
				continue
			}
			if err := f.notifier.Notify(ctx, n); err != nil {
				f.logger.Warn("notification failed", "type", string(ev.Type), "error", err)
			}
		}
	}
}

// notification selects the events collaborators care about: conflicts left
// for a person, and failed sessions.
func (f *Forwarder) notification(ev engine.Event) (Notification, bool) {
	switch {
	case ev.Type == engine.EventConflictDetected && ev.Strategy == "":
	case ev.Type == engine.EventSessionFailed:
	default:
		return Notification{}, false
	}
	return Notification{
		Type:       ev.Type,
		NodeID:     f.nodeID,
		At:         ev.At,
		PeerID:     ev.PeerID,
		ConflictID: ev.ConflictID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Kind:       ev.Kind,
		Error:      ev.Error,
	}, true
}
