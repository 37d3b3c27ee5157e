package websocket

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/events"
	"github.com/opendispatch/opendispatch/internal/events/bus"
	ws "github.com/opendispatch/opendispatch/pkg/websocket"
)

// Bridge forwards dispatch events from the bus to WebSocket clients.
// Events carrying a channelId go to that channel's subscribers; everything
// else is broadcast to all connected clients.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	sub    bus.Subscription
	logger *logger.Logger
}

// NewBridge creates a bridge between the event bus and the hub.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_bridge")),
	}
}

// Start subscribes to every dispatch event.
func (b *Bridge) Start() error {
	sub, err := b.bus.Subscribe(events.DispatchWildcard, b.forward)
	if err != nil {
		return err
	}
	b.sub = sub
	b.logger.Info("event bridge started", zap.String("subject", events.DispatchWildcard))
	return nil
}

// Stop drops the bus subscription.
func (b *Bridge) Stop() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe event bridge", zap.Error(err))
		}
		b.sub = nil
	}
}

// forward converts a bus event into a notification. Event types map onto
// WebSocket actions by dropping the service prefix: dispatch.job.log
// becomes job.log.
func (b *Bridge) forward(_ context.Context, event *bus.Event) error {
	action := strings.TrimPrefix(event.Type, "dispatch.")

	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		b.logger.Error("failed to build notification", zap.Error(err))
		return nil
	}

	if channelID, ok := event.Data["channelId"].(string); ok && channelID != "" {
		b.hub.BroadcastToChannel(channelID, msg)
		return nil
	}
	b.hub.Broadcast(msg)
	return nil
}
