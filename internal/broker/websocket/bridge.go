package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codyde/sentryvibe/internal/broker/events"
	"github.com/codyde/sentryvibe/internal/protocol"
)

// Bridge connects the event router's firehose to the UI hub: every runner
// event is re-published onto the hub topics that UI clients subscribe to.
type Bridge struct {
	hub    *Hub
	router *events.Router
	logger *zap.Logger
}

// NewBridge creates a Bridge. Call Run in a goroutine to start it.
func NewBridge(hub *Hub, router *events.Router, logger *zap.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		router: router,
		logger: logger.Named("ws-bridge"),
	}
}

// Run consumes the firehose until ctx is cancelled. If the subscription is
// dropped for falling behind, it resubscribes — UI fan-out is best effort
// and a gap is preferable to a dead dashboard.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.router.SubscribeAll(1024)
		b.pump(ctx, sub)
		b.router.Unsubscribe(sub)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			b.logger.Warn("firehose subscription lost, resubscribing")
		}
	}
}

func (b *Bridge) pump(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			b.publish(evt)
		case <-ctx.Done():
			return
		}
	}
}

// publish fans one event out to its hub topics.
func (b *Bridge) publish(evt *protocol.Event) {
	if evt.CommandID != "" {
		b.hub.Publish(TopicCommand(evt.CommandID), Message{
			Topic: TopicCommand(evt.CommandID),
			Event: evt,
		})
	}
	if evt.ProjectID != "" {
		b.hub.Publish(TopicProject(evt.ProjectID), Message{
			Topic: TopicProject(evt.ProjectID),
			Event: evt,
		})
	}
	if evt.Type == protocol.EvtRunnerStatus {
		b.hub.Publish(TopicRunners, Message{Topic: TopicRunners, Event: evt})
	}
}

// PublishPresence pushes a synthetic runner-status event onto the runners
// topic. Wired to the registry's status callback so dashboards see
// attach/detach transitions without waiting for the next heartbeat.
func (b *Bridge) PublishPresence(runnerID string, online bool) {
	evt := protocol.NewEvent(protocol.EvtRunnerStatus, "", "", RunnerPresence{
		RunnerID: runnerID,
		Online:   online,
	})
	b.hub.Publish(TopicRunners, Message{Topic: TopicRunners, Event: evt})
}
