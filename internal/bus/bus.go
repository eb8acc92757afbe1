// Package bus carries the link's asynchronous events between the manager,
// the persistence sink, and any diagnostic consumer.
package bus

import (
	"log/slog"
	"reflect"
	"time"

	"github.com/cskr/pubsub"
)

// Topics published by the manager.
const (
	// TopicSlotUpdate carries a SlotUpdate per freshly received slot.
	TopicSlotUpdate = "slot.update"
	// TopicChannel carries a ChannelChange on every hop the manager sees.
	TopicChannel = "radio.channel"
	// TopicLinkError carries a LinkError when the engine's error flags
	// change.
	TopicLinkError = "link.error"
)

// SlotUpdate is one received slot's fresh contents.
type SlotUpdate struct {
	SlotIndex  int
	Data       []byte
	ReceivedAt time.Time
}

// ChannelChange reports the hop schedule's current channel.
type ChannelChange struct {
	Channel uint8
	At      time.Time
}

// LinkError reports the engine's accumulated error flags.
type LinkError struct {
	Flags uint32
	At    time.Time
}

type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	return &PubSubBus{
		ps:     pubsub.New(128),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topic string) Subscription {
	ch := b.ps.Sub(topic)
	b.logger.Debug("subscribe", "topic", topic)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
