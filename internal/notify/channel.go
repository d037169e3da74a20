package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel delivers an intent over one medium.
type Channel interface {
	Kind() ChannelKind
	Deliver(ctx context.Context, in *Intent, to Recipient) error
}

// RealtimePublisher is the fan-out used by the realtime channel.
type RealtimePublisher interface {
	Publish(userID, eventType string, payload any) error
}

// EventNotification is the realtime event type for delivered intents.
const EventNotification = "notification"

// RealtimeChannel pushes intents to the owner's connected dashboards.
type RealtimeChannel struct {
	hub RealtimePublisher
}

// NewRealtimeChannel creates a realtime channel over hub.
func NewRealtimeChannel(hub RealtimePublisher) *RealtimeChannel {
	return &RealtimeChannel{hub: hub}
}

// Kind returns ChannelRealtime.
func (c *RealtimeChannel) Kind() ChannelKind { return ChannelRealtime }

// Deliver publishes a notification event to the user room.
func (c *RealtimeChannel) Deliver(_ context.Context, in *Intent, to Recipient) error {
	if err := c.hub.Publish(to.UserID, EventNotification, notificationView(in)); err != nil {
		return fmt.Errorf("%w: realtime: %w", ErrChannelFailure, err)
	}
	return nil
}

// AMQPPublisher is the broker client used by the push channel.
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// PushChannel hands intents to the push gateway over AMQP.
type PushChannel struct {
	broker     AMQPPublisher
	routingKey string
}

// NewPushChannel creates a push channel. An empty routingKey uses the
// publisher's default.
func NewPushChannel(broker AMQPPublisher, routingKey string) *PushChannel {
	return &PushChannel{broker: broker, routingKey: routingKey}
}

// Kind returns ChannelPush.
func (c *PushChannel) Kind() ChannelKind { return ChannelPush }

type pushMessage struct {
	IntentID string         `json:"intent_id"`
	UserID   string         `json:"user_id"`
	Tokens   []string       `json:"tokens"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data,omitempty"`
}

// Deliver publishes one push job per intent, addressed to every token.
func (c *PushChannel) Deliver(ctx context.Context, in *Intent, to Recipient) error {
	if len(to.PushTokens) == 0 {
		return fmt.Errorf("%w: push for user %s", ErrNoAddress, to.UserID)
	}
	body, err := json.Marshal(pushMessage{
		IntentID: in.ID,
		UserID:   to.UserID,
		Tokens:   to.PushTokens,
		Title:    in.Title,
		Body:     in.Message,
		Priority: string(in.Priority),
		Data:     in.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: push: %w", ErrRejected, err)
	}
	if err := c.broker.Publish(ctx, c.routingKey, body); err != nil {
		return fmt.Errorf("%w: push: %w", ErrChannelFailure, err)
	}
	return nil
}

// notificationView is the realtime payload of an intent.
func notificationView(in *Intent) map[string]any {
	return map[string]any{
		"id":         in.ID,
		"type":       string(in.Type),
		"device_id":  in.DeviceID,
		"priority":   string(in.Priority),
		"severity":   string(in.Severity),
		"title":      in.Title,
		"message":    in.Message,
		"payload":    in.Payload,
		"created_at": in.CreatedAt,
	}
}
