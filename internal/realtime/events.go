package realtime

import "time"

// Event types published by the pipeline.
const (
	EventTemperature  = "temperature:update"
	EventFeverAlert   = "fever:alert"
	EventDeviceStatus = "device:status"
	EventNotification = "notification"
)

// Message types exchanged with clients.
const (
	MsgEvent        = "event"
	MsgAuth         = "auth"
	MsgAuthOK       = "auth_ok"
	MsgSubscribe    = "subscribe"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribe  = "unsubscribe"
	MsgUnsubscribed = "unsubscribed"
	MsgSnapshot     = "snapshot"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgError        = "error"
)

// UserRoom returns the room every connection of userID joins.
func UserRoom(userID string) string { return "user:" + userID }

// DeviceRoom returns the room of subscribers to deviceID.
func DeviceRoom(deviceID string) string { return "device:" + deviceID }

// Envelope is the wire form of a published event.
type Envelope struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	EntityID  string `json:"entity_id"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func newEnvelope(event, entityID string, now time.Time, payload any) Envelope {
	return Envelope{
		Type:      MsgEvent,
		Event:     event,
		EntityID:  entityID,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
}

// inbound is a message sent by a client.
type inbound struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Token    string `json:"token,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// reply is a direct response to one client.
type reply struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Devices  any    `json:"devices,omitempty"`
	Message  string `json:"message,omitempty"`
}
