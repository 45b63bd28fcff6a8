// Package eventsub maintains the EventSub websocket session: the dial/read
// loop, the session identity, per-channel subscription bookkeeping, and
// ordered delivery of notifications to the consumer.
package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSub websocket frame tags. The set is closed; frames with tags outside
// it are ignored so new platform message types cannot break the read loop.
const (
	messageTypeWelcome      = "session_welcome"
	messageTypeKeepalive    = "session_keepalive"
	messageTypeNotification = "notification"
	messageTypeReconnect    = "session_reconnect"
	messageTypeRevocation   = "revocation"
)

// frameMetadata is common to every frame.
type frameMetadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// frame is one inbound websocket text message. The payload shape depends on
// the message type, so it stays raw until the tag is known.
type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// sessionPayload is the payload of welcome and reconnect frames.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the payload of notification frames.
type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// revocationPayload is the payload of revocation frames.
type revocationPayload struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// Notification is one server push, stamped with the server's wall clock.
// Ownership passes to the consumer on delivery; the engine keeps no history.
type Notification struct {
	Timestamp time.Time
	Type      string
	Event     json.RawMessage
}

// ChatMessageEvent is the event payload of a channel.chat.message push.
type ChatMessageEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserID        string `json:"chatter_user_id"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	ChatterUserName      string `json:"chatter_user_name"`
	MessageID            string `json:"message_id"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
	Color string `json:"color"`
}

// ChatNotificationEvent is the event payload of a channel.chat.notification
// push appearing in chat (subs, raids, announcements).
type ChatNotificationEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	NoticeType           string `json:"notice_type"`
	SystemMessage        string `json:"system_message"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
}

// ChatMessage decodes the notification as a chat message event.
func (n Notification) ChatMessage() (*ChatMessageEvent, error) {
	if n.Type != EventTypeChatMessage {
		return nil, fmt.Errorf("notification is %q, not %q", n.Type, EventTypeChatMessage)
	}
	var event ChatMessageEvent
	if err := json.Unmarshal(n.Event, &event); err != nil {
		return nil, fmt.Errorf("failed to decode chat message event: %w", err)
	}
	return &event, nil
}

// ChatNotification decodes the notification as a chat notification event.
func (n Notification) ChatNotification() (*ChatNotificationEvent, error) {
	if n.Type != EventTypeChatNotification {
		return nil, fmt.Errorf("notification is %q, not %q", n.Type, EventTypeChatNotification)
	}
	var event ChatNotificationEvent
	if err := json.Unmarshal(n.Event, &event); err != nil {
		return nil, fmt.Errorf("failed to decode chat notification event: %w", err)
	}
	return &event, nil
}
