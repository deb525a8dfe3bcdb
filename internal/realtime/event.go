package realtime

import (
	"encoding/json"
	"time"
)

// EventType определяет тип события WebSocket
type EventType string

const (
	EventConnected        EventType = "connected"
	EventSendMessage      EventType = "send_message"
	EventMessageAck       EventType = "message_ack"
	EventMessageError     EventType = "message_error"
	EventNewMessage       EventType = "new_message"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageRead      EventType = "message_read"
	EventMessageSeen      EventType = "message_seen"
	EventTyping           EventType = "typing"
	EventStopTyping       EventType = "stop_typing"
	EventSubscribe        EventType = "subscribe"
	EventUnsubscribe      EventType = "unsubscribe"
	EventRequestSnapshot  EventType = "request_snapshot"
	EventSnapshot         EventType = "snapshot"
	EventChannelEvent     EventType = "channel_event"
	EventError            EventType = "error"
)

// Event представляет структуру сообщения для WebSocket
type Event struct {
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CarID         string          `json:"car_id,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	MessageIDs    []string        `json:"message_ids,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SendPayload тело события send_message
type SendPayload struct {
	Content string `json:"content"`
}

// NewEvent создаёт событие с полезной нагрузкой payload
func NewEvent(t EventType, payload any) (Event, error) {
	ev := Event{Type: t, Timestamp: time.Now()}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Payload = raw
	return ev, nil
}

// Каналы админской панели
const (
	ChannelCarViews         = "car_views"
	ChannelNewUsers         = "new_users"
	ChannelBookings         = "bookings"
	ChannelMessages         = "messages"
	ChannelActivity         = "activity"
	ChannelStats            = "stats"
	ChannelConnectionStatus = "connection_status"
)

// SnapshotChannels каналы, состояние которых перезапрашивается целиком после переподключения
var SnapshotChannels = []string{
	ChannelCarViews,
	ChannelNewUsers,
	ChannelBookings,
	ChannelActivity,
	ChannelStats,
}

// IsSnapshotChannel сообщает, отдаёт ли канал снимок состояния
func IsSnapshotChannel(channel string) bool {
	for _, ch := range SnapshotChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// IsServerChannel сообщает, обслуживается ли канал сервером.
// connection_status локальный канал клиента.
func IsServerChannel(channel string) bool {
	return channel == ChannelMessages || IsSnapshotChannel(channel)
}
