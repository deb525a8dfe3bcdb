package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

const storeTimeout = 5 * time.Second

// handleEvent маршрутизирует входящее событие клиента
func (m *Manager) handleEvent(c *Client, ev Event) {
	switch ev.Type {
	case EventSendMessage:
		m.handleSendMessage(c, ev)
	case EventMessageRead:
		m.handleMessageRead(c, ev)
	case EventTyping, EventStopTyping:
		m.handleTyping(c, ev)
	case EventSubscribe, EventUnsubscribe, EventRequestSnapshot:
		m.handleAdminChannel(c, ev)
	default:
		c.sendEvent(Event{Type: EventError, Error: "unknown event type: " + string(ev.Type)})
	}
}

func (m *Manager) handleSendMessage(c *Client, ev Event) {
	fail := func(reason string) {
		c.sendEvent(Event{Type: EventMessageError, CorrelationID: ev.CorrelationID, Error: reason})
	}

	if ev.CorrelationID == "" {
		fail("correlation_id is required")
		return
	}
	if ev.RecipientID == "" || ev.CarID == "" {
		fail("recipient_id and car_id are required")
		return
	}
	if ev.RecipientID == c.UserID {
		fail("cannot message yourself")
		return
	}

	var payload SendPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			fail("malformed payload")
			return
		}
	}
	content, ok := models.NormalizeContent(payload.Content)
	if !ok {
		fail("content must be 1..1000 characters")
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	senderName, _ := m.store.DisplayName(ctx, c.UserID)
	recipientName, _ := m.store.DisplayName(ctx, ev.RecipientID)

	saved, created, err := m.store.SaveMessage(ctx, models.Message{
		CorrelationID: ev.CorrelationID,
		Sender:        models.Party{ID: c.UserID, Name: senderName},
		Recipient:     models.Party{ID: ev.RecipientID, Name: recipientName},
		Content:       content,
		CarID:         ev.CarID,
		DeliveryState: models.DeliverySent,
	})
	if err != nil {
		c.logger.Error("save message", zap.String("correlation_id", ev.CorrelationID), zap.Error(err))
		fail("failed to save message")
		return
	}

	ack, err := NewEvent(EventMessageAck, saved)
	if err != nil {
		fail("internal error")
		return
	}
	ack.CorrelationID = ev.CorrelationID
	ack.MessageID = saved.ID
	ack.CarID = saved.CarID
	c.sendEvent(ack)

	// повтор после потерянного подтверждения: получатель и админский канал
	// уже знают о сообщении
	if !created {
		return
	}

	inbound, _ := NewEvent(EventNewMessage, saved)
	inbound.MessageID = saved.ID
	inbound.CarID = saved.CarID
	inbound.UserID = c.UserID

	// Доставленным считается сообщение, дошедшее до живого соединения на этом экземпляре
	if m.SendToUser(ev.RecipientID, inbound) > 0 &&
		saved.DeliveryState.CanAdvanceTo(models.DeliveryDelivered) {
		if err := m.store.UpdateDeliveryState(ctx, saved.ID, models.DeliveryDelivered); err != nil {
			c.logger.Warn("mark delivered", zap.String("message_id", saved.ID), zap.Error(err))
		} else {
			m.SendToUser(c.UserID, Event{
				Type:        EventMessageDelivered,
				MessageID:   saved.ID,
				CarID:       saved.CarID,
				RecipientID: ev.RecipientID,
			})
		}
	}

	if err := m.bus.Publish(ctx, ChannelMessages, saved); err != nil {
		c.logger.Warn("publish message event", zap.Error(err))
	}
}

func (m *Manager) handleMessageRead(c *Client, ev Event) {
	if ev.RecipientID == "" || len(ev.MessageIDs) == 0 {
		c.sendEvent(Event{Type: EventError, Error: "recipient_id and message_ids are required"})
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	marked, err := m.store.MarkRead(ctx, c.UserID, ev.RecipientID, ev.MessageIDs)
	if err != nil {
		c.logger.Error("mark read", zap.Error(err))
		c.sendEvent(Event{Type: EventError, Error: "failed to mark messages as read"})
		return
	}
	if len(marked) == 0 {
		return
	}

	m.SendToUser(ev.RecipientID, Event{
		Type:       EventMessageSeen,
		CarID:      ev.CarID,
		MessageIDs: marked,
		UserID:     c.UserID,
	})
}

func (m *Manager) handleTyping(c *Client, ev Event) {
	if ev.RecipientID == "" || ev.CarID == "" || ev.RecipientID == c.UserID {
		return
	}

	key := models.ConversationKey{ParticipantID: ev.RecipientID, CarID: ev.CarID}
	var err error
	if ev.Type == EventTyping {
		err = m.presence.Typing(m.ctx, c.UserID, key, m.typingTTL)
	} else {
		err = m.presence.StopTyping(m.ctx, c.UserID, key)
	}
	if err != nil {
		c.logger.Warn("typing presence", zap.Error(err))
	}

	m.SendToUser(ev.RecipientID, Event{
		Type:   ev.Type,
		CarID:  ev.CarID,
		UserID: c.UserID,
	})
}

func (m *Manager) handleAdminChannel(c *Client, ev Event) {
	if c.Role != models.RoleAdmin {
		c.sendEvent(Event{Type: EventError, Channel: ev.Channel, Error: "admin role required"})
		return
	}
	if !IsServerChannel(ev.Channel) {
		c.sendEvent(Event{Type: EventError, Channel: ev.Channel, Error: "unknown channel"})
		return
	}

	switch ev.Type {
	case EventSubscribe:
		m.subscribe(c, ev.Channel)
	case EventUnsubscribe:
		m.unsubscribe(c, ev.Channel)
	case EventRequestSnapshot:
		m.sendSnapshot(c, ev.Channel)
	}
}

func (m *Manager) sendSnapshot(c *Client, channel string) {
	if !IsSnapshotChannel(channel) || m.snapshots == nil {
		c.sendEvent(Event{Type: EventError, Channel: channel, Error: "channel has no snapshot"})
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, storeTimeout)
	defer cancel()

	data, err := m.snapshots.Snapshot(ctx, channel)
	if err != nil {
		c.logger.Error("snapshot", zap.String("channel", channel), zap.Error(err))
		c.sendEvent(Event{Type: EventError, Channel: channel, Error: "snapshot unavailable"})
		return
	}

	ev, err := NewEvent(EventSnapshot, data)
	if err != nil {
		c.logger.Error("marshal snapshot", zap.String("channel", channel), zap.Error(err))
		return
	}
	ev.Channel = channel
	c.sendEvent(ev)
}
