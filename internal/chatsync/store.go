package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// TempIDPrefix префикс локальных id до подтверждения сервером
const TempIDPrefix = "tmp-"

// Store переписки текущего пользователя. Каждое изменение ставит новую копию
// переписки, поэтому читатели никогда не видят её наполовину обновлённой.
type Store struct {
	viewer     models.Party
	link       Link
	history    HistoryFetcher
	clock      clockwork.Clock
	sched      *Scheduler
	retryDelay time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	convs  map[models.ConversationKey]models.Conversation
	subs   map[int]func(models.Conversation)
	nextID int
	unsubs []func()
}

// NewStore создаёт хранилище и подписывает его на входящие события link
func NewStore(viewer models.Party, link Link, history HistoryFetcher, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Store {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		viewer:     viewer,
		link:       link,
		history:    history,
		clock:      clock,
		sched:      NewScheduler(clock),
		retryDelay: cfg.RetryDelay,
		logger:     logger.Named("store"),
		convs:      make(map[models.ConversationKey]models.Conversation),
		subs:       make(map[int]func(models.Conversation)),
	}
	s.unsubs = []func(){
		link.On(realtime.EventMessageAck, s.applyAck),
		link.On(realtime.EventNewMessage, s.onNewMessage),
		link.On(realtime.EventMessageDelivered, s.onDelivered),
		link.On(realtime.EventMessageSeen, s.onSeen),
	}
	return s
}

func retryKey(correlationID string) string {
	return "retry:" + correlationID
}

// keyFor ключ переписки с точки зрения текущего пользователя
func (s *Store) keyFor(m models.Message) models.ConversationKey {
	other := m.Sender.ID
	if other == s.viewer.ID {
		other = m.Recipient.ID
	}
	return models.ConversationKey{ParticipantID: other, CarID: m.CarID}
}

// update применяет fn к копии переписки и, если fn что-то изменила,
// устанавливает копию и уведомляет подписчиков
func (s *Store) update(key models.ConversationKey, fn func(conv *models.Conversation) bool) (models.Conversation, bool) {
	s.mu.Lock()
	conv, ok := s.convs[key]
	if ok {
		conv = conv.Clone()
	} else {
		conv = models.Conversation{Key: key}
	}
	if !fn(&conv) {
		s.mu.Unlock()
		return conv, false
	}

	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].CreatedAt.Before(conv.Messages[j].CreatedAt)
	})
	conv.LastMessage = nil
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastMessage = &last
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	s.convs[key] = conv

	snapshot := conv.Clone()
	subs := make([]func(models.Conversation), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot.Clone())
	}
	return snapshot, true
}

func indexOf(conv *models.Conversation, id string) int {
	for i, m := range conv.Messages {
		if m.ID == id || (m.CorrelationID != "" && m.CorrelationID == id) {
			return i
		}
	}
	return -1
}

// find ищет сообщение по id или correlation id во всех переписках
func (s *Store) find(id string) (models.ConversationKey, models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conv := range s.convs {
		if i := indexOf(&conv, id); i >= 0 {
			return key, conv.Messages[i], true
		}
	}
	return models.ConversationKey{}, models.Message{}, false
}

// LoadMessages подтягивает историю и сливает её с локальной копией по id.
// Повторный вызов ничего не дублирует.
func (s *Store) LoadMessages(ctx context.Context, carID, otherPartyID string) ([]models.Message, error) {
	remote, err := s.history.FetchHistory(ctx, carID, otherPartyID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	key := models.ConversationKey{ParticipantID: otherPartyID, CarID: carID}
	var swapped []string
	conv, _ := s.update(key, func(conv *models.Conversation) bool {
		for _, r := range remote {
			if id := mergeMessage(conv, r); id != "" {
				swapped = append(swapped, id)
			}
		}
		conv.UnreadCount = 0
		for _, m := range conv.Messages {
			if m.Sender.ID != s.viewer.ID && !m.Read {
				conv.UnreadCount++
			}
		}
		return true
	})

	// подтверждение потерялось, но сервер сообщение сохранил
	for _, corr := range swapped {
		s.sched.Cancel(retryKey(corr))
	}
	return conv.Messages, nil
}

// mergeMessage вливает серверную копию r. Из конфликтующих read и
// delivery_state побеждает более позднее UpdatedAt. Возвращает correlation id,
// если r заменила локальное неподтверждённое сообщение.
func mergeMessage(conv *models.Conversation, r models.Message) string {
	for i := range conv.Messages {
		l := &conv.Messages[i]
		if l.ID == r.ID {
			if r.UpdatedAt.After(l.UpdatedAt) {
				l.Read = r.Read || l.Read
				if r.DeliveryState.Rank() >= l.DeliveryState.Rank() {
					l.DeliveryState = r.DeliveryState
				}
				l.UpdatedAt = r.UpdatedAt
			}
			return ""
		}
		if r.CorrelationID != "" && l.CorrelationID == r.CorrelationID &&
			strings.HasPrefix(l.ID, TempIDPrefix) && l.Sender.ID == r.Sender.ID {
			*l = r
			return r.CorrelationID
		}
	}
	conv.Messages = append(conv.Messages, r)
	return ""
}

// SendMessage добавляет оптимистичное сообщение и отправляет его. При ошибке
// сообщение становится failed, и через RetryDelay выполняется ровно один повтор.
func (s *Store) SendMessage(ctx context.Context, recipientID, carID, content string) error {
	text, ok := models.NormalizeContent(content)
	if !ok {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("must be 1..%d characters", models.MaxMessageLength)}
	}
	if recipientID == "" || carID == "" {
		return &ValidationError{Field: "conversation", Reason: "recipient and car are required"}
	}
	if recipientID == s.viewer.ID {
		return &ValidationError{Field: "recipient", Reason: "cannot message yourself"}
	}

	corrID := TempIDPrefix + uuid.NewString()
	now := s.clock.Now()
	key := models.ConversationKey{ParticipantID: recipientID, CarID: carID}
	s.update(key, func(conv *models.Conversation) bool {
		conv.Messages = append(conv.Messages, models.Message{
			ID:            corrID,
			CorrelationID: corrID,
			Sender:        s.viewer,
			Recipient:     models.Party{ID: recipientID},
			Content:       text,
			CarID:         carID,
			DeliveryState: models.DeliverySending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		return true
	})

	if err := s.deliver(ctx, corrID); err != nil {
		s.sched.Schedule(retryKey(corrID), s.retryDelay, func() { s.autoRetry(corrID) })
		return err
	}
	return nil
}

func (s *Store) deliver(ctx context.Context, corrID string) error {
	_, msg, ok := s.find(corrID)
	if !ok {
		return &DeliveryError{CorrelationID: corrID, Reason: "message not found"}
	}

	payload, err := json.Marshal(realtime.SendPayload{Content: msg.Content})
	if err != nil {
		return &DeliveryError{CorrelationID: corrID, Err: err}
	}
	ack, err := s.link.Request(ctx, Event{
		Type:          realtime.EventSendMessage,
		CorrelationID: corrID,
		RecipientID:   msg.Recipient.ID,
		CarID:         msg.CarID,
		Payload:       payload,
	})
	if err != nil {
		s.advance(corrID, models.DeliveryFailed, false)
		var de *DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &DeliveryError{CorrelationID: corrID, Err: err}
	}

	s.applyAck(ack)
	return nil
}

func (s *Store) autoRetry(corrID string) {
	_, msg, ok := s.find(corrID)
	if !ok || msg.DeliveryState != models.DeliveryFailed {
		return
	}
	if err := s.deliver(context.Background(), corrID); err != nil {
		s.logger.Warn("retry failed", zap.String("correlation_id", corrID), zap.Error(err))
		return
	}
	s.logger.Info("retry delivered", zap.String("correlation_id", corrID))
}

// RetryMessage повторно отправляет сообщение в состоянии failed
func (s *Store) RetryMessage(ctx context.Context, correlationID string) error {
	_, msg, ok := s.find(correlationID)
	if !ok {
		return &ValidationError{Field: "correlation_id", Reason: "unknown message"}
	}
	if msg.DeliveryState != models.DeliveryFailed {
		return &ValidationError{Field: "correlation_id", Reason: "message is not failed"}
	}
	s.sched.Cancel(retryKey(msg.CorrelationID))
	return s.deliver(ctx, msg.CorrelationID)
}

// applyAck меняет временный id на постоянный и переводит сообщение в sent
// или дальше, если сервер уже доставил его.
// Вызывается и из цикла чтения, и после Request, второй вызов ничего не меняет.
func (s *Store) applyAck(ev Event) {
	if ev.Type != realtime.EventMessageAck || ev.CorrelationID == "" || ev.MessageID == "" {
		return
	}
	key, _, ok := s.find(ev.CorrelationID)
	if !ok {
		return
	}

	var saved models.Message
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &saved)
	}

	s.update(key, func(conv *models.Conversation) bool {
		i := indexOf(conv, ev.CorrelationID)
		if i < 0 {
			return false
		}
		m := &conv.Messages[i]
		state := m.DeliveryState
		if state.CanAdvanceTo(models.DeliverySent) {
			state = models.DeliverySent
		}
		// подтверждение повтора несёт состояние, которого сервер уже достиг
		if saved.DeliveryState.Rank() > state.Rank() {
			state = saved.DeliveryState
		}
		if m.ID == ev.MessageID && state == m.DeliveryState {
			return false
		}
		m.ID = ev.MessageID
		m.DeliveryState = state
		m.Read = m.Read || saved.Read
		if !saved.CreatedAt.IsZero() {
			m.CreatedAt = saved.CreatedAt
			m.UpdatedAt = saved.UpdatedAt
		}
		if saved.Recipient.Name != "" {
			m.Recipient.Name = saved.Recipient.Name
		}

		// серверная копия уже могла прийти через LoadMessages
		for j := range conv.Messages {
			if j != i && conv.Messages[j].ID == ev.MessageID {
				conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
				break
			}
		}
		return true
	})
	s.sched.Cancel(retryKey(ev.CorrelationID))
}

// advance продвигает состояние доставки только вперёд
func (s *Store) advance(id string, state models.DeliveryState, markRead bool) {
	key, _, ok := s.find(id)
	if !ok {
		return
	}
	now := s.clock.Now()
	s.update(key, func(conv *models.Conversation) bool {
		i := indexOf(conv, id)
		if i < 0 {
			return false
		}
		m := &conv.Messages[i]
		if !m.DeliveryState.CanAdvanceTo(state) {
			return false
		}
		m.DeliveryState = state
		if markRead {
			m.Read = true
		}
		m.UpdatedAt = now
		return true
	})
}

// MarkAsRead отмечает входящие сообщения прочитанными. Уже прочитанные
// пропускаются, счётчик непрочитанных не опускается ниже нуля.
func (s *Store) MarkAsRead(ctx context.Context, messageIDs []string, otherPartyID string) error {
	want := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}

	s.mu.Lock()
	var keys []models.ConversationKey
	for key := range s.convs {
		if key.ParticipantID == otherPartyID {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	now := s.clock.Now()
	var firstErr error
	for _, key := range keys {
		var marked []string
		s.update(key, func(conv *models.Conversation) bool {
			for i := range conv.Messages {
				m := &conv.Messages[i]
				if m.Sender.ID != otherPartyID || m.Read || !want[m.ID] {
					continue
				}
				m.Read = true
				m.UpdatedAt = now
				marked = append(marked, m.ID)
			}
			if len(marked) == 0 {
				return false
			}
			conv.UnreadCount -= len(marked)
			return true
		})
		if len(marked) == 0 {
			continue
		}

		err := s.link.Send(ctx, Event{
			Type:        realtime.EventMessageRead,
			RecipientID: otherPartyID,
			CarID:       key.CarID,
			MessageIDs:  marked,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		var ce *ConnectionError
		if errors.As(firstErr, &ce) {
			return firstErr
		}
		return &ConnectionError{Op: "mark_read", Err: firstErr}
	}
	return nil
}

func (s *Store) onNewMessage(ev Event) {
	var m models.Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		s.logger.Warn("malformed new_message", zap.Error(err))
		return
	}
	if m.ID == "" {
		m.ID = ev.MessageID
	}
	if m.ID == "" {
		return
	}

	s.update(s.keyFor(m), func(conv *models.Conversation) bool {
		if indexOf(conv, m.ID) >= 0 {
			return false
		}
		conv.Messages = append(conv.Messages, m)
		if m.Sender.ID != s.viewer.ID && !m.Read {
			conv.UnreadCount++
		}
		return true
	})
}

func (s *Store) onDelivered(ev Event) {
	if ev.MessageID != "" {
		s.advance(ev.MessageID, models.DeliveryDelivered, false)
	}
}

func (s *Store) onSeen(ev Event) {
	for _, id := range ev.MessageIDs {
		s.advance(id, models.DeliverySeen, true)
	}
}

// Conversation копия переписки
func (s *Store) Conversation(key models.ConversationKey) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok {
		return models.Conversation{}, false
	}
	return conv.Clone(), true
}

// Conversations копии всех переписок, самые свежие первыми
func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	out := make([]models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// Subscribe вызывает fn с копией переписки после каждого её изменения
func (s *Store) Subscribe(fn func(models.Conversation)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Dispose снимает обработчики и отменяет запланированные повторы
func (s *Store) Dispose() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.sched.Stop()

	s.mu.Lock()
	s.subs = make(map[int]func(models.Conversation))
	s.mu.Unlock()
}
