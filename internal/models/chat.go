package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength ограничение длины сообщения в символах
const MaxMessageLength = 1000

// DeliveryState определяет этап жизненного цикла отправленного сообщения
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliverySeen      DeliveryState = "seen"
	DeliveryFailed    DeliveryState = "failed"
)

// Допустимые переходы состояний доставки.
// delivered может быть пропущен: seen приходит сразу после sent.
var deliveryTransitions = map[DeliveryState][]DeliveryState{
	DeliverySending:   {DeliverySent, DeliveryFailed},
	DeliverySent:      {DeliveryDelivered, DeliverySeen},
	DeliveryDelivered: {DeliverySeen},
	DeliveryFailed:    {DeliverySent},
}

// CanAdvanceTo проверяет, допустим ли переход в состояние next
func (s DeliveryState) CanAdvanceTo(next DeliveryState) bool {
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, что из состояния больше нет переходов
func (s DeliveryState) IsTerminal() bool {
	return len(deliveryTransitions[s]) == 0
}

// Rank возвращает порядковый номер состояния для сравнения "кто дальше продвинулся"
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySending, DeliveryFailed:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliverySeen:
		return 3
	}
	return -1
}

// Valid проверяет, что значение входит в перечисление
func (s DeliveryState) Valid() bool {
	return s.Rank() >= 0
}

// ConversationKey идентифицирует переписку: собеседник + автомобиль
type ConversationKey struct {
	ParticipantID string `json:"participant_id"`
	CarID         string `json:"car_id"`
}

func (k ConversationKey) String() string {
	return k.CarID + ":" + k.ParticipantID
}

// Party описывает отправителя или получателя сообщения
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message представляет сообщение в переписке по автомобилю
type Message struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Sender        Party         `json:"sender"`
	Recipient     Party         `json:"recipient"`
	Content       string        `json:"content"`
	CarID         string        `json:"car_id"`
	Read          bool          `json:"read"`
	DeliveryState DeliveryState `json:"delivery_state"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CarSnapshot денормализованная карточка автомобиля для списка переписок
type CarSnapshot struct {
	Make     string `json:"make"`
	Model    string `json:"model"`
	Year     int    `json:"year"`
	Price    int64  `json:"price"`
	ImageURL string `json:"image_url,omitempty"`
}

// Conversation представляет переписку с одним собеседником по одному автомобилю
type Conversation struct {
	Key         ConversationKey `json:"key"`
	Messages    []Message       `json:"messages,omitempty"`
	UnreadCount int             `json:"unread_count"`
	LastMessage *Message        `json:"last_message,omitempty"`
	Car         CarSnapshot     `json:"car"`
}

// Clone возвращает глубокую копию переписки
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}

// NormalizeContent обрезает пробелы и проверяет длину сообщения.
// Возвращает нормализованный текст и false, если текст пустой или длиннее MaxMessageLength.
func NormalizeContent(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	n := utf8.RuneCountInString(trimmed)
	if n == 0 || n > MaxMessageLength {
		return trimmed, false
	}
	return trimmed, true
}
