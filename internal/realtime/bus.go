package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// BusMessage событие админского канала, проходящее через шину
type BusMessage struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

// Publisher публикует событие в канал админки
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Bus разносит события админских каналов по всем экземплярам шлюза
type Bus interface {
	Publisher
	// Consume блокируется до отмены ctx, вызывая handler для каждого события
	Consume(ctx context.Context, handler func(BusMessage)) error
	Close() error
}

func newBusMessage(channel string, payload any) (BusMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return BusMessage{}, err
	}
	return BusMessage{Channel: channel, Payload: raw, Time: time.Now()}, nil
}

// LocalBus шина внутри процесса, когда Kafka не настроена
type LocalBus struct {
	mu        sync.RWMutex
	consumers map[chan BusMessage]struct{}
	closed    bool
}

// NewLocalBus создаёт шину в памяти
func NewLocalBus() *LocalBus {
	return &LocalBus{consumers: make(map[chan BusMessage]struct{})}
}

func (b *LocalBus) Publish(ctx context.Context, channel string, payload any) error {
	msg, err := newBusMessage(channel, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for ch := range b.consumers {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBus) Consume(ctx context.Context, handler func(BusMessage)) error {
	ch := make(chan BusMessage, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}
	b.consumers[ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.consumers, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			handler(msg)
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// KafkaBus шина поверх Kafka. Каждый экземпляр читает топик своей группой,
// поэтому событие получают все шлюзы.
type KafkaBus struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaBus создаёт шину для топика topic
func NewKafkaBus(brokers []string, topic string, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, channel string, payload any) error {
	msg, err := newBusMessage(channel, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(channel),
		Value: value,
		Time:  msg.Time,
	})
}

func (b *KafkaBus) Consume(ctx context.Context, handler func(BusMessage)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       b.topic,
		GroupID:     "gateway-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer reader.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("kafka read failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		var msg BusMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			b.logger.Warn("malformed bus message", zap.Error(err))
			continue
		}
		handler(msg)
	}
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
