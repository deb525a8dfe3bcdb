package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

type ackResult struct {
	ev  Event
	err error
}

// Connection единственное соединение клиента со шлюзом. Его делят между собой
// хранилище переписок, индикатор набора и админский агрегатор.
type Connection struct {
	transport        Transport
	handshakeTimeout time.Duration
	ackTimeout       time.Duration
	logger           *zap.Logger

	// notifyMu упорядочивает уведомления о смене состояния
	notifyMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	connected bool
	lastErr   error
	gen       uint64
	nextID    int
	listeners map[int]func(bool)
	handlers  map[realtime.EventType]map[int]func(Event)
	pending   map[string]chan ackResult
}

// NewConnection создаёт менеджер соединения. Подключение выполняет Connect.
func NewConnection(transport Transport, cfg Config, logger *zap.Logger) *Connection {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		transport:        transport,
		handshakeTimeout: cfg.HandshakeTimeout,
		ackTimeout:       cfg.AckTimeout,
		logger:           logger.Named("connection"),
		listeners:        make(map[int]func(bool)),
		handlers:         make(map[realtime.EventType]map[int]func(Event)),
		pending:          make(map[string]chan ackResult),
	}
}

// Connect открывает транспорт и ждёт события connected. Автоматических
// повторов нет: переподключение это ещё один вызов Connect.
func (c *Connection) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return c.setFailed(&ConnectionError{Op: "dial", Err: err})
	}

	handshake := make(chan ackResult, 1)
	go func() {
		ev, err := conn.ReadEvent()
		handshake <- ackResult{ev: ev, err: err}
	}()

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()

	select {
	case res := <-handshake:
		if res.err != nil {
			conn.Close()
			return c.setFailed(&ConnectionError{Op: "handshake", Err: res.err})
		}
		if res.ev.Type != realtime.EventConnected {
			conn.Close()
			return c.setFailed(&ConnectionError{Op: "handshake", Err: ErrUnexpectedEvent})
		}
	case <-timer.C:
		conn.Close()
		return c.setFailed(&ConnectionError{Op: "handshake", Err: ErrHandshakeTimeout})
	case <-ctx.Done():
		conn.Close()
		return c.setFailed(&ConnectionError{Op: "handshake", Err: ctx.Err()})
	}

	c.mu.Lock()
	if c.connected {
		// параллельный Connect успел раньше
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.lastErr = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	c.logger.Info("connected")
	c.notify(true, gen)
	return nil
}

func (c *Connection) setFailed(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Warn("connect failed", zap.Error(err))
	return err
}

// Disconnect закрывает соединение. Повторный вызов ничего не делает.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	conn := c.drop(nil)
	gen := c.gen
	c.mu.Unlock()

	conn.Close()
	c.logger.Info("disconnected")
	c.notify(false, gen)
}

// drop переводит соединение в отключённое состояние. Вызывается под c.mu.
func (c *Connection) drop(cause error) Conn {
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.gen++
	if cause != nil {
		c.lastErr = cause
	}
	for id, ch := range c.pending {
		ch <- ackResult{err: &ConnectionError{Op: "request", Err: ErrNotConnected}}
		delete(c.pending, id)
	}
	return conn
}

func (c *Connection) readLoop(conn Conn, gen uint64) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen || !c.connected {
				c.mu.Unlock()
				return
			}
			c.drop(&ConnectionError{Op: "read", Err: err})
			dropped := c.gen
			c.mu.Unlock()

			conn.Close()
			c.logger.Warn("connection lost", zap.Error(err))
			c.notify(false, dropped)
			return
		}
		c.dispatch(ev)
	}
}

func (c *Connection) dispatch(ev Event) {
	c.mu.Lock()
	if ev.CorrelationID != "" && (ev.Type == realtime.EventMessageAck || ev.Type == realtime.EventMessageError) {
		if ch, ok := c.pending[ev.CorrelationID]; ok {
			ch <- ackResult{ev: ev}
			delete(c.pending, ev.CorrelationID)
		}
	}
	handlers := make([]func(Event), 0, len(c.handlers[ev.Type]))
	for _, h := range c.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// notify сообщает слушателям состояние поколения gen. Если соединение с тех
// пор сменило поколение, уведомление устарело: более новое уже отправлено
// или будет отправлено следом.
func (c *Connection) notify(connected bool, gen uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(connected)
	}
}

// IsConnected текущее состояние соединения
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError последняя ошибка подключения или чтения
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnStateChange вызывает fn при каждой смене состояния соединения.
// Уведомления приходят по одному, поэтому fn не должна синхронно вызывать
// Connect или Disconnect.
func (c *Connection) OnStateChange(fn func(connected bool)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// On регистрирует обработчик входящих событий типа t
func (c *Connection) On(t realtime.EventType, fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]func(Event))
	}
	c.handlers[t][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers[t], id)
		c.mu.Unlock()
	}
}

// Send отправляет событие без ожидания ответа
func (c *Connection) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ConnectionError{Op: "send", Err: ErrNotConnected}
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := conn.WriteEvent(ev); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Request отправляет событие и ждёт message_ack или message_error
// с тем же correlation id
func (c *Connection) Request(ctx context.Context, ev Event) (Event, error) {
	if ev.CorrelationID == "" {
		return Event{}, &ValidationError{Field: "correlation_id", Reason: "required"}
	}

	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.pending[ev.CorrelationID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.pending[ev.CorrelationID] == ch {
			delete(c.pending, ev.CorrelationID)
		}
		c.mu.Unlock()
	}

	if err := c.Send(ctx, ev); err != nil {
		forget()
		return Event{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return Event{}, res.err
		}
		if res.ev.Type == realtime.EventMessageError {
			return res.ev, &DeliveryError{CorrelationID: ev.CorrelationID, Reason: res.ev.Error}
		}
		return res.ev, nil
	case <-ctx.Done():
		forget()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrAckTimeout
		}
		return Event{}, &DeliveryError{CorrelationID: ev.CorrelationID, Err: err}
	}
}
