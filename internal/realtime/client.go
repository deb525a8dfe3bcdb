package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Максимальное время ожидания для pong от клиента
	pongWait = 60 * time.Second

	// Отправлять ping-сообщения клиенту с этим интервалом
	pingPeriod = (pongWait * 9) / 10

	// Время на запись одного кадра
	writeWait = 10 * time.Second

	// Максимальный размер сообщения от клиента
	maxMessageSize = 64 * 1024

	// Размер буфера для отправляемых сообщений
	writeBufferSize = 256
)

// Client представляет собой отдельное WebSocket соединение
type Client struct {
	ID      uuid.UUID
	UserID  string
	Role    string
	conn    *websocket.Conn
	send    chan []byte // Буферизованный канал исходящих сообщений
	manager *Manager
	logger  *zap.Logger

	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient создает новый экземпляр Client
func NewClient(userID, role string, conn *websocket.Conn, manager *Manager) *Client {
	id := uuid.New()
	return &Client{
		ID:        id,
		UserID:    userID,
		Role:      role,
		conn:      conn,
		send:      make(chan []byte, writeBufferSize),
		manager:   manager,
		logger:    manager.logger.With(zap.String("client_id", id.String()), zap.String("user_id", userID)),
		closeChan: make(chan struct{}),
	}
}

// Start запускает клиентские горутины для чтения и записи
func (c *Client) Start() {
	// Горутина записи стартует раньше регистрации, чтобы подтверждение рукопожатия ушло сразу
	go c.writePump()
	c.manager.AddClient(c)
	go c.readPump()
}

// Close просит writePump завершить соединение; повторные вызовы безопасны
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
}

// enqueue кладёт кадр в очередь отправки, не блокируясь
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.closeChan:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendEvent сериализует и отправляет событие только этому соединению
func (c *Client) sendEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if !c.enqueue(frame) {
		c.logger.Warn("send buffer full or closed, dropping client")
		go c.manager.RemoveClient(c.ID)
	}
}

// readPump обрабатывает входящие сообщения от клиента
func (c *Client) readPump() {
	defer func() {
		c.manager.RemoveClient(c.ID)
		c.Close()
	}()

	// Настраиваем соединение
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		c.handleIncomingMessage(message)
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			// Отправляем ping для поддержания соединения
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// handleIncomingMessage разбирает кадр и передаёт событие менеджеру
func (c *Client) handleIncomingMessage(message []byte) {
	var event Event
	if err := json.Unmarshal(message, &event); err != nil {
		c.logger.Warn("unmarshal event", zap.Error(err))
		c.sendEvent(Event{Type: EventError, Error: "malformed event"})
		return
	}

	// Проверяем, что userID в сообщении соответствует userID клиента
	// для предотвращения подделки отправителя
	if event.UserID != "" && event.UserID != c.UserID {
		c.logger.Warn("user id mismatch", zap.String("claimed", event.UserID))
		return
	}

	event.UserID = c.UserID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	c.manager.handleEvent(c, event)
}
