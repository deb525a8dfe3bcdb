package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/utils"
)

// Deps зависимости шлюза
type Deps struct {
	Store          MessageStore
	Snapshots      SnapshotProvider
	Presence       Presence
	Bus            Bus
	JWT            *utils.JWTService
	Logger         *zap.Logger
	TypingTTL      time.Duration
	AllowedOrigins []string
}

// Manager представляет центральный менеджер для всех WebSocket соединений
type Manager struct {
	clients      map[uuid.UUID]*Client
	clientsMutex sync.RWMutex
	userClients  map[string]map[uuid.UUID]bool // userID -> map[clientID]bool
	userMutex    sync.RWMutex
	channels     map[string]map[uuid.UUID]bool // канал админки -> подписанные клиенты
	channelMutex sync.RWMutex

	store     MessageStore
	snapshots SnapshotProvider
	presence  Presence
	bus       Bus
	jwt       *utils.JWTService
	logger    *zap.Logger
	typingTTL time.Duration
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager создает новый экземпляр Manager
func NewManager(deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Presence == nil {
		deps.Presence = NewMemoryPresence()
	}
	if deps.Bus == nil {
		deps.Bus = NewLocalBus()
	}
	if deps.TypingTTL <= 0 {
		deps.TypingTTL = 5 * time.Second
	}

	m := &Manager{
		clients:     make(map[uuid.UUID]*Client),
		userClients: make(map[string]map[uuid.UUID]bool),
		channels:    make(map[string]map[uuid.UUID]bool),
		store:       deps.Store,
		snapshots:   deps.Snapshots,
		presence:    deps.Presence,
		bus:         deps.Bus,
		jwt:         deps.JWT,
		logger:      deps.Logger.Named("realtime"),
		typingTTL:   deps.TypingTTL,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}
	return m
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Start запускает чтение шины событий админки
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.bus.Consume(m.ctx, func(msg BusMessage) {
			m.BroadcastToChannel(msg.Channel, Event{
				Type:      EventChannelEvent,
				Channel:   msg.Channel,
				Timestamp: msg.Time,
				Payload:   msg.Payload,
			})
		})
		if err != nil && m.ctx.Err() == nil {
			m.logger.Error("bus consumer stopped", zap.Error(err))
		}
	}()
}

// ServeWS проверяет токен и переводит HTTP-соединение на WebSocket
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		// Браузерный WebSocket не умеет заголовки, поэтому токен можно передать в query
		tokenString = r.URL.Query().Get("token")
	}
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := m.jwt.ValidateToken(tokenString)
	if err != nil {
		m.logger.Debug("rejecting websocket", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	NewClient(claims.UserID, claims.Role, conn, m).Start()
}

// AddClient регистрирует нового клиента и подтверждает рукопожатие
func (m *Manager) AddClient(client *Client) {
	m.clientsMutex.Lock()
	m.clients[client.ID] = client
	m.clientsMutex.Unlock()

	// Связываем клиент с пользователем
	m.userMutex.Lock()
	if _, exists := m.userClients[client.UserID]; !exists {
		m.userClients[client.UserID] = make(map[uuid.UUID]bool)
	}
	m.userClients[client.UserID][client.ID] = true
	m.userMutex.Unlock()

	if err := m.presence.Online(m.ctx, client.UserID); err != nil {
		m.logger.Warn("presence online failed", zap.String("user_id", client.UserID), zap.Error(err))
	}

	client.sendEvent(Event{Type: EventConnected, UserID: client.UserID})
	m.logger.Info("client connected", zap.String("client_id", client.ID.String()), zap.String("user_id", client.UserID))
}

// RemoveClient удаляет клиента
func (m *Manager) RemoveClient(clientID uuid.UUID) {
	m.clientsMutex.Lock()
	client, exists := m.clients[clientID]
	delete(m.clients, clientID)
	m.clientsMutex.Unlock()

	if !exists {
		return
	}

	userID := client.UserID
	lastConnection := false

	// Удаляем клиент из связи с пользователем
	m.userMutex.Lock()
	if clients, ok := m.userClients[userID]; ok {
		delete(clients, clientID)
		// Если это был последний клиент пользователя, удаляем запись пользователя
		if len(clients) == 0 {
			delete(m.userClients, userID)
			lastConnection = true
		}
	}
	m.userMutex.Unlock()

	m.channelMutex.Lock()
	for channel, subs := range m.channels {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMutex.Unlock()

	if lastConnection {
		if err := m.presence.Offline(context.Background(), userID); err != nil {
			m.logger.Warn("presence offline failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	client.Close()
	m.logger.Info("client disconnected", zap.String("client_id", clientID.String()), zap.String("user_id", userID))
}

// SendToUser отправляет событие всем соединениям пользователя и возвращает,
// скольким из них оно было поставлено в очередь
func (m *Manager) SendToUser(userID string, event Event) int {
	if userID == "" {
		return 0
	}

	m.userMutex.RLock()
	clientIDs := make([]uuid.UUID, 0, len(m.userClients[userID]))
	for id := range m.userClients[userID] {
		clientIDs = append(clientIDs, id)
	}
	m.userMutex.RUnlock()

	return m.sendToClients(clientIDs, event)
}

// BroadcastToChannel отправляет событие подписчикам канала админки
func (m *Manager) BroadcastToChannel(channel string, event Event) int {
	m.channelMutex.RLock()
	clientIDs := make([]uuid.UUID, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		clientIDs = append(clientIDs, id)
	}
	m.channelMutex.RUnlock()

	return m.sendToClients(clientIDs, event)
}

func (m *Manager) sendToClients(clientIDs []uuid.UUID, event Event) int {
	if len(clientIDs) == 0 {
		return 0
	}

	// Устанавливаем время события, если не установлено
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return 0
	}

	sent := 0
	var slow []uuid.UUID
	m.clientsMutex.RLock()
	for _, id := range clientIDs {
		client, exists := m.clients[id]
		if !exists {
			continue
		}
		if client.enqueue(eventJSON) {
			sent++
		} else {
			slow = append(slow, id)
		}
	}
	m.clientsMutex.RUnlock()

	// Канал заполнен, клиент слишком медленный - закрываем соединение
	for _, id := range slow {
		m.logger.Warn("send buffer full, closing connection", zap.String("client_id", id.String()))
		m.RemoveClient(id)
	}
	return sent
}

func (m *Manager) subscribe(client *Client, channel string) {
	m.channelMutex.Lock()
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = make(map[uuid.UUID]bool)
	}
	m.channels[channel][client.ID] = true
	m.channelMutex.Unlock()
}

func (m *Manager) unsubscribe(client *Client, channel string) {
	m.channelMutex.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, client.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMutex.Unlock()
}

// ConnectedUsers количество пользователей с открытыми соединениями на этом экземпляре
func (m *Manager) ConnectedUsers() int {
	m.userMutex.RLock()
	defer m.userMutex.RUnlock()
	return len(m.userClients)
}

// Shutdown корректно завершает работу менеджера WebSocket
func (m *Manager) Shutdown() {
	m.cancel()

	m.clientsMutex.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.clientsMutex.RUnlock()

	for _, client := range clients {
		client.Close()
	}

	m.wg.Wait()
}
