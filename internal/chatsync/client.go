package chatsync

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

// ConnectionState состояние соединения клиента
type ConnectionState struct {
	Connected bool
	LastError error
}

// Deps внешние зависимости клиента. Пустые поля заполняются по Config.
type Deps struct {
	Transport Transport
	History   HistoryFetcher
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Client собирает соединение, хранилище переписок, индикатор набора и
// админский агрегатор с явным жизненным циклом Init / Dispose
type Client struct {
	conn   *Connection
	store  *Store
	typing *TypingTracker
	admin  *Aggregator
	poller *Poller
	logger *zap.Logger

	mu       sync.Mutex
	unsubs   []func()
	disposed bool
}

// New создаёт клиента. Соединение открывает Init.
func New(cfg Config, deps Deps) *Client {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Transport == nil {
		deps.Transport = NewWSTransport(cfg.URL, cfg.Token)
	}
	if deps.History == nil {
		deps.History = NewRESTHistory(cfg.APIURL, cfg.Token)
	}
	logger := deps.Logger.Named("chatsync")

	conn := NewConnection(deps.Transport, cfg, logger)
	admin := NewAggregator(conn, deps.Clock, logger)
	return &Client{
		conn:   conn,
		store:  NewStore(models.Party{ID: cfg.UserID, Name: cfg.UserName}, conn, deps.History, deps.Clock, cfg, logger),
		typing: NewTypingTracker(conn, deps.Clock, cfg, logger),
		admin:  admin,
		poller: NewPoller(admin, conn, deps.Clock, cfg, logger),
		logger: logger,
	}
}

// Init подключает опрос к состоянию соединения и открывает соединение.
// При ошибке клиент остаётся рабочим, переподключение выполняет Connect.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	c.unsubs = append(c.unsubs, c.conn.OnStateChange(func(connected bool) {
		if connected {
			c.poller.Start()
		} else {
			c.poller.Stop()
		}
	}))
	c.mu.Unlock()

	return c.Connect(ctx)
}

// Connect ручное переподключение
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// State текущее состояние соединения
func (c *Client) State() ConnectionState {
	return ConnectionState{Connected: c.conn.IsConnected(), LastError: c.conn.LastError()}
}

func (c *Client) Connection() *Connection { return c.conn }
func (c *Client) Store() *Store           { return c.store }
func (c *Client) Typing() *TypingTracker  { return c.typing }
func (c *Client) Admin() *Aggregator      { return c.admin }

// Dispose снимает все подписки, отменяет таймеры и закрывает соединение
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.poller.Dispose()
	c.store.Dispose()
	c.typing.Dispose()
	c.admin.Dispose()
	c.conn.Disconnect()
	c.logger.Info("client disposed")
}
