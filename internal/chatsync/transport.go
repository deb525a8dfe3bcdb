package chatsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// Event кадр протокола шлюза
type Event = realtime.Event

const writeWait = 10 * time.Second

// Transport открывает соединения со шлюзом
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn одно открытое соединение. ReadEvent вызывается из одной горутины,
// WriteEvent безопасен для параллельного вызова.
type Conn interface {
	ReadEvent() (Event, error)
	WriteEvent(ev Event) error
	Close() error
}

// WSTransport соединение через gorilla/websocket
type WSTransport struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

// NewWSTransport создаёт транспорт с токеном в заголовке Authorization
func NewWSTransport(url, token string) *WSTransport {
	return &WSTransport{URL: url, Token: token, Dialer: websocket.DefaultDialer}
}

func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadEvent() (Event, error) {
	var ev Event
	err := c.conn.ReadJSON(&ev)
	return ev, err
}

func (c *wsConn) WriteEvent(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
