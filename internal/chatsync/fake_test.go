package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	in      chan Event
	closed  chan struct{}
	once    sync.Once
	respond func(Event) []Event

	mu  sync.Mutex
	out []Event
}

func newFakeConn(respond func(Event) []Event) *fakeConn {
	return &fakeConn{in: make(chan Event, 64), closed: make(chan struct{}), respond: respond}
}

func (c *fakeConn) ReadEvent() (Event, error) {
	select {
	case <-c.closed:
		return Event{}, io.EOF
	case ev := <-c.in:
		return ev, nil
	}
}

func (c *fakeConn) WriteEvent(ev Event) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.out = append(c.out, ev)
	c.mu.Unlock()
	if c.respond != nil {
		for _, reply := range c.respond(ev) {
			c.in <- reply
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(ev Event) { c.in <- ev }

// sent кадры клиента заданного типа
func (c *fakeConn) sent(t realtime.EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.out {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeTransport struct {
	mu          sync.Mutex
	dialErr     error
	noHandshake bool
	respond     func(Event) []Event
	conns       []*fakeConn
}

func (t *fakeTransport) Dial(context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := newFakeConn(t.respond)
	if !t.noHandshake {
		c.in <- Event{Type: realtime.EventConnected, UserID: "me"}
	}
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// ackServer отвечает на send_message подтверждением или ошибкой,
// а при включённом snapshots и на request_snapshot снимком
type ackServer struct {
	seq       atomic.Int64
	reject    atomic.Bool
	snapshots atomic.Bool
	// savedState состояние сохранённой копии в подтверждении, по умолчанию sent
	savedState atomic.Value
}

func (s *ackServer) respond(ev Event) []Event {
	if ev.Type == realtime.EventRequestSnapshot && s.snapshots.Load() {
		return []Event{{Type: realtime.EventSnapshot, Channel: ev.Channel, Payload: json.RawMessage(`{}`)}}
	}
	if ev.Type != realtime.EventSendMessage {
		return nil
	}
	if s.reject.Load() {
		return []Event{{Type: realtime.EventMessageError, CorrelationID: ev.CorrelationID, Error: "failed to save message"}}
	}
	id := "srv-" + strconv.FormatInt(s.seq.Add(1), 10)
	var payload realtime.SendPayload
	_ = json.Unmarshal(ev.Payload, &payload)
	state := models.DeliverySent
	if v, ok := s.savedState.Load().(models.DeliveryState); ok {
		state = v
	}
	saved := models.Message{
		ID:            id,
		CorrelationID: ev.CorrelationID,
		Sender:        models.Party{ID: "me", Name: "Me"},
		Recipient:     models.Party{ID: ev.RecipientID, Name: "Peer"},
		Content:       payload.Content,
		CarID:         ev.CarID,
		DeliveryState: state,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	raw, _ := json.Marshal(saved)
	return []Event{{Type: realtime.EventMessageAck, CorrelationID: ev.CorrelationID, MessageID: id, CarID: ev.CarID, Payload: raw}}
}

type stubHistory struct {
	mu       sync.Mutex
	messages []models.Message
	err      error
}

func (h *stubHistory) FetchHistory(context.Context, string, string) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Message(nil), h.messages...), h.err
}

func (h *stubHistory) set(msgs ...models.Message) {
	h.mu.Lock()
	h.messages = msgs
	h.mu.Unlock()
}

func testConfig() Config {
	return Config{
		UserID:           "me",
		UserName:         "Me",
		HandshakeTimeout: 200 * time.Millisecond,
		AckTimeout:       300 * time.Millisecond,
		PollInterval:     time.Second,
		PollMaxInterval:  10 * time.Second,
	}
}

type harness struct {
	client    *Client
	clock     clockwork.FakeClock
	transport *fakeTransport
	server    *ackServer
	history   *stubHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(t0),
		server:  &ackServer{},
		history: &stubHistory{},
	}
	h.transport = &fakeTransport{respond: h.server.respond}
	h.client = New(testConfig(), Deps{
		Transport: h.transport,
		History:   h.history,
		Clock:     h.clock,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(h.client.Dispose)
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, h.client.Connect(context.Background()))
	return h.transport.last()
}

func inbound(id, from, carID, content string) Event {
	m := models.Message{
		ID:            id,
		Sender:        models.Party{ID: from, Name: "Peer"},
		Recipient:     models.Party{ID: "me", Name: "Me"},
		Content:       content,
		CarID:         carID,
		DeliveryState: models.DeliverySent,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	raw, _ := json.Marshal(m)
	return Event{Type: realtime.EventNewMessage, MessageID: id, CarID: carID, UserID: from, Payload: raw}
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
