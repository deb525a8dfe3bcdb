package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

type stateRecorder struct {
	mu    sync.Mutex
	flips []bool
}

func (r *stateRecorder) record(connected bool) {
	r.mu.Lock()
	r.flips = append(r.flips, connected)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.flips...)
}

func TestConnectAndDisconnect(t *testing.T) {
	conn := NewConnection(&fakeTransport{}, testConfig(), zap.NewNop())
	rec := &stateRecorder{}
	conn.OnStateChange(rec.record)

	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.IsConnected())
	assert.NoError(t, conn.LastError())

	// уже подключены
	require.NoError(t, conn.Connect(context.Background()))

	conn.Disconnect()
	conn.Disconnect()
	assert.False(t, conn.IsConnected())
	assert.Equal(t, []bool{true, false}, rec.get())
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	conn := NewConnection(&fakeTransport{dialErr: dialErr}, testConfig(), zap.NewNop())
	rec := &stateRecorder{}
	conn.OnStateChange(rec.record)

	err := conn.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "dial", ce.Op)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, err, conn.LastError())
	assert.False(t, conn.IsConnected())
	assert.Empty(t, rec.get())
}

func TestConnectHandshakeTimeout(t *testing.T) {
	transport := &fakeTransport{noHandshake: true}
	conn := NewConnection(transport, testConfig(), zap.NewNop())

	err := conn.Connect(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.False(t, conn.IsConnected())

	// соединение без рукопожатия закрыто
	_, readErr := transport.last().ReadEvent()
	assert.Error(t, readErr)
}

func TestConnectCancelled(t *testing.T) {
	conn := NewConnection(&fakeTransport{noHandshake: true}, testConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := conn.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadFailureMarksDisconnected(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConnection(transport, testConfig(), zap.NewNop())
	rec := &stateRecorder{}
	conn.OnStateChange(rec.record)
	require.NoError(t, conn.Connect(context.Background()))

	transport.last().Close()

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, waitFor, tick)
	assert.False(t, conn.IsConnected())
	var ce *ConnectionError
	require.ErrorAs(t, conn.LastError(), &ce)
	assert.Equal(t, "read", ce.Op)
	assert.Equal(t, []bool{true, false}, rec.get())

	// переподключение вызывается вручную
	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.IsConnected())
	assert.Equal(t, []bool{true, false, true}, rec.get())
}

func TestLateConnectedNotificationIsDropped(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConnection(transport, testConfig(), zap.NewNop())
	rec := &stateRecorder{}
	conn.OnStateChange(rec.record)
	require.NoError(t, conn.Connect(context.Background()))

	conn.mu.Lock()
	gen := conn.gen
	conn.mu.Unlock()

	// сокет упал сразу после рукопожатия, и уведомление о разрыве
	// обогнало уведомление о подключении
	transport.last().Close()
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, waitFor, tick)

	conn.notify(true, gen)
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.False(t, conn.IsConnected())

	// следующее подключение снова доходит до слушателей
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, []bool{true, false, true}, rec.get())
}

func TestSendWhileDisconnected(t *testing.T) {
	conn := NewConnection(&fakeTransport{}, testConfig(), zap.NewNop())

	err := conn.Send(context.Background(), Event{Type: realtime.EventTyping})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestCorrelatesAck(t *testing.T) {
	server := &ackServer{}
	conn := NewConnection(&fakeTransport{respond: server.respond}, testConfig(), zap.NewNop())
	require.NoError(t, conn.Connect(context.Background()))

	ack, err := conn.Request(context.Background(), Event{Type: realtime.EventSendMessage, CorrelationID: "c-1", RecipientID: "bob", CarID: "car"})
	require.NoError(t, err)
	assert.Equal(t, realtime.EventMessageAck, ack.Type)
	assert.Equal(t, "c-1", ack.CorrelationID)
	assert.Equal(t, "srv-1", ack.MessageID)
}

func TestRequestServerError(t *testing.T) {
	server := &ackServer{}
	server.reject.Store(true)
	conn := NewConnection(&fakeTransport{respond: server.respond}, testConfig(), zap.NewNop())
	require.NoError(t, conn.Connect(context.Background()))

	_, err := conn.Request(context.Background(), Event{Type: realtime.EventSendMessage, CorrelationID: "c-1"})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "c-1", de.CorrelationID)
	assert.Equal(t, "failed to save message", de.Reason)
}

func TestRequestAckTimeout(t *testing.T) {
	conn := NewConnection(&fakeTransport{}, testConfig(), zap.NewNop())
	require.NoError(t, conn.Connect(context.Background()))

	start := time.Now()
	_, err := conn.Request(context.Background(), Event{Type: realtime.EventSendMessage, CorrelationID: "c-1"})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Less(t, time.Since(start), waitFor)
}

func TestRequestFailsWhenConnectionDrops(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConnection(transport, testConfig(), zap.NewNop())
	require.NoError(t, conn.Connect(context.Background()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		transport.last().Close()
	}()
	_, err := conn.Request(context.Background(), Event{Type: realtime.EventSendMessage, CorrelationID: "c-1"})
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
}

func TestOnDispatchesAndUnsubscribes(t *testing.T) {
	transport := &fakeTransport{}
	conn := NewConnection(transport, testConfig(), zap.NewNop())
	require.NoError(t, conn.Connect(context.Background()))

	got := make(chan Event, 4)
	unsub := conn.On(realtime.EventTyping, func(ev Event) { got <- ev })

	transport.last().push(Event{Type: realtime.EventTyping, UserID: "bob"})
	select {
	case ev := <-got:
		assert.Equal(t, "bob", ev.UserID)
	case <-time.After(waitFor):
		t.Fatal("typing event not dispatched")
	}

	unsub()
	transport.last().push(Event{Type: realtime.EventTyping, UserID: "carol"})
	// событие после отписки не доставляется; stop_typing служит маркером очереди
	done := make(chan struct{})
	conn.On(realtime.EventStopTyping, func(Event) { close(done) })
	transport.last().push(Event{Type: realtime.EventStopTyping})
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("stop_typing not dispatched")
	}
	assert.Empty(t, got)
}
