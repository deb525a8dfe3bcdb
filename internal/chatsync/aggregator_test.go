package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func channelsOf(events []Event) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.Channel)
	}
	return out
}

func TestSubscribeIsReferenceCounted(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	admin := h.client.Admin()

	unsubA := admin.Subscribe(realtime.ChannelStats, func(Event) {})
	unsubB := admin.Subscribe(realtime.ChannelStats, func(Event) {})
	assert.Len(t, conn.sent(realtime.EventSubscribe), 1)
	assert.Len(t, conn.sent(realtime.EventRequestSnapshot), 1)

	unsubA()
	unsubA()
	assert.Empty(t, conn.sent(realtime.EventUnsubscribe))

	unsubB()
	require.Len(t, conn.sent(realtime.EventUnsubscribe), 1)
	assert.Equal(t, realtime.ChannelStats, conn.sent(realtime.EventUnsubscribe)[0].Channel)
}

func TestEventsReachEverySubscriber(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	admin := h.client.Admin()

	first, second := &eventRecorder{}, &eventRecorder{}
	admin.Subscribe(realtime.ChannelMessages, first.record)
	unsub := admin.Subscribe(realtime.ChannelMessages, second.record)

	conn.push(Event{Type: realtime.EventChannelEvent, Channel: realtime.ChannelMessages, Payload: json.RawMessage(`{"id":"m1"}`)})
	require.Eventually(t, func() bool { return len(first.get()) == 1 && len(second.get()) == 1 }, waitFor, tick)

	unsub()
	conn.push(Event{Type: realtime.EventChannelEvent, Channel: realtime.ChannelMessages})
	require.Eventually(t, func() bool { return len(first.get()) == 2 }, waitFor, tick)
	assert.Len(t, second.get(), 1)

	// у событийного канала снимка нет
	assert.Empty(t, conn.sent(realtime.EventRequestSnapshot))
	var ve *ValidationError
	assert.ErrorAs(t, admin.RequestSnapshot(context.Background(), realtime.ChannelMessages), &ve)
}

func TestReconnectRequestsEachSnapshotOnce(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)
	admin := h.client.Admin()

	status := &eventRecorder{}
	admin.Subscribe(realtime.ChannelConnectionStatus, status.record)
	admin.Subscribe(realtime.ChannelStats, func(Event) {})
	admin.Subscribe(realtime.ChannelStats, func(Event) {})
	admin.Subscribe(realtime.ChannelCarViews, func(Event) {})
	admin.Subscribe(realtime.ChannelMessages, func(Event) {})
	assert.Len(t, first.sent(realtime.EventRequestSnapshot), 2)

	first.Close()
	require.Eventually(t, func() bool { return len(status.get()) == 1 }, waitFor, tick)

	second := h.connect(t)
	require.Eventually(t, func() bool { return len(status.get()) == 2 }, waitFor, tick)

	assert.ElementsMatch(t,
		[]string{realtime.ChannelCarViews, realtime.ChannelStats},
		channelsOf(second.sent(realtime.EventRequestSnapshot)))
	assert.ElementsMatch(t,
		[]string{realtime.ChannelCarViews, realtime.ChannelMessages, realtime.ChannelStats},
		channelsOf(second.sent(realtime.EventSubscribe)))

	var got []bool
	for _, ev := range status.get() {
		var cs ConnectionStatus
		require.NoError(t, json.Unmarshal(ev.Payload, &cs))
		got = append(got, cs.Connected)
	}
	assert.Equal(t, []bool{false, true}, got)

	// без нового переподключения повторных запросов нет
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, second.sent(realtime.EventRequestSnapshot), 2)
}

func TestSubscribeWhileDisconnectedJoinsOnConnect(t *testing.T) {
	h := newHarness(t)
	admin := h.client.Admin()
	admin.Subscribe(realtime.ChannelBookings, func(Event) {})

	conn := h.connect(t)
	require.Eventually(t, func() bool { return len(conn.sent(realtime.EventRequestSnapshot)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{realtime.ChannelBookings}, channelsOf(conn.sent(realtime.EventSubscribe)))
}

func TestPollerSkipsChannelsWithRecentPush(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(context.Background()))
	conn := h.transport.last()
	admin := h.client.Admin()
	poller := h.client.poller

	admin.Subscribe(realtime.ChannelStats, func(Event) {})
	require.Len(t, conn.sent(realtime.EventRequestSnapshot), 1)

	// первый интервал с разбросом не больше 1.5 * PollInterval
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return poller.polled.Load() == 1 && poller.sched.Pending() == 1
	}, waitFor, tick)
	assert.Len(t, conn.sent(realtime.EventRequestSnapshot), 2)

	conn.push(Event{Type: realtime.EventChannelEvent, Channel: realtime.ChannelStats})
	require.Eventually(t, func() bool { return !admin.LastPush(realtime.ChannelStats).IsZero() }, waitFor, tick)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return poller.skipped.Load() == 1 && poller.sched.Pending() == 1
	}, waitFor, tick)
	assert.Len(t, conn.sent(realtime.EventRequestSnapshot), 2)

	h.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return poller.polled.Load() == 2 }, waitFor, tick)
	assert.Len(t, conn.sent(realtime.EventRequestSnapshot), 3)
}

func TestPollerIgnoresRepliesToItsOwnRequests(t *testing.T) {
	h := newHarness(t)
	h.server.snapshots.Store(true)
	require.NoError(t, h.client.Init(context.Background()))
	conn := h.transport.last()
	admin := h.client.Admin()
	poller := h.client.poller

	var mu sync.Mutex
	snapshots := 0
	admin.Subscribe(realtime.ChannelStats, func(ev Event) {
		if ev.Type == realtime.EventSnapshot {
			mu.Lock()
			snapshots++
			mu.Unlock()
		}
	})

	for i := 1; i <= 6; i++ {
		h.clock.Advance(2 * time.Second)
		require.Eventually(t, func() bool {
			return poller.polled.Load() == int64(i) && poller.sched.Pending() == 1
		}, waitFor, tick)
	}

	assert.Equal(t, int64(0), poller.skipped.Load())
	assert.Len(t, conn.sent(realtime.EventRequestSnapshot), 7)
	assert.True(t, admin.LastPush(realtime.ChannelStats).IsZero())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots == 7
	}, waitFor, tick)
}

func TestPollerStopsWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(context.Background()))
	poller := h.client.poller
	require.Equal(t, 1, poller.sched.Pending())

	h.client.Connection().Disconnect()
	assert.Equal(t, 0, poller.sched.Pending())

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), poller.polled.Load())
}

func TestDisposeReleasesEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Init(context.Background()))
	conn := h.transport.last()
	h.client.Admin().Subscribe(realtime.ChannelStats, func(Event) {})
	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	require.Eventually(t, func() bool { return h.client.Typing().sched.Pending() == 1 }, waitFor, tick)

	h.client.Dispose()
	h.client.Dispose()

	assert.False(t, h.client.State().Connected)
	assert.Equal(t, 0, h.client.Typing().sched.Pending())
	assert.Equal(t, 0, h.client.poller.sched.Pending())
	assert.Equal(t, 0, h.client.Store().sched.Pending())
	assert.Empty(t, h.client.Admin().SnapshotChannels())
}
