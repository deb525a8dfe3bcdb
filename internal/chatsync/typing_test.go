package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

func TestInputChangedSendsOnlyTransitions(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	typing := h.client.Typing()
	ctx := context.Background()

	for _, text := range []string{"H", "He", "Hel", "", "", "  ", "x"} {
		require.NoError(t, typing.InputChanged(ctx, "bob", "car-1", text))
	}

	starts := conn.sent(realtime.EventTyping)
	stops := conn.sent(realtime.EventStopTyping)
	assert.Len(t, starts, 2)
	assert.Len(t, stops, 1)
	assert.Equal(t, "bob", starts[0].RecipientID)
	assert.Equal(t, "car-1", starts[0].CarID)
}

func TestTypingExpiresWithoutStop(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	typing := h.client.Typing()

	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	require.Eventually(t, func() bool { return len(typing.TypingUsers(bobCar)) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"bob"}, typing.TypingUsers(bobCar))

	h.clock.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, typing.TypingUsers(bobCar))

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(typing.TypingUsers(bobCar)) == 0 }, waitFor, tick)
	assert.Equal(t, 0, typing.sched.Pending())
}

func TestTypingRenewalExtendsExpiry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	typing := h.client.Typing()

	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	require.Eventually(t, func() bool { return len(typing.TypingUsers(bobCar)) == 1 }, waitFor, tick)

	h.clock.Advance(4 * time.Second)
	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	// renewal переставил таймер: ждём, пока обработчик отработает
	require.Eventually(t, func() bool {
		typing.sched.mu.Lock()
		defer typing.sched.mu.Unlock()
		return typing.sched.seq == 2
	}, waitFor, tick)

	h.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"bob"}, typing.TypingUsers(bobCar))

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(typing.TypingUsers(bobCar)) == 0 }, waitFor, tick)
}

func TestStopTypingRemovesImmediately(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	typing := h.client.Typing()

	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	conn.push(Event{Type: realtime.EventStopTyping, UserID: "bob", CarID: "car-1"})
	require.Eventually(t, func() bool {
		return len(typing.TypingUsers(bobCar)) == 0 && typing.sched.Pending() == 0
	}, waitFor, tick)
}

func TestTypingDisposeCancelsTimers(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	typing := h.client.Typing()

	var notified []string
	typing.Subscribe(func(_ models.ConversationKey, users []string) { notified = users })

	conn.push(Event{Type: realtime.EventTyping, UserID: "bob", CarID: "car-1"})
	require.Eventually(t, func() bool { return typing.sched.Pending() == 1 }, waitFor, tick)

	typing.Dispose()
	assert.Equal(t, 0, typing.sched.Pending())

	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	// после Dispose подписчики больше не вызываются
	assert.Equal(t, []string{"bob"}, notified)
}
