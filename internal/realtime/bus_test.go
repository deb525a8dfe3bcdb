package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusFanout(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan BusMessage, 2)
	for i := 0; i < 2; i++ {
		go func() { _ = bus.Consume(ctx, func(m BusMessage) { got <- m }) }()
	}
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.consumers) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, ChannelBookings, map[string]int{"n": 1}))

	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			assert.Equal(t, ChannelBookings, m.Channel)
			var body map[string]int
			require.NoError(t, json.Unmarshal(m.Payload, &body))
			assert.Equal(t, 1, body["n"])
		case <-time.After(time.Second):
			t.Fatal("consumer did not receive message")
		}
	}
}

func TestLocalBusClosed(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), ChannelStats, nil))
	assert.Error(t, bus.Consume(context.Background(), func(BusMessage) {}))
}
