package chatsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// subscribeTimeout ограничение на отправку subscribe и request_snapshot из обработчиков
const subscribeTimeout = 5 * time.Second

// ConnectionStatus полезная нагрузка локального канала connection_status
type ConnectionStatus struct {
	Connected bool `json:"connected"`
}

// Aggregator раздаёт события админских каналов подписчикам панели.
// После каждого переподключения снимки подписанных каналов запрашиваются
// ровно один раз. События канала messages за время обрыва не восстанавливаются.
type Aggregator struct {
	link   Link
	clock  clockwork.Clock
	logger *zap.Logger

	mu        sync.Mutex
	subs      map[string]map[int]func(Event)
	nextID    int
	lastPush  map[string]time.Time
	connected bool
	unsubs    []func()
}

// NewAggregator создаёт агрегатор поверх link
func NewAggregator(link Link, clock clockwork.Clock, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		link:      link,
		clock:     clock,
		logger:    logger.Named("aggregator"),
		subs:      make(map[string]map[int]func(Event)),
		lastPush:  make(map[string]time.Time),
		connected: link.IsConnected(),
	}
	a.unsubs = []func(){
		link.On(realtime.EventSnapshot, a.onSnapshot),
		link.On(realtime.EventChannelEvent, a.onPush),
		link.OnStateChange(a.onStateChange),
	}
	return a
}

// Subscribe добавляет подписчика канала. Первый подписчик отправляет subscribe
// и запрашивает снимок, последний отписавшийся отправляет unsubscribe.
func (a *Aggregator) Subscribe(channel string, fn func(Event)) (unsubscribe func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	first := len(a.subs[channel]) == 0
	if first {
		a.subs[channel] = make(map[int]func(Event))
	}
	a.subs[channel][id] = fn
	a.mu.Unlock()

	if first && realtime.IsServerChannel(channel) && a.link.IsConnected() {
		a.join(channel)
	}

	var once sync.Once
	return func() {
		once.Do(func() { a.unsubscribe(channel, id) })
	}
}

func (a *Aggregator) unsubscribe(channel string, id int) {
	a.mu.Lock()
	delete(a.subs[channel], id)
	last := len(a.subs[channel]) == 0
	if last {
		delete(a.subs, channel)
	}
	a.mu.Unlock()

	if !last || !realtime.IsServerChannel(channel) || !a.link.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	if err := a.link.Send(ctx, Event{Type: realtime.EventUnsubscribe, Channel: channel}); err != nil {
		a.logger.Warn("unsubscribe", zap.String("channel", channel), zap.Error(err))
	}
}

// join подписывается на канал на сервере и запрашивает его снимок
func (a *Aggregator) join(channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	if err := a.link.Send(ctx, Event{Type: realtime.EventSubscribe, Channel: channel}); err != nil {
		a.logger.Warn("subscribe", zap.String("channel", channel), zap.Error(err))
		return
	}
	if realtime.IsSnapshotChannel(channel) {
		if err := a.RequestSnapshot(ctx, channel); err != nil {
			a.logger.Warn("request snapshot", zap.String("channel", channel), zap.Error(err))
		}
	}
}

// RequestSnapshot запрашивает полный снимок канала
func (a *Aggregator) RequestSnapshot(ctx context.Context, channel string) error {
	if !realtime.IsSnapshotChannel(channel) {
		return &ValidationError{Field: "channel", Reason: channel + " has no snapshot"}
	}
	return a.link.Send(ctx, Event{Type: realtime.EventRequestSnapshot, Channel: channel})
}

// onSnapshot раздаёт снимок, не отмечая push: снимок это ответ на наш же
// request_snapshot, в том числе от опросчика
func (a *Aggregator) onSnapshot(ev Event) {
	if ev.Channel == "" {
		return
	}
	a.publish(ev)
}

func (a *Aggregator) onPush(ev Event) {
	if ev.Channel == "" {
		return
	}
	a.mu.Lock()
	a.lastPush[ev.Channel] = a.clock.Now()
	a.mu.Unlock()
	a.publish(ev)
}

func (a *Aggregator) publish(ev Event) {
	a.mu.Lock()
	subs := make([]func(Event), 0, len(a.subs[ev.Channel]))
	for _, fn := range a.subs[ev.Channel] {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (a *Aggregator) onStateChange(connected bool) {
	a.mu.Lock()
	if a.connected == connected {
		a.mu.Unlock()
		return
	}
	a.connected = connected
	a.mu.Unlock()

	payload, _ := json.Marshal(ConnectionStatus{Connected: connected})
	a.publish(Event{
		Type:      realtime.EventChannelEvent,
		Channel:   realtime.ChannelConnectionStatus,
		Timestamp: a.clock.Now(),
		Payload:   payload,
	})
	if !connected {
		return
	}

	// подписки сервера жили на старом соединении
	for _, channel := range a.activeChannels() {
		if realtime.IsServerChannel(channel) {
			a.join(channel)
		}
	}
}

func (a *Aggregator) activeChannels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for ch := range a.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// SnapshotChannels подписанные каналы со снимками
func (a *Aggregator) SnapshotChannels() []string {
	var out []string
	for _, ch := range a.activeChannels() {
		if realtime.IsSnapshotChannel(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// LastPush время последнего channel_event по каналу
func (a *Aggregator) LastPush(channel string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPush[channel]
}

// Dispose снимает все подписки
func (a *Aggregator) Dispose() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.mu.Lock()
	a.subs = make(map[string]map[int]func(Event))
	a.mu.Unlock()
}
