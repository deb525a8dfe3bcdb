package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/rajivgeraev/automarket-api/internal/models"
	"github.com/rajivgeraev/automarket-api/internal/realtime"
)

// TypingTracker кто сейчас печатает в каких переписках. Записи истекают
// через TTL даже без stop_typing.
type TypingTracker struct {
	link   Link
	sched  *Scheduler
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	typing map[models.ConversationKey]map[string]bool
	inputs map[models.ConversationKey]bool // непуст ли локальный ввод
	subs   map[int]func(models.ConversationKey, []string)
	nextID int
	unsubs []func()
}

// NewTypingTracker создаёт трекер и подписывает его на typing и stop_typing
func NewTypingTracker(link Link, clock clockwork.Clock, cfg Config, logger *zap.Logger) *TypingTracker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &TypingTracker{
		link:   link,
		sched:  NewScheduler(clock),
		ttl:    cfg.TypingTTL,
		logger: logger.Named("typing"),
		typing: make(map[models.ConversationKey]map[string]bool),
		inputs: make(map[models.ConversationKey]bool),
		subs:   make(map[int]func(models.ConversationKey, []string)),
	}
	t.unsubs = []func(){
		link.On(realtime.EventTyping, t.onTyping),
		link.On(realtime.EventStopTyping, t.onStopTyping),
	}
	return t
}

func expiryKey(key models.ConversationKey, userID string) string {
	return "typing:" + key.String() + ":" + userID
}

// StartTyping сообщает собеседнику, что пользователь начал печатать
func (t *TypingTracker) StartTyping(ctx context.Context, peerID, carID string) error {
	return t.link.Send(ctx, Event{Type: realtime.EventTyping, RecipientID: peerID, CarID: carID})
}

// StopTyping сообщает собеседнику, что пользователь перестал печатать
func (t *TypingTracker) StopTyping(ctx context.Context, peerID, carID string) error {
	return t.link.Send(ctx, Event{Type: realtime.EventStopTyping, RecipientID: peerID, CarID: carID})
}

// InputChanged вызывается на каждое изменение поля ввода. Сигнал уходит только
// при переходе пусто -> непусто и обратно.
func (t *TypingTracker) InputChanged(ctx context.Context, peerID, carID, text string) error {
	key := models.ConversationKey{ParticipantID: peerID, CarID: carID}
	nonEmpty := strings.TrimSpace(text) != ""

	t.mu.Lock()
	was := t.inputs[key]
	if nonEmpty {
		t.inputs[key] = true
	} else {
		delete(t.inputs, key)
	}
	t.mu.Unlock()

	switch {
	case nonEmpty && !was:
		return t.StartTyping(ctx, peerID, carID)
	case !nonEmpty && was:
		return t.StopTyping(ctx, peerID, carID)
	}
	return nil
}

func (t *TypingTracker) onTyping(ev Event) {
	if ev.UserID == "" || ev.CarID == "" {
		return
	}
	key := models.ConversationKey{ParticipantID: ev.UserID, CarID: ev.CarID}
	t.set(key, ev.UserID, true)
	t.sched.Schedule(expiryKey(key, ev.UserID), t.ttl, func() {
		t.set(key, ev.UserID, false)
	})
}

func (t *TypingTracker) onStopTyping(ev Event) {
	if ev.UserID == "" || ev.CarID == "" {
		return
	}
	key := models.ConversationKey{ParticipantID: ev.UserID, CarID: ev.CarID}
	t.sched.Cancel(expiryKey(key, ev.UserID))
	t.set(key, ev.UserID, false)
}

// set заменяет множество печатающих целиком
func (t *TypingTracker) set(key models.ConversationKey, userID string, typing bool) {
	t.mu.Lock()
	cur := t.typing[key]
	if cur[userID] == typing {
		t.mu.Unlock()
		return
	}
	next := make(map[string]bool, len(cur)+1)
	for id := range cur {
		next[id] = true
	}
	if typing {
		next[userID] = true
	} else {
		delete(next, userID)
	}
	if len(next) == 0 {
		delete(t.typing, key)
	} else {
		t.typing[key] = next
	}
	users := sortedKeys(next)
	subs := make([]func(models.ConversationKey, []string), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(key, append([]string(nil), users...))
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// TypingUsers кто печатает в переписке key
func (t *TypingTracker) TypingUsers(key models.ConversationKey) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.typing[key])
}

// Subscribe вызывает fn при каждом изменении множества печатающих
func (t *TypingTracker) Subscribe(fn func(key models.ConversationKey, users []string)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Dispose отменяет все таймеры истечения и снимает обработчики
func (t *TypingTracker) Dispose() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.sched.Stop()

	t.mu.Lock()
	t.subs = make(map[int]func(models.ConversationKey, []string))
	t.mu.Unlock()
}
