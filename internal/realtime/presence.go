package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rajivgeraev/automarket-api/internal/models"
)

const onlineUsersKey = "online_users"

// Presence хранит онлайн-статус пользователей и серверную копию индикатора набора текста
type Presence interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineCount(ctx context.Context) (int, error)
	Typing(ctx context.Context, userID string, key models.ConversationKey, ttl time.Duration) error
	StopTyping(ctx context.Context, userID string, key models.ConversationKey) error
	IsTyping(ctx context.Context, userID string, key models.ConversationKey) (bool, error)
}

// typingKey ключ "userID печатает собеседнику key.ParticipantID по машине key.CarID"
func typingKey(userID string, key models.ConversationKey) string {
	return "typing:" + key.CarID + ":" + userID + ":" + key.ParticipantID
}

// RedisPresence хранит присутствие в Redis, чтобы его видели все экземпляры шлюза
type RedisPresence struct {
	rdb *redis.Client
}

// NewRedisPresence создаёт хранилище присутствия поверх клиента Redis
func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Online(ctx context.Context, userID string) error {
	return p.rdb.SAdd(ctx, onlineUsersKey, userID).Err()
}

func (p *RedisPresence) Offline(ctx context.Context, userID string) error {
	return p.rdb.SRem(ctx, onlineUsersKey, userID).Err()
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	return p.rdb.SIsMember(ctx, onlineUsersKey, userID).Result()
}

func (p *RedisPresence) OnlineCount(ctx context.Context) (int, error) {
	n, err := p.rdb.SCard(ctx, onlineUsersKey).Result()
	return int(n), err
}

func (p *RedisPresence) Typing(ctx context.Context, userID string, key models.ConversationKey, ttl time.Duration) error {
	return p.rdb.Set(ctx, typingKey(userID, key), 1, ttl).Err()
}

func (p *RedisPresence) StopTyping(ctx context.Context, userID string, key models.ConversationKey) error {
	return p.rdb.Del(ctx, typingKey(userID, key)).Err()
}

func (p *RedisPresence) IsTyping(ctx context.Context, userID string, key models.ConversationKey) (bool, error) {
	n, err := p.rdb.Exists(ctx, typingKey(userID, key)).Result()
	return n > 0, err
}

// MemoryPresence присутствие в памяти процесса, для одного экземпляра и тестов
type MemoryPresence struct {
	mu     sync.RWMutex
	online map[string]bool
	typing map[string]time.Time
	now    func() time.Time
}

// NewMemoryPresence создаёт хранилище присутствия в памяти
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		online: make(map[string]bool),
		typing: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (p *MemoryPresence) Online(_ context.Context, userID string) error {
	p.mu.Lock()
	p.online[userID] = true
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Offline(_ context.Context, userID string) error {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID], nil
}

func (p *MemoryPresence) OnlineCount(context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online), nil
}

func (p *MemoryPresence) Typing(_ context.Context, userID string, key models.ConversationKey, ttl time.Duration) error {
	p.mu.Lock()
	p.typing[typingKey(userID, key)] = p.now().Add(ttl)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) StopTyping(_ context.Context, userID string, key models.ConversationKey) error {
	p.mu.Lock()
	delete(p.typing, typingKey(userID, key))
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) IsTyping(_ context.Context, userID string, key models.ConversationKey) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := typingKey(userID, key)
	expires, ok := p.typing[k]
	if !ok {
		return false, nil
	}
	if !p.now().Before(expires) {
		delete(p.typing, k)
		return false, nil
	}
	return true, nil
}
