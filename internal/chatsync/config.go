package chatsync

import "time"

// Config настройки клиента синхронизации чата
type Config struct {
	URL      string // адрес websocket-шлюза, например ws://localhost:8090/ws
	APIURL   string // адрес REST API для истории
	Token    string
	UserID   string
	UserName string

	RetryDelay       time.Duration
	TypingTTL        time.Duration
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	PollInterval     time.Duration
	PollMaxInterval  time.Duration
}

// Значения по умолчанию
const (
	DefaultRetryDelay       = 5 * time.Second
	DefaultTypingTTL        = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAckTimeout       = 10 * time.Second
	DefaultPollInterval     = 30 * time.Second
	DefaultPollMaxInterval  = 5 * time.Minute
)

// withDefaults заполняет незаданные длительности
func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = DefaultPollMaxInterval
		if c.PollMaxInterval < c.PollInterval {
			c.PollMaxInterval = c.PollInterval
		}
	}
	return c
}
