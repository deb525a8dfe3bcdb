package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const pollKey = "poll"

// Poller страховочный опрос снимков на случай пропущенных push-событий.
// Канал пропускается, если с прошлого опроса по нему пришёл channel_event.
// Снимки в ответ на запросы push не считаются.
// Интервал растёт экспоненциально при ошибках и имеет случайный разброс.
type Poller struct {
	agg    *Aggregator
	link   Link
	clock  clockwork.Clock
	sched  *Scheduler
	logger *zap.Logger

	mu       sync.Mutex
	bo       *backoff.ExponentialBackOff
	running  bool
	lastPoll time.Time

	polled  atomic.Int64
	skipped atomic.Int64
}

// NewPoller создаёт опросчик. Запуск и остановку выполняют Start и Stop.
func NewPoller(agg *Aggregator, link Link, clock clockwork.Clock, cfg Config, logger *zap.Logger) *Poller {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.PollInterval
	bo.MaxInterval = cfg.PollMaxInterval
	bo.MaxElapsedTime = 0
	bo.Clock = clock
	bo.Reset()

	return &Poller{
		agg:    agg,
		link:   link,
		clock:  clock,
		sched:  NewScheduler(clock),
		logger: logger.Named("poller"),
		bo:     bo,
	}
}

// Start запускает опрос. Повторный вызов ничего не делает.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.lastPoll = p.clock.Now()
	p.bo.Reset()
	p.sched.Schedule(pollKey, p.bo.NextBackOff(), p.tick)
}

// Stop останавливает опрос до следующего Start
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.sched.Cancel(pollKey)
}

// Dispose останавливает опрос окончательно
func (p *Poller) Dispose() {
	p.Stop()
	p.sched.Stop()
}

func (p *Poller) tick() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	since := p.lastPoll
	p.lastPoll = p.clock.Now()
	p.mu.Unlock()

	failed := false
	if p.link.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		for _, channel := range p.agg.SnapshotChannels() {
			if last := p.agg.LastPush(channel); !last.IsZero() && !last.Before(since) {
				p.skipped.Add(1)
				continue
			}
			if err := p.agg.RequestSnapshot(ctx, channel); err != nil {
				p.logger.Warn("poll snapshot", zap.String("channel", channel), zap.Error(err))
				failed = true
				continue
			}
			p.polled.Add(1)
		}
		cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	if !failed {
		p.bo.Reset()
	}
	p.sched.Schedule(pollKey, p.bo.NextBackOff(), p.tick)
}
