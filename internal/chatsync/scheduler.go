package chatsync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler отложенные задачи по ключу. Новая задача под тем же ключом
// отменяет предыдущую.
type Scheduler struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	timers  map[string]scheduled
	seq     uint64
	stopped bool
}

type scheduled struct {
	id    uint64
	timer clockwork.Timer
}

// NewScheduler создаёт планировщик на часах clock
func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, timers: make(map[string]scheduled)}
}

// Schedule запускает fn через d. После Stop вызов игнорируется.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}

	s.seq++
	id := s.seq
	timer := s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		cur, ok := s.timers[key]
		if !ok || cur.id != id {
			// задачу успели заменить или отменить
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = scheduled{id: id, timer: timer}
}

// Cancel отменяет задачу. Возвращает false, если её не было.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending число запланированных задач
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop отменяет все задачи и больше не принимает новые
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
}
