package playback

import (
	"sync"
	"time"
)

// Scheduler drives the playback clock. Start begins calling tick with the
// real milliseconds elapsed since the previous call and returns a function
// that stops it. stop must not block and may be called more than once.
type Scheduler interface {
	Start(tick func(elapsedMs float64)) (stop func())
}

// TickerScheduler ticks from a time.Ticker on its own goroutine.
type TickerScheduler struct {
	Interval time.Duration
}

// DefaultTickInterval is used when a TickerScheduler has no interval.
const DefaultTickInterval = 50 * time.Millisecond

func (s TickerScheduler) Start(tick func(elapsedMs float64)) func() {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		last := time.Now()
		for {
			select {
			case <-done:
				return
			case now := <-t.C:
				elapsed := now.Sub(last)
				last = now
				tick(float64(elapsed) / float64(time.Millisecond))
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// ManualScheduler never ticks on its own. The caller advances the clock with
// Advance, or drives Player.Tick directly from an outside loop such as a
// terminal UI's frame timer.
type ManualScheduler struct {
	mu     sync.Mutex
	tick   func(float64)
	starts int
}

func (m *ManualScheduler) Start(tick func(elapsedMs float64)) func() {
	m.mu.Lock()
	m.tick = tick
	m.starts++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.tick = nil
		m.mu.Unlock()
	}
}

// Advance delivers one tick of elapsedMs to the running clock, if any. It
// reports whether a clock was running.
func (m *ManualScheduler) Advance(elapsedMs float64) bool {
	m.mu.Lock()
	tick := m.tick
	m.mu.Unlock()
	if tick == nil {
		return false
	}
	tick(elapsedMs)
	return true
}

// Active reports whether a clock is currently started.
func (m *ManualScheduler) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick != nil
}

// Starts counts how many times a clock was started.
func (m *ManualScheduler) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}
