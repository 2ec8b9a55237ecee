// Package playback is the replay clock: a state machine that owns the
// replay position, speed and loop mode of one loaded run.
package playback

import (
	"math"
	"sync"

	"github.com/kalambet/jreplay/internal/journey"
)

type Status string

const (
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusPlaying   Status = "playing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

type Config struct {
	Speed       Speed `json:"speed"`
	LoopEnabled bool  `json:"loopEnabled"`
}

// DefaultConfig plays at 1x without looping.
func DefaultConfig() Config { return Config{Speed: SpeedNormal} }

// State is a copy of the replay state. SelectedStepID is the id of the step
// at CurrentStepIndex.
type State struct {
	Status            Status  `json:"status"`
	CurrentTimeMs     int64   `json:"currentTimeMs"`
	CurrentEventIndex int     `json:"currentEventIndex"`
	CurrentStepIndex  int     `json:"currentStepIndex"`
	TotalEvents       int     `json:"totalEvents"`
	TotalSteps        int     `json:"totalSteps"`
	TotalDurationMs   int64   `json:"totalDurationMs"`
	Progress          float64 `json:"progress"`
	Config            Config  `json:"config"`
	SelectedStepID    string  `json:"selectedStepId,omitempty"`
	Error             string  `json:"error,omitempty"`
}

type listener struct {
	id int
	fn func(State)
}

// Player is the playback state machine. All operations are safe to call in
// any state; an operation that is not valid in the current state is a no-op.
type Player struct {
	mu        sync.Mutex
	sched     Scheduler
	track     Track
	state     State
	stop      func()
	gen       uint64
	carry     float64
	listeners []listener
	nextID    int
}

// New creates an unloaded player. A nil scheduler uses a TickerScheduler
// with the default interval.
func New(sched Scheduler, cfg Config) *Player {
	if sched == nil {
		sched = TickerScheduler{}
	}
	return &Player{
		sched: sched,
		state: State{Status: StatusLoading, Config: cfg},
	}
}

// OnChange registers fn to be called after every state change, whether it
// came from the clock or from an operator action. The returned function
// removes the registration.
func (p *Player) OnChange(fn func(State)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, listener{id: id, fn: fn})
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, l := range p.listeners {
			if l.id == id {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns a copy of the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Track returns the layout of the loaded run.
func (p *Player) Track() Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// update runs fn under the lock and notifies listeners if the state changed.
func (p *Player) update(fn func()) State {
	p.mu.Lock()
	before := p.state
	fn()
	after := p.state
	var fns []func(State)
	if after != before {
		for _, l := range p.listeners {
			fns = append(fns, l.fn)
		}
	}
	p.mu.Unlock()

	for _, f := range fns {
		f(after)
	}
	return after
}

// Load replaces whatever was loaded with run and leaves the player ready at
// time zero. Any running clock is stopped first so no tick scheduled for the
// previous run can land on the new one.
func (p *Player) Load(run *journey.Run) State {
	return p.update(func() {
		p.stopClock()
		p.track = NewTrack(run)
		p.state = State{
			Status:          StatusReady,
			TotalEvents:     len(p.track.events),
			TotalSteps:      p.track.TotalSteps(),
			TotalDurationMs: p.track.durationMs,
			Config:          p.state.Config,
		}
		p.moveTo(0, -1)
	})
}

// Unload stops the clock and drops the loaded run.
func (p *Player) Unload() {
	p.update(func() {
		p.stopClock()
		p.track = Track{}
		p.state = State{Status: StatusLoading, Config: p.state.Config}
	})
}

// Fail moves the player to the error state.
func (p *Player) Fail(err error) State {
	return p.update(func() {
		p.stopClock()
		p.state.Status = StatusError
		if err != nil {
			p.state.Error = err.Error()
		}
	})
}

// Play starts the clock from ready, paused or completed. From completed it
// restarts at zero.
func (p *Player) Play() State {
	return p.update(func() {
		switch p.state.Status {
		case StatusReady, StatusPaused:
		case StatusCompleted:
			p.moveTo(0, -1)
		default:
			return
		}
		p.state.Status = StatusPlaying
		if p.state.Config.Speed == SpeedInstant || p.track.durationMs == 0 {
			p.reachEnd()
			if p.state.Status != StatusPlaying {
				return
			}
		}
		p.startClock()
	})
}

// Pause stops the clock. Only valid while playing.
func (p *Player) Pause() State {
	return p.update(func() {
		if p.state.Status != StatusPlaying {
			return
		}
		p.stopClock()
		p.state.Status = StatusPaused
	})
}

// StepForward advances by exactly one sub-event and pauses playback.
func (p *Player) StepForward() State {
	return p.update(func() { p.step(1) })
}

// StepBackward moves back by exactly one sub-event and pauses playback.
func (p *Player) StepBackward() State {
	return p.update(func() { p.step(-1) })
}

func (p *Player) step(delta int) {
	if !p.navigable() {
		return
	}
	k := p.state.CurrentEventIndex + delta
	if k < 0 || k > p.state.TotalEvents {
		return
	}
	if p.state.Status == StatusPlaying {
		p.stopClock()
		p.state.Status = StatusPaused
	}

	var t int64
	stepIdx := -1
	if k > 0 {
		ev := p.track.events[k-1]
		t, stepIdx = ev.TimeMs, ev.StepIndex
	}
	t = p.clamp(t)
	p.state.CurrentTimeMs = t
	p.state.CurrentEventIndex = k
	p.setStep(stepIdx)
	if p.state.Status == StatusCompleted && t < p.track.durationMs {
		p.state.Status = StatusPaused
	}
}

// Seek jumps to timeMs, clamped to the run duration. While playing the
// clock keeps running from the new position.
func (p *Player) Seek(timeMs int64) State {
	return p.update(func() {
		if !p.navigable() {
			return
		}
		t := p.clamp(timeMs)
		p.moveTo(t, -1)
		if p.state.Status == StatusCompleted && t < p.track.durationMs {
			p.state.Status = StatusPaused
		}
		if p.state.Status == StatusPlaying {
			p.stopClock()
			p.startClock()
		}
	})
}

// SetSpeed changes the rate applied from the next tick on.
func (p *Player) SetSpeed(s Speed) State {
	return p.update(func() {
		if !s.valid() || p.state.Status == StatusLoading || p.state.Status == StatusError {
			return
		}
		p.state.Config.Speed = s
	})
}

// ToggleLoop flips loop mode. It only matters once playback reaches the end.
func (p *Player) ToggleLoop() State {
	return p.update(func() {
		p.state.Config.LoopEnabled = !p.state.Config.LoopEnabled
	})
}

// Reset stops the clock and returns to time zero in the ready state.
func (p *Player) Reset() State {
	return p.update(func() {
		if p.state.Status == StatusLoading {
			return
		}
		p.stopClock()
		p.state.Status = StatusReady
		p.state.Error = ""
		p.moveTo(0, -1)
	})
}

// Tick advances a playing clock by elapsedRealMs of wall time scaled by the
// current speed. It is what the scheduler calls; terminal front ends with
// their own frame timer call it directly.
func (p *Player) Tick(elapsedRealMs float64) State {
	return p.update(func() { p.advance(elapsedRealMs) })
}

func (p *Player) tickFrom(gen uint64) func(float64) {
	return func(elapsed float64) {
		p.update(func() {
			if p.gen != gen {
				return
			}
			p.advance(elapsed)
		})
	}
}

func (p *Player) advance(elapsedRealMs float64) {
	if p.state.Status != StatusPlaying || elapsedRealMs <= 0 {
		return
	}
	if p.state.Config.Speed == SpeedInstant {
		p.reachEnd()
		return
	}

	delta := elapsedRealMs*p.state.Config.Speed.Multiplier() + p.carry
	whole := math.Floor(delta)
	p.carry = delta - whole

	t := p.state.CurrentTimeMs + int64(whole)
	if t < p.track.durationMs {
		p.moveTo(t, -1)
		return
	}
	p.reachEnd()
}

// reachEnd wraps to zero and keeps playing when looping, otherwise it
// completes.
func (p *Player) reachEnd() {
	if p.state.Config.LoopEnabled {
		p.carry = 0
		p.moveTo(0, -1)
		return
	}
	p.complete()
}

func (p *Player) complete() {
	p.stopClock()
	p.moveTo(p.track.durationMs, -1)
	p.state.Status = StatusCompleted
}

// moveTo positions the player at t. A stepIdx of -1 derives the step from t.
func (p *Player) moveTo(t int64, stepIdx int) {
	p.state.CurrentTimeMs = t
	p.state.CurrentEventIndex = p.track.EventsThrough(t)
	p.setStep(stepIdx)
}

func (p *Player) setStep(stepIdx int) {
	if stepIdx < 0 {
		stepIdx = p.track.StepAt(p.state.CurrentTimeMs)
	}
	p.state.CurrentStepIndex = stepIdx
	p.state.SelectedStepID = p.track.StepID(stepIdx)
	p.state.Progress = progress(p.state.CurrentTimeMs, p.track.durationMs)
}

func (p *Player) clamp(t int64) int64 {
	if t < 0 {
		return 0
	}
	if t > p.track.durationMs {
		return p.track.durationMs
	}
	return t
}

func (p *Player) navigable() bool {
	return p.state.Status != StatusLoading
}

func (p *Player) startClock() {
	p.carry = 0
	p.stop = p.sched.Start(p.tickFrom(p.gen))
}

// stopClock cancels the running clock and invalidates any tick already in
// flight from it.
func (p *Player) stopClock() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	p.gen++
}

func progress(t, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(t) / float64(total) * 100
}
