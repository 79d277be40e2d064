package strategy

import (
	"time"
)

// Sampler yields the desired load at a point in time.
type Sampler interface {
	Eval(now time.Time) int32
}

// Constant is a Sampler that always returns the same value.
type Constant int32

// Eval returns c.
func (c Constant) Eval(time.Time) int32 { return int32(c) }

// Scheduler hands samples to a strategy. The owner drives Tick at a fixed
// period on the control goroutine; the scheduler itself holds no timer.
//
// When dynamic load is enabled the scheduler samples the dynamic source
// instead of the profile.
type Scheduler struct {
	sampler  Sampler
	strategy Strategy
	period   time.Duration

	dynamic        func() int32
	dynamicEnabled bool
	running        bool
	ticks          uint64
}

// NewScheduler creates a scheduler feeding strategy from sampler.
func NewScheduler(sampler Sampler, strategy Strategy, period time.Duration) *Scheduler {
	return &Scheduler{sampler: sampler, strategy: strategy, period: period}
}

// Period returns the tick period.
func (s *Scheduler) Period() time.Duration { return s.period }

// Strategy returns the installed strategy.
func (s *Scheduler) Strategy() Strategy { return s.strategy }

// SetDynamicSource installs the source sampled while dynamic load is enabled.
func (s *Scheduler) SetDynamicSource(fn func() int32) { s.dynamic = fn }

// SetEnableDynamicLoad toggles sampling of the dynamic source.
func (s *Scheduler) SetEnableDynamicLoad(enable bool) { s.dynamicEnabled = enable }

// DynamicLoadEnabled reports whether the dynamic source is in use.
func (s *Scheduler) DynamicLoadEnabled() bool { return s.dynamicEnabled }

// Start marks the scheduler running and applies the first sample at now.
func (s *Scheduler) Start(now time.Time) {
	s.running = true
	s.ticks = 0
	s.Tick(now)
}

// Stop halts ticking and stops the strategy.
func (s *Scheduler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.strategy.Stop()
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool { return s.running }

// Ticks returns the number of samples applied since Start.
func (s *Scheduler) Ticks() uint64 { return s.ticks }

// Tick samples the load and applies it. Sampling may stop the scheduler (a
// profile reaching its end deactivates itself and its owner reacts); in that
// case the sample is dropped.
func (s *Scheduler) Tick(now time.Time) {
	if !s.running {
		return
	}

	var load int32
	if s.dynamicEnabled && s.dynamic != nil {
		load = s.dynamic()
	} else {
		load = s.sampler.Eval(now)
	}
	if !s.running {
		return
	}

	s.ticks++
	s.strategy.SetLoad(now, load)
}
