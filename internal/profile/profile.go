// Package profile turns an ordered list of load phases into a function of
// elapsed time. Each phase is evaluated relative to the baseline left behind
// by the phases before it.
package profile

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrEmpty is returned when a profile has no phases.
var ErrEmpty = errors.New("load profile has no phases")

// Profile is a load profile with a running/stopped flag. Evaluation is
// relative to the time the profile was last activated.
type Profile struct {
	phases []Phase
	total  time.Duration
	final  int32
	height int32

	mu       sync.Mutex
	rng      *rand.Rand
	active   bool
	origin   time.Time
	last     int32
	onChange func(active bool)
}

// Option configures a Profile.
type Option func(*Profile)

// WithRand sets the source used by RANDOM phases.
func WithRand(r *rand.Rand) Option {
	return func(p *Profile) { p.rng = r }
}

// New validates phases and builds a profile.
func New(phases []Phase, opts ...Option) (*Profile, error) {
	if len(phases) == 0 {
		return nil, ErrEmpty
	}

	p := &Profile{
		phases: append([]Phase(nil), phases...),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(p)
	}

	var baseline int32
	for i, ph := range p.phases {
		if err := ph.Validate(); err != nil {
			return nil, fmt.Errorf("phase %d: %w", i, err)
		}
		p.total += ph.Duration()
		p.height = max(p.height, ph.peak(baseline))
		baseline = ph.end(baseline)
	}
	p.final = baseline

	return p, nil
}

// Phases returns a copy of the phase list.
func (p *Profile) Phases() []Phase {
	return append([]Phase(nil), p.phases...)
}

// Duration returns the combined length of all phases.
func (p *Profile) Duration() time.Duration { return p.total }

// MaxHeight returns the highest load the profile can request. Callers use it
// to pre-size per-connection resources.
func (p *Profile) MaxHeight() int32 { return p.height }

// SetActiveStateChangeDelegate installs the callback fired on every
// inactive/active transition. It runs on the goroutine that caused the
// transition.
func (p *Profile) SetActiveStateChangeDelegate(fn func(active bool)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Active reports whether the profile is running.
func (p *Profile) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Activate starts the profile and resets its time origin to now.
func (p *Profile) Activate(now time.Time) {
	p.setActive(true, now)
}

// Deactivate freezes the profile at its last value.
func (p *Profile) Deactivate() {
	p.setActive(false, time.Time{})
}

func (p *Profile) setActive(active bool, now time.Time) {
	p.mu.Lock()
	if p.active == active {
		p.mu.Unlock()
		return
	}
	p.active = active
	if active {
		p.origin = now
		p.last = 0
	}
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(active)
	}
}

// Eval returns the load at now. Once elapsed time passes the end of the last
// phase the profile deactivates itself and keeps returning the final value.
// An inactive profile returns the value it was frozen at.
func (p *Profile) Eval(now time.Time) int32 {
	p.mu.Lock()
	if !p.active {
		v := p.last
		p.mu.Unlock()
		return v
	}
	elapsed := now.Sub(p.origin)
	if elapsed >= p.total {
		p.last = p.final
		p.mu.Unlock()
		p.Deactivate()
		return p.final
	}
	p.last = p.at(elapsed)
	v := p.last
	p.mu.Unlock()
	return v
}

// At evaluates the profile at an elapsed offset without touching the running
// state. Offsets past the end yield the final baseline.
func (p *Profile) At(elapsed time.Duration) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elapsed >= p.total {
		return p.final
	}
	return p.at(elapsed)
}

func (p *Profile) at(elapsed time.Duration) int32 {
	if elapsed < 0 {
		elapsed = 0
	}
	var baseline int32
	for _, ph := range p.phases {
		d := ph.Duration()
		if elapsed < d {
			return max(0, p.shape(ph, baseline, elapsed))
		}
		elapsed -= d
		baseline = ph.end(baseline)
	}
	return p.final
}

func (p *Profile) shape(ph Phase, base int32, t time.Duration) int32 {
	ramp, steady := ph.RampDuration(), ph.SteadyDuration()
	h := ph.Height

	switch ph.Pattern {
	case Flat:
		if t < ramp {
			return base + lerp(h-base, t, ramp)
		}
		return h

	case Stair:
		step := ramp + steady
		k, r := int32(t/step), t%step
		level := base + k*h
		if r < ramp {
			return level + lerp(h, r, ramp)
		}
		return level + h

	case Burst:
		r := t % (ramp + steady)
		if r >= ramp {
			return base
		}
		up := ramp / 2
		if r < up {
			return base + lerp(h, r, up)
		}
		return base + h - lerp(h, r-up, ramp-up)

	case Sawtooth:
		r := t % (ramp + steady)
		if r < ramp {
			return base + lerp(h, r, ramp)
		}
		return base + h

	case Sinusoid:
		period := ramp + steady
		phase := float64(t%period) / float64(period)
		return base + int32(math.Round(float64(h)/2*math.Sin(2*math.Pi*phase)))

	case Random:
		return base + p.rng.Int32N(h+1)
	}
	return base
}

// lerp returns delta scaled by elapsed/span, truncated toward zero.
func lerp(delta int32, elapsed, span time.Duration) int32 {
	if span <= 0 {
		return delta
	}
	return int32(float64(delta) * float64(elapsed) / float64(span))
}
