package profile

import (
	"fmt"
	"strings"
	"time"
)

// Pattern is the shape of a load phase.
type Pattern int

const (
	Flat Pattern = iota
	Stair
	Burst
	Sinusoid
	Random
	Sawtooth
)

var patternNames = map[Pattern]string{
	Flat:     "flat",
	Stair:    "stair",
	Burst:    "burst",
	Sinusoid: "sinusoid",
	Random:   "random",
	Sawtooth: "sawtooth",
}

func (p Pattern) String() string {
	if s, ok := patternNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

// ParsePattern resolves a case-insensitive pattern name.
func ParsePattern(s string) (Pattern, error) {
	for p, name := range patternNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown load pattern %q", s)
}

func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pattern) UnmarshalText(b []byte) error {
	v, err := ParsePattern(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TimeUnit scales the ramp and steady values of a phase.
type TimeUnit int

const (
	Seconds TimeUnit = iota
	Milliseconds
)

func (u TimeUnit) String() string {
	if u == Milliseconds {
		return "milliseconds"
	}
	return "seconds"
}

// Duration converts n units into a time.Duration.
func (u TimeUnit) Duration(n int64) time.Duration {
	if u == Milliseconds {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}

func (u TimeUnit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *TimeUnit) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "s", "sec", "seconds":
		*u = Seconds
	case "ms", "milliseconds":
		*u = Milliseconds
	default:
		return fmt.Errorf("unknown time unit %q", string(b))
	}
	return nil
}

// Phase is one segment of a load profile.
//
// Ramp and Steady are expressed in Unit. For STAIR, BURST, SINUSOID, RANDOM
// and SAWTOOTH the phase repeats Repetitions times (at least once); FLAT runs
// once.
type Phase struct {
	Pattern     Pattern  `json:"pattern" yaml:"pattern"`
	Height      int32    `json:"height" yaml:"height"`
	Ramp        int64    `json:"ramp" yaml:"ramp"`
	Steady      int64    `json:"steady" yaml:"steady"`
	Repetitions int      `json:"repetitions,omitempty" yaml:"repetitions,omitempty"`
	Unit        TimeUnit `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// RampDuration returns the ramp segment length.
func (p Phase) RampDuration() time.Duration { return p.Unit.Duration(p.Ramp) }

// SteadyDuration returns the steady segment length.
func (p Phase) SteadyDuration() time.Duration { return p.Unit.Duration(p.Steady) }

func (p Phase) reps() int64 {
	if p.Pattern == Flat || p.Repetitions < 1 {
		return 1
	}
	return int64(p.Repetitions)
}

// Duration returns the total time the phase occupies.
func (p Phase) Duration() time.Duration {
	return time.Duration(p.reps()) * (p.RampDuration() + p.SteadyDuration())
}

// Validate checks a phase in isolation.
func (p Phase) Validate() error {
	if _, ok := patternNames[p.Pattern]; !ok {
		return fmt.Errorf("invalid pattern %d", int(p.Pattern))
	}
	if p.Height < 0 {
		return fmt.Errorf("%s phase: height must not be negative", p.Pattern)
	}
	if p.Ramp < 0 || p.Steady < 0 {
		return fmt.Errorf("%s phase: durations must not be negative", p.Pattern)
	}
	if p.Repetitions < 0 {
		return fmt.Errorf("%s phase: repetitions must not be negative", p.Pattern)
	}
	if p.Pattern == Sinusoid && p.Duration() == 0 {
		return fmt.Errorf("sinusoid phase: period must be positive")
	}
	return nil
}

// peak is the highest value the phase can reach from baseline.
func (p Phase) peak(baseline int32) int32 {
	switch p.Pattern {
	case Flat:
		return max(baseline, p.Height)
	case Stair:
		return baseline + p.Height*int32(p.reps())
	default:
		return baseline + p.Height
	}
}

// end is the baseline left behind for the next phase.
func (p Phase) end(baseline int32) int32 {
	switch p.Pattern {
	case Flat:
		return p.Height
	case Stair:
		return baseline + p.Height*int32(p.reps())
	default:
		return baseline
	}
}
