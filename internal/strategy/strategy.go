// Package strategy converts load-profile samples into work for the connection
// lifecycle manager. There are exactly two strategies: Static, which treats the
// sample as an absolute connection count, and Rate, which treats it as units
// per second and releases whole-unit grants from a token bucket.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects a strategy variant.
type Kind int

const (
	// KindStatic targets an absolute number of open connections.
	KindStatic Kind = iota
	// KindRate targets a number of new connections per second.
	KindRate
)

func (k Kind) String() string {
	if k == KindRate {
		return "connections_per_second"
	}
	return "connections"
}

// ParseKind resolves a load type name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "connections", "static":
		return KindStatic, nil
	case "connections_per_second", "rate":
		return KindRate, nil
	}
	return 0, fmt.Errorf("unknown load type %q", s)
}

// TargetSink receives absolute targets from a Static strategy.
type TargetSink interface {
	SetIntendedLoad(target uint32)
}

// GrantSink receives whole-unit grants from a Rate strategy. It returns false
// when it cannot accept the grant; the strategy then keeps the credit.
type GrantSink interface {
	SetAvailableLoad(available, intended uint32) bool
}

// Strategy is implemented only by *Static and *Rate.
type Strategy interface {
	// SetLoad applies a profile sample taken at now.
	SetLoad(now time.Time, load int32)
	// ConnectionClosed reports an unsolicited close or completed unit.
	ConnectionClosed()
	// Load returns the last applied sample.
	Load() int32
	// Running reports whether the strategy has been started and not stopped.
	Running() bool
	// Stop halts the strategy and publishes an intended load of zero.
	Stop()

	sealed()
}

// Publisher records the intended load, typically into a stats accumulator.
type Publisher func(intended int32)

// Static emits target − active corrections through its sink. The sink side
// owns the active count, so the strategy only ever sends the absolute target.
type Static struct {
	sink    TargetSink
	publish Publisher
	target  int32
	running bool
}

// NewStatic creates a Static strategy.
func NewStatic(sink TargetSink, publish Publisher) *Static {
	return &Static{sink: sink, publish: publish}
}

func (s *Static) sealed() {}

func (s *Static) SetLoad(_ time.Time, load int32) {
	s.running = true
	s.target = max(load, 0)
	if s.publish != nil {
		s.publish(s.target)
	}
	s.sink.SetIntendedLoad(uint32(s.target))
}

func (s *Static) ConnectionClosed() {
	if !s.running {
		return
	}
	s.sink.SetIntendedLoad(uint32(s.target))
}

func (s *Static) Load() int32   { return s.target }
func (s *Static) Running() bool { return s.running }

func (s *Static) Stop() {
	s.running = false
	s.target = 0
	if s.publish != nil {
		s.publish(0)
	}
}

// New builds the strategy for kind. Static strategies use target; rate
// strategies use grant with the given tick period and burst.
func New(kind Kind, target TargetSink, grant GrantSink, publish Publisher, period time.Duration, burst int) Strategy {
	if kind == KindRate {
		return NewRate(grant, publish, period, burst)
	}
	return NewStatic(target, publish)
}
