package strategy

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Rate accumulates rate × elapsed as fractional credit and grants whole units
// to its sink, carrying the remainder forward. Each ConnectionClosed adds one
// replacement unit to the next grant.
type Rate struct {
	sink    GrantSink
	publish Publisher
	period  time.Duration
	burst   int

	lim     *rate.Limiter
	load    int32
	carry   int
	replace int
	running bool
}

// NewRate creates a Rate strategy ticked every period. A burst of zero sizes
// the bucket so that no credit earned within one tick is lost.
func NewRate(sink GrantSink, publish Publisher, period time.Duration, burst int) *Rate {
	return &Rate{sink: sink, publish: publish, period: period, burst: burst}
}

func (r *Rate) sealed() {}

// SetLoad sets the rate in units per second and releases any whole credit
// accrued since the previous call.
func (r *Rate) SetLoad(now time.Time, load int32) {
	load = max(load, 0)
	if !r.running {
		r.start(now, load)
	}
	r.load = load
	if r.publish != nil {
		r.publish(load)
	}

	r.lim.SetLimitAt(now, rate.Limit(load))
	if b := r.bucket(load); b != r.lim.Burst() {
		r.lim.SetBurstAt(now, b)
	}

	credit := r.carry
	if load > 0 {
		if n := int(r.lim.TokensAt(now)); n > 0 && r.lim.AllowN(now, n) {
			credit += n
		}
	}
	grant := r.replace + credit
	if grant == 0 {
		return
	}

	if r.sink.SetAvailableLoad(uint32(grant), uint32(load)) {
		r.replace, r.carry = 0, 0
		return
	}
	// Replacements are owed in full; only rate credit is bounded by the
	// bucket.
	r.carry = min(credit, max(r.lim.Burst(), 1))
}

func (r *Rate) start(now time.Time, load int32) {
	b := r.bucket(load)
	// A new limiter starts full; drain it so credit accrues from now. The
	// real limit is applied by the caller, and a zero limit here would
	// consume the burst instead of the tokens.
	r.lim = rate.NewLimiter(1, b)
	r.lim.AllowN(now, b)
	r.carry, r.replace = 0, 0
	r.running = true
}

func (r *Rate) bucket(load int32) int {
	if r.burst > 0 {
		return r.burst
	}
	return int(math.Ceil(float64(load)*r.period.Seconds())) + 1
}

func (r *Rate) ConnectionClosed() {
	if r.running {
		r.replace++
	}
}

func (r *Rate) Load() int32   { return r.load }
func (r *Rate) Running() bool { return r.running }

func (r *Rate) Stop() {
	r.running = false
	r.load = 0
	r.carry, r.replace = 0, 0
	if r.publish != nil {
		r.publish(0)
	}
}
