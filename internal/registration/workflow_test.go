package registration_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/registration"
	"github.com/seantiz/salvo/internal/stats"
)

type transition struct{ from, to registration.State }

type harness struct {
	wf          *registration.Workflow
	acc         *stats.Accumulator
	dispatched  [][]int
	transitions []transition
	stops       int
	completions int
}

func newHarness(total, retries int) *harness {
	h := &harness{acc: stats.New(0)}
	h.wf = registration.New(total, retries, h.acc, registration.Hooks{
		Dispatch: func(_ registration.Op, entities []int) {
			h.dispatched = append(h.dispatched, append([]int(nil), entities...))
		},
		Stop:         func() { h.stops++ },
		StateChanged: func(from, to registration.State) { h.transitions = append(h.transitions, transition{from, to}) },
		Completed:    func() { h.completions++ },
	})
	return h
}

var (
	ok        = client.Result{OK: true}
	retryable = client.Result{Retryable: true, Reason: "timeout"}
	fatal     = client.Result{Reason: "forbidden"}
)

func TestRegisterSucceeds(t *testing.T) {
	h := newHarness(3, 0)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	assert.Equal(t, registration.Registering, h.wf.State())

	assert.Equal(t, 2, h.wf.Grant(2))
	assert.Equal(t, 1, h.wf.Grant(5))
	assert.Zero(t, h.wf.Grant(5), "pool exhausted")
	assert.Equal(t, [][]int{{0, 1}, {2}}, h.dispatched)

	for e := range 3 {
		assert.Equal(t, registration.ResolvedSucceeded, h.wf.Resolve(e, ok, 10*time.Millisecond))
	}

	assert.Equal(t, registration.Succeeded, h.wf.State())
	assert.False(t, h.wf.Running())
	assert.Equal(t, 1, h.completions)
	assert.Equal(t, 1, h.stops)

	s := h.acc.Snapshot()
	assert.Equal(t, uint64(3), s.RegistrationAttempts)
	assert.Equal(t, uint64(3), s.RegistrationSuccesses)
	assert.Equal(t, uint64(30), s.ResponseTimeCumulativeMS)
}

func TestUnregisterEndsNotRegistered(t *testing.T) {
	h := newHarness(1, 0)
	require.NoError(t, h.wf.Begin(registration.OpUnregister))
	h.wf.Grant(1)
	h.wf.Resolve(0, ok, 0)

	assert.Equal(t, []transition{
		{registration.NotRegistered, registration.Unregistering},
		{registration.Unregistering, registration.NotRegistered},
	}, h.transitions)
	assert.Equal(t, 1, h.completions)
}

func TestRetryConsumesBudget(t *testing.T) {
	h := newHarness(2, 1)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	h.wf.Grant(2)

	assert.Equal(t, registration.ResolvedRetrying, h.wf.Resolve(0, retryable, 0))
	assert.Equal(t, registration.ResolvedSucceeded, h.wf.Resolve(1, ok, 0))
	assert.True(t, h.wf.Running(), "a queued retry keeps the run open")
	assert.Equal(t, 1, h.wf.Remaining())

	h.wf.Grant(4)
	assert.Equal(t, []int{0}, h.dispatched[1], "retries are dispatched first")
	assert.Equal(t, registration.ResolvedFailed, h.wf.Resolve(0, retryable, 0), "budget exhausted")

	assert.Equal(t, registration.Failed, h.wf.State())
	assert.Equal(t, 1, h.completions)
	assert.Equal(t, 3, h.wf.Spawned())
	assert.Equal(t, uint64(1), h.acc.Snapshot().RegistrationFailures)
}

func TestFailFastKeepsCounting(t *testing.T) {
	h := newHarness(3, 5)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	h.wf.Grant(3)

	assert.Equal(t, registration.ResolvedFailed, h.wf.Resolve(1, fatal, 0), "non-retryable skips the budget")
	assert.Equal(t, registration.Failed, h.wf.State())
	assert.True(t, h.wf.Running())

	h.wf.Resolve(0, ok, 0)
	h.wf.Resolve(2, ok, 0)
	assert.Equal(t, registration.Failed, h.wf.State())
	assert.Equal(t, 1, h.completions)
	assert.Equal(t, uint64(2), h.acc.Snapshot().RegistrationSuccesses)
}

func TestCancelFromInProgress(t *testing.T) {
	for _, op := range []registration.Op{registration.OpRegister, registration.OpUnregister} {
		t.Run(op.String(), func(t *testing.T) {
			h := newHarness(10, 0)
			require.NoError(t, h.wf.Begin(op))
			h.wf.Grant(4)

			assert.True(t, h.wf.Cancel())
			assert.False(t, h.wf.Cancel(), "second cancel is a no-op")
			assert.Equal(t, registration.Canceled, h.wf.State())
			assert.Equal(t, 1, h.completions)
			assert.Equal(t, 1, h.stops)

			assert.Equal(t, registration.Ignored, h.wf.Resolve(0, ok, 0))
			assert.Zero(t, h.wf.Grant(1))
			assert.Equal(t, 1, h.completions)
		})
	}
}

func TestCancelAfterFailFast(t *testing.T) {
	h := newHarness(4, 0)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	h.wf.Grant(2)
	h.wf.Resolve(0, fatal, 0)

	assert.True(t, h.wf.Cancel())
	assert.Equal(t, registration.Canceled, h.wf.State())
	assert.Equal(t, 1, h.completions)
}

func TestBeginWhileRunning(t *testing.T) {
	h := newHarness(2, 0)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	assert.ErrorIs(t, h.wf.Begin(registration.OpUnregister), registration.ErrActive)
}

func TestEmptyPoolCompletesImmediately(t *testing.T) {
	h := newHarness(0, 0)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	assert.Equal(t, registration.Succeeded, h.wf.State())
	assert.Equal(t, 1, h.completions)
}

func TestRequeueDoesNotSpendBudget(t *testing.T) {
	h := newHarness(3, 0)
	require.NoError(t, h.wf.Begin(registration.OpRegister))
	h.wf.Grant(3)
	h.wf.Requeue([]int{1, 2})

	assert.Equal(t, 1, h.wf.Outstanding())
	assert.Equal(t, uint64(1), h.acc.Snapshot().RegistrationAttempts)

	h.wf.Grant(1)
	assert.Equal(t, []int{1}, h.dispatched[1])
	h.wf.Grant(1)
	for e := range 3 {
		h.wf.Resolve(e, ok, 0)
	}
	assert.Equal(t, registration.Succeeded, h.wf.State())
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to registration.State
		want     bool
	}{
		{registration.NotRegistered, registration.Registering, true},
		{registration.Registering, registration.Succeeded, true},
		{registration.Registering, registration.Canceled, true},
		{registration.Unregistering, registration.NotRegistered, true},
		{registration.Succeeded, registration.Unregistering, true},
		{registration.NotRegistered, registration.Succeeded, false},
		{registration.Succeeded, registration.Canceled, false},
		{registration.Canceled, registration.Failed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, registration.ValidTransition(tt.from, tt.to))
		})
	}
}

func TestStateText(t *testing.T) {
	b, err := registration.Canceled.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "REGISTRATION_CANCELED", string(b))

	var s registration.State
	require.NoError(t, s.UnmarshalText([]byte("registering")))
	assert.Equal(t, registration.Registering, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}
