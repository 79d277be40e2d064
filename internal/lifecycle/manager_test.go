package lifecycle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/index"
	"github.com/seantiz/salvo/internal/lifecycle"
	"github.com/seantiz/salvo/internal/stats"
)

// queueExec defers work until run is called, like an event loop would.
type queueExec struct {
	fns []func()
}

func (q *queueExec) Do(fn func()) { q.fns = append(q.fns, fn) }

func (q *queueExec) run() {
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns = q.fns[1:]
		fn()
	}
}

type resolution struct {
	entity int
	res    client.Result
}

type recorder struct {
	closed   []uint32
	resolved []resolution
}

func (r *recorder) ConnectionClosed(serial uint32) { r.closed = append(r.closed, serial) }

func (r *recorder) RegistrationResolved(entity int, res client.Result, _ time.Duration) {
	r.resolved = append(r.resolved, resolution{entity, res})
}

type fakeConn struct {
	events    client.Events
	pending   bool
	connected bool
	closed    bool
	canceled  bool
	logins    []client.Credentials
	logouts   int
	register  func(client.Result)
	endpoint  client.Endpoint
}

func (c *fakeConn) IsPending() bool   { return c.pending }
func (c *fakeConn) IsConnected() bool { return c.connected }
func (c *fakeConn) Cancel()           { c.canceled = true; c.pending = false }
func (c *fakeConn) Close() error      { c.closed = true; c.connected = false; return nil }

func (c *fakeConn) OnLogin(creds client.Credentials) { c.logins = append(c.logins, creds) }
func (c *fakeConn) OnLogout()                        { c.logouts++ }

func (c *fakeConn) OnRegister(_ client.Credentials, done func(client.Result)) { c.register = done }

func (c *fakeConn) OnUnregister(_ client.Credentials, done func(client.Result)) { c.register = done }

// establish simulates the transport connecting.
func (c *fakeConn) establish() {
	c.pending, c.connected = false, true
	c.events.Connected()
}

// drop simulates a remote close.
func (c *fakeConn) drop() {
	c.pending, c.connected = false, false
	c.events.Closed(io.EOF)
}

type fakeClient struct {
	conns map[uint32]*fakeConn
	fail  bool
}

func newFakeClient() *fakeClient { return &fakeClient{conns: make(map[uint32]*fakeConn)} }

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Connect(_ context.Context, req client.ConnectRequest) (client.Conn, error) {
	if f.fail {
		return nil, errors.New("refused")
	}
	c := &fakeConn{events: req.Events, pending: true, endpoint: req.Endpoint}
	f.conns[req.Serial] = c
	return c, nil
}

type fixture struct {
	mgr    *lifecycle.Manager
	client *fakeClient
	exec   *queueExec
	notify *recorder
	acc    *stats.Accumulator
	logins *index.Allocator
}

func newFixture(t *testing.T, cfg lifecycle.Config) *fixture {
	t.Helper()
	if cfg.Destinations == nil {
		cfg.Destinations = []string{"tcp://127.0.0.1:9000"}
	}
	f := &fixture{
		client: newFakeClient(),
		exec:   &queueExec{},
		notify: &recorder{},
		acc:    stats.New(0),
		logins: index.New(8),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.mgr = lifecycle.NewManager(cfg, f.client, f.exec, f.notify, f.acc, logger, lifecycle.WithLogins(f.logins))
	f.mgr.Start()
	return f
}

func (f *fixture) activeStat() uint64 { return f.acc.Snapshot().ActiveConnections }

func TestSpawnTracksPendingConnections(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})

	require.Equal(t, 3, f.mgr.SpawnConnections(3))
	assert.Equal(t, 3, f.mgr.Active())
	assert.Equal(t, 3, f.mgr.Pending())
	assert.Equal(t, uint64(3), f.activeStat())
	assert.Equal(t, uint64(3), f.acc.Snapshot().AttemptedConnections)
	assert.Equal(t, []uint32{1, 2, 3}, f.mgr.Serials())

	f.client.conns[2].establish()
	f.exec.run()
	assert.Equal(t, 2, f.mgr.Pending())
	assert.Equal(t, uint64(1), f.acc.Snapshot().SuccessfulConnections)
	require.Len(t, f.client.conns[2].logins, 1)
	assert.Equal(t, "user0", f.client.conns[2].logins[0].Username)
	assert.Equal(t, uint(1), f.logins.InUse())
}

func TestSpawnClampsToLimits(t *testing.T) {
	f := newFixture(t, lifecycle.Config{MaxAttempted: 5, MaxOpen: 3})

	assert.Equal(t, 3, f.mgr.SpawnConnections(10), "max open")
	f.mgr.ReapConnections(3)
	assert.Equal(t, 2, f.mgr.SpawnConnections(10), "max attempted")
	assert.Equal(t, 0, f.mgr.SpawnConnections(10))
	assert.Equal(t, uint64(5), f.mgr.Attempted())
}

func TestSpawnRefusedWhenNotAccepting(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.Stop()

	assert.Zero(t, f.mgr.SpawnConnections(4))
	undispatched := f.mgr.SpawnRegistrations(lifecycle.PurposeRegister, []int{0, 1})
	assert.Equal(t, []int{0, 1}, undispatched)
}

func TestImmediateFailureCountsAsAborted(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.client.fail = true

	f.mgr.SpawnConnections(2)
	s := f.acc.Snapshot()
	assert.Equal(t, uint64(2), s.AttemptedConnections)
	assert.Equal(t, uint64(2), s.AbortedConnections)
	assert.Zero(t, s.ActiveConnections)
	assert.Zero(t, f.mgr.Active())
}

func TestReapOldestFirst(t *testing.T) {
	for _, tc := range []struct {
		name   string
		spawn  int
		reap   int
		remain []uint32
	}{
		{"partial", 5, 2, []uint32{3, 4, 5}},
		{"all", 3, 3, []uint32{}},
		{"more than active", 2, 10, []uint32{}},
		{"none", 2, 0, []uint32{1, 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, lifecycle.Config{})
			f.mgr.SpawnConnections(tc.spawn)
			before := f.mgr.Active()

			f.mgr.ReapConnections(tc.reap)
			assert.Equal(t, tc.remain, f.mgr.Serials())
			want := max(0, before-min(tc.reap, before))
			assert.Equal(t, want, f.mgr.Active())
			assert.Equal(t, uint64(want), f.activeStat())
		})
	}
}

func TestReapClassifiesConnections(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.SpawnConnections(2)
	f.client.conns[2].establish()
	f.exec.run()

	f.mgr.ReapAll()
	s := f.acc.Snapshot()
	assert.Equal(t, uint64(1), s.AbortedConnections)
	assert.Equal(t, uint64(1), s.SuccessfulConnections)
	assert.True(t, f.client.conns[1].canceled)
	assert.Equal(t, 1, f.client.conns[2].logouts)
	assert.True(t, f.client.conns[2].closed)
	assert.Zero(t, f.logins.InUse())
	assert.Empty(t, f.notify.closed, "local reaps are not reported")
}

func TestReapObservesTransportState(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.SpawnConnections(1)

	// Connected, but the event is still queued behind the reap.
	f.client.conns[1].establish()
	f.mgr.ReapConnections(1)
	f.exec.run()

	s := f.acc.Snapshot()
	assert.Equal(t, uint64(1), s.SuccessfulConnections)
	assert.Zero(t, s.AbortedConnections)
	assert.Empty(t, f.client.conns[1].logins)
}

func TestUnsolicitedCloseNotifies(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.SpawnConnections(3)
	f.client.conns[1].establish()
	f.exec.run()

	f.client.conns[1].drop()
	f.client.conns[3].drop()
	f.exec.run()

	assert.Equal(t, []uint32{1, 3}, f.notify.closed)
	assert.Equal(t, []uint32{2}, f.mgr.Serials())
	s := f.acc.Snapshot()
	assert.Equal(t, uint64(1), s.ActiveConnections)
	assert.Equal(t, uint64(1), s.SuccessfulConnections)
	assert.Equal(t, uint64(1), s.UnsuccessfulConnections)
	assert.Zero(t, f.logins.InUse())
}

func TestSetIntendedLoadCorrects(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})

	f.mgr.SetIntendedLoad(4)
	assert.Equal(t, 4, f.mgr.Active())
	f.mgr.SetIntendedLoad(1)
	assert.Equal(t, []uint32{4}, f.mgr.Serials())
	f.mgr.SetIntendedLoad(-3)
	assert.Zero(t, f.mgr.Active())
}

func TestDynamicLoadCeiling(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.SpawnConnections(6)

	f.mgr.SetDynamicLoad(4)
	assert.Equal(t, 6, f.mgr.Active(), "ceiling not enforced until enabled")

	f.mgr.EnableDynamicLoad(true)
	assert.Equal(t, []uint32{3, 4, 5, 6}, f.mgr.Serials())

	f.mgr.SetDynamicLoad(10)
	assert.Equal(t, 4, f.mgr.Active(), "a raised ceiling is not spawned immediately")
	assert.Equal(t, 6, f.mgr.SpawnConnections(20))

	f.mgr.SetDynamicLoad(-1)
	ceiling, enabled := f.mgr.DynamicLoad()
	assert.Equal(t, int32(10), ceiling)
	assert.True(t, enabled)

	f.mgr.SetDynamicLoad(0)
	assert.Zero(t, f.mgr.Active())
}

func TestRegistrationResult(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	undispatched := f.mgr.SpawnRegistrations(lifecycle.PurposeRegister, []int{7, 8})
	assert.Empty(t, undispatched)

	f.client.conns[1].establish()
	f.exec.run()
	require.NotNil(t, f.client.conns[1].register)
	assert.Empty(t, f.client.conns[1].logins, "registration connections do not log in")

	f.client.conns[1].register(client.Result{OK: true})
	f.exec.run()
	require.Len(t, f.notify.resolved, 1)
	assert.Equal(t, 7, f.notify.resolved[0].entity)
	assert.True(t, f.notify.resolved[0].res.OK)
	assert.True(t, f.client.conns[1].closed, "resolved connections are retired")
	assert.Equal(t, 1, f.mgr.Active())

	// A registration connection that never connects resolves as retryable.
	f.client.conns[2].drop()
	f.exec.run()
	require.Len(t, f.notify.resolved, 2)
	assert.Equal(t, 8, f.notify.resolved[1].entity)
	assert.False(t, f.notify.resolved[1].res.OK)
	assert.True(t, f.notify.resolved[1].res.Retryable)
	assert.Empty(t, f.notify.closed)
}

func TestRegistrationClampReturnsUndispatched(t *testing.T) {
	f := newFixture(t, lifecycle.Config{MaxOpen: 2})

	undispatched := f.mgr.SpawnRegistrations(lifecycle.PurposeUnregister, []int{0, 1, 2, 3})
	assert.Equal(t, []int{2, 3}, undispatched)
}

func TestRegistrationPastAttemptLimitFails(t *testing.T) {
	f := newFixture(t, lifecycle.Config{MaxAttempted: 2})

	undispatched := f.mgr.SpawnRegistrations(lifecycle.PurposeRegister, []int{0, 1, 2, 3})
	assert.Empty(t, undispatched, "no later grant could dispatch them")
	assert.Equal(t, uint64(2), f.mgr.Attempted())
	require.Len(t, f.notify.resolved, 2)
	for i, r := range f.notify.resolved {
		assert.Equal(t, i+2, r.entity)
		assert.False(t, r.res.OK)
		assert.False(t, r.res.Retryable)
	}
}

func TestStartResetsAttemptBudget(t *testing.T) {
	f := newFixture(t, lifecycle.Config{MaxAttempted: 2})
	f.mgr.SpawnConnections(2)
	require.Zero(t, f.mgr.SpawnConnections(1))

	// Starting again while still accepting opens a new run.
	f.mgr.Start()
	assert.Zero(t, f.mgr.Attempted())
	assert.Empty(t, f.mgr.SpawnRegistrations(lifecycle.PurposeUnregister, []int{5, 6}))
	assert.Empty(t, f.notify.resolved)
	assert.Equal(t, uint64(2), f.mgr.Attempted())
}

func TestCloseReapsAndStopsAccepting(t *testing.T) {
	f := newFixture(t, lifecycle.Config{})
	f.mgr.SpawnConnections(3)

	f.mgr.Close()
	assert.Zero(t, f.mgr.Active())
	assert.False(t, f.mgr.Accepting())
	assert.Zero(t, f.mgr.SpawnConnections(1))
}

func TestEnumeratorRoundRobin(t *testing.T) {
	e := lifecycle.NewEnumerator([]string{"10.0.0.1", "10.0.0.2"}, []string{"a", "b", "c"})
	require.Equal(t, 6, e.Len())

	var got []client.Endpoint
	for range 7 {
		got = append(got, e.Next())
	}
	assert.Equal(t, client.Endpoint{Source: "10.0.0.1", Destination: "a"}, got[0])
	assert.Equal(t, client.Endpoint{Source: "10.0.0.1", Destination: "c"}, got[2])
	assert.Equal(t, client.Endpoint{Source: "10.0.0.2", Destination: "a"}, got[3])
	assert.Equal(t, got[0], got[6])

	e.Reset()
	assert.Equal(t, got[0], e.Next())
}

func TestEnumeratorWithoutSources(t *testing.T) {
	e := lifecycle.NewEnumerator(nil, []string{"a", "b"})
	assert.Equal(t, client.Endpoint{Destination: "a"}, e.Next())
	assert.Equal(t, client.Endpoint{Destination: "b"}, e.Next())
	assert.Equal(t, client.Endpoint{Destination: "a"}, e.Next())
}
