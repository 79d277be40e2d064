// Package lifecycle spawns, tracks, ages and reaps a block's simulated
// connections.
//
// A Manager is owned by one I/O goroutine. Every method must be called on
// that goroutine, and transport events are routed back onto it through the
// Executor. Handles never leave the manager; only serials cross goroutines.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/index"
	"github.com/seantiz/salvo/internal/model"
	"github.com/seantiz/salvo/internal/stats"
)

var errAttemptLimit = errors.New("connection attempt limit reached")

// Purpose tags what a connection was spawned for.
type Purpose int

const (
	PurposeLoad Purpose = iota
	PurposeRegister
	PurposeUnregister
)

func (p Purpose) String() string {
	switch p {
	case PurposeLoad:
		return "load"
	case PurposeRegister:
		return "register"
	case PurposeUnregister:
		return "unregister"
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// Executor runs fn on the goroutine that owns the manager.
type Executor interface {
	Do(fn func())
}

// Notifier receives the manager's outbound events. Implementations forward
// them to the control goroutine.
type Notifier interface {
	// ConnectionClosed reports an unsolicited close of a load connection.
	ConnectionClosed(serial uint32)
	// RegistrationResolved reports the result for one registration entity.
	RegistrationResolved(entity int, res client.Result, latency time.Duration)
}

// Config holds the per-block limits and addressing.
type Config struct {
	Block        string
	Sources      []string
	Destinations []string
	// MaxAttempted caps connection attempts per run. Zero is unlimited.
	MaxAttempted uint32
	// MaxOpen caps simultaneously open connections. Zero is unlimited.
	MaxOpen uint32
	// Credentials derives the identity bound to a login or entity index.
	Credentials func(index uint32) (username, password string)
}

// Handle is the manager's record of one connection.
type Handle struct {
	serial  uint32
	conn    client.Conn
	purpose Purpose
	entity  int

	login    uint
	hasLogin bool

	pending   bool
	connected bool
	// complete is set once the attempt has been counted as successful or
	// unsuccessful.
	complete bool
	resolved bool

	issuedAt  time.Time
	startedAt time.Time
}

// Serial returns the handle's serial.
func (h *Handle) Serial() uint32 { return h.serial }

// Manager is the connection lifecycle manager of one block.
type Manager struct {
	cfg    Config
	client client.Client
	exec   Executor
	notify Notifier
	acc    *stats.Accumulator
	logins *index.Allocator
	logger *slog.Logger
	now    func() time.Time

	endpoints *Enumerator
	conns     map[uint32]*Handle
	aging     *agingQueue
	serial    uint32
	attempted uint64
	pending   int

	accepting bool
	ctx       context.Context
	cancel    context.CancelFunc

	dynamicEnabled bool
	ceiling        int32
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogins binds load connections to indices from a.
func WithLogins(a *index.Allocator) Option {
	return func(m *Manager) { m.logins = a }
}

// NewManager creates a manager. It accepts no work until Start.
func NewManager(cfg Config, c client.Client, exec Executor, notify Notifier, acc *stats.Accumulator, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.Credentials == nil {
		creds := model.Credentials{UsernameFormat: "user%d", UsernameStep: 1, PasswordFormat: "pass%d", PasswordStep: 1}
		cfg.Credentials = creds.For
	}
	m := &Manager{
		cfg:       cfg,
		client:    c,
		exec:      exec,
		notify:    notify,
		acc:       acc,
		logger:    logger.With("block_id", cfg.Block),
		now:       time.Now,
		endpoints: NewEnumerator(cfg.Sources, cfg.Destinations),
		conns:     make(map[uint32]*Handle),
		aging:     newAgingQueue(),
		ctx:       context.Background(),
		cancel:    func() {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins accepting spawn requests. Every call opens a new run: the
// attempt budget and the endpoint rotation restart even when the manager
// was already accepting.
func (m *Manager) Start() {
	m.endpoints.Reset()
	m.attempted = 0
	if m.accepting {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.accepting = true
}

// Stop refuses further spawns. Open connections are left alone.
func (m *Manager) Stop() {
	m.accepting = false
}

// Close stops accepting, reaps every connection and aborts in-flight dials.
func (m *Manager) Close() {
	m.accepting = false
	n := m.ReapAll()
	m.cancel()
	if n > 0 {
		m.logger.Info("closed connections", "count", n)
	}
}

// Accepting reports whether spawns are allowed.
func (m *Manager) Accepting() bool { return m.accepting }

// Active returns the number of tracked connections, pending ones included.
func (m *Manager) Active() int { return len(m.conns) }

// Pending returns the number of connects still in progress.
func (m *Manager) Pending() int { return m.pending }

// Attempted returns the connection attempts issued since Start.
func (m *Manager) Attempted() uint64 { return m.attempted }

// Serials returns the live serials, oldest first.
func (m *Manager) Serials() []uint32 { return m.aging.serials() }

// SetIntendedLoad applies a static target: it spawns or reaps the difference
// between target and the active count.
func (m *Manager) SetIntendedLoad(target int32) {
	if !m.accepting {
		return
	}
	switch delta := int(max(target, 0)) - len(m.conns); {
	case delta > 0:
		m.SpawnConnections(delta)
	case delta < 0:
		m.ReapConnections(-delta)
	}
}

// SpawnConnections issues up to n load connections and returns the number
// of attempts made.
func (m *Manager) SpawnConnections(n int) int {
	n = m.clamp(n)
	for i := 0; i < n; i++ {
		m.spawn(PurposeLoad, -1)
	}
	return n
}

// SpawnRegistrations issues one connection per entity and returns the
// entities that could not be dispatched because of the open or dynamic
// limits. Once the attempt budget of the run is spent no later grant can
// dispatch them, so the rest are resolved as non-retryable failures instead.
func (m *Manager) SpawnRegistrations(p Purpose, entities []int) (undispatched []int) {
	n := m.clamp(len(entities))
	for _, e := range entities[:n] {
		m.spawn(p, e)
	}
	rest := entities[n:]
	if len(rest) == 0 || !m.accepting || !m.attemptsExhausted() {
		return rest
	}
	for _, e := range rest {
		m.notify.RegistrationResolved(e, client.Result{Reason: errAttemptLimit.Error()}, 0)
	}
	m.logger.Debug("attempt limit reached", "purpose", p.String(), "failed", len(rest))
	return nil
}

func (m *Manager) attemptsExhausted() bool {
	return m.cfg.MaxAttempted > 0 && m.attempted >= uint64(m.cfg.MaxAttempted)
}

func (m *Manager) clamp(n int) int {
	if !m.accepting || n <= 0 {
		return 0
	}
	if m.cfg.MaxAttempted > 0 {
		n = min(n, int(int64(m.cfg.MaxAttempted)-int64(m.attempted)))
	}
	if m.cfg.MaxOpen > 0 {
		n = min(n, int(m.cfg.MaxOpen)-len(m.conns))
	}
	if m.dynamicEnabled {
		n = min(n, int(m.ceiling)-len(m.conns))
	}
	return max(n, 0)
}

func (m *Manager) spawn(p Purpose, entity int) {
	m.serial++
	serial := m.serial
	m.attempted++
	connectionsSpawned.WithLabelValues(p.String()).Inc()

	req := client.ConnectRequest{
		Serial:   serial,
		Endpoint: m.endpoints.Next(),
		Events: client.Events{
			Connected: func() { m.exec.Do(func() { m.onConnected(serial) }) },
			Closed:    func(err error) { m.exec.Do(func() { m.onClosed(serial, err) }) },
		},
	}

	conn, err := m.client.Connect(m.ctx, req)
	if err != nil {
		m.acc.Update(func(s *model.Stats) {
			s.AttemptedConnections++
			s.AbortedConnections++
		})
		connectionsClosed.WithLabelValues(p.String(), reasonFailed).Inc()
		m.logger.Debug("connect failed", "serial", serial, "destination", req.Endpoint.Destination, "error", err)
		if p != PurposeLoad {
			m.notify.RegistrationResolved(entity, client.Result{Retryable: true, Reason: err.Error()}, 0)
		}
		return
	}

	h := &Handle{
		serial:   serial,
		conn:     conn,
		purpose:  p,
		entity:   entity,
		pending:  true,
		issuedAt: m.now(),
	}
	m.conns[serial] = h
	m.aging.push(serial)
	m.pending++
	m.acc.Update(func(s *model.Stats) {
		s.AttemptedConnections++
		s.ActiveConnections = uint64(len(m.conns))
	})
}

func (m *Manager) onConnected(serial uint32) {
	h, ok := m.conns[serial]
	if !ok || h.connected {
		return
	}
	m.markConnected(h)

	switch h.purpose {
	case PurposeLoad:
		idx := uint(serial)
		if m.logins != nil {
			idx = m.logins.Assign()
			h.login, h.hasLogin = idx, true
		}
		h.conn.OnLogin(m.credentials(uint32(idx)))
	case PurposeRegister, PurposeUnregister:
		h.startedAt = m.now()
		done := func(res client.Result) { m.exec.Do(func() { m.onResult(serial, res) }) }
		creds := m.credentials(uint32(h.entity))
		if h.purpose == PurposeRegister {
			h.conn.OnRegister(creds, done)
		} else {
			h.conn.OnUnregister(creds, done)
		}
	}
}

func (m *Manager) markConnected(h *Handle) {
	if h.pending {
		h.pending = false
		m.pending--
	}
	h.connected = true
	connectDuration.Observe(m.now().Sub(h.issuedAt).Seconds())
	if !h.complete {
		h.complete = true
		m.acc.Update(func(s *model.Stats) { s.SuccessfulConnections++ })
	}
}

func (m *Manager) onClosed(serial uint32, err error) {
	h, ok := m.conns[serial]
	if !ok {
		return
	}
	m.remove(h)
	neverCompleted := !h.complete
	h.complete = true
	m.acc.Update(func(s *model.Stats) {
		if neverCompleted {
			s.UnsuccessfulConnections++
		}
		s.ActiveConnections = uint64(len(m.conns))
	})
	connectionsClosed.WithLabelValues(h.purpose.String(), reasonRemote).Inc()
	m.logger.Debug("connection closed", "serial", serial, "connected", h.connected, "error", err)

	if h.purpose == PurposeLoad {
		m.notify.ConnectionClosed(serial)
		return
	}
	if !h.resolved {
		h.resolved = true
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		m.notify.RegistrationResolved(h.entity, client.Result{Retryable: !h.connected, Reason: reason}, 0)
	}
}

func (m *Manager) onResult(serial uint32, res client.Result) {
	h, ok := m.conns[serial]
	if !ok || h.resolved {
		return
	}
	h.resolved = true
	m.notify.RegistrationResolved(h.entity, res, m.now().Sub(h.startedAt))
	m.release(h, reasonRetire)
}

// ReapConnections retires up to n of the oldest connections and returns the
// number retired.
func (m *Manager) ReapConnections(n int) int {
	reaped := 0
	for reaped < n {
		serial, ok := m.aging.oldest()
		if !ok {
			break
		}
		m.release(m.conns[serial], reasonReaped)
		reaped++
	}
	return reaped
}

// ReapAll retires every connection.
func (m *Manager) ReapAll() int {
	return m.ReapConnections(len(m.conns))
}

// release is the local close path. Events still queued for the handle find
// it gone and are dropped.
func (m *Manager) release(h *Handle, reason string) {
	if h.pending {
		h.conn.Cancel()
	}
	connected := h.connected || h.conn.IsConnected()
	if connected && !h.connected {
		m.markConnected(h)
	}
	aborted := !connected && !h.complete
	h.complete = true

	if connected && h.purpose == PurposeLoad {
		h.conn.OnLogout()
	}
	m.remove(h)
	if err := h.conn.Close(); err != nil {
		m.logger.Debug("close connection", "serial", h.serial, "error", err)
	}
	m.acc.Update(func(s *model.Stats) {
		if aborted {
			s.AbortedConnections++
		}
		s.ActiveConnections = uint64(len(m.conns))
	})
	connectionsClosed.WithLabelValues(h.purpose.String(), reason).Inc()
}

func (m *Manager) remove(h *Handle) {
	delete(m.conns, h.serial)
	m.aging.remove(h.serial)
	if h.pending {
		h.pending = false
		m.pending--
	}
	if h.hasLogin {
		m.logins.Release(h.login)
		h.hasLogin = false
	}
}

func (m *Manager) credentials(idx uint32) client.Credentials {
	user, pass := m.cfg.Credentials(idx)
	return client.Credentials{Index: idx, Username: user, Password: pass}
}

// SetDynamicLoad sets the load ceiling. Negative values are ignored. When
// dynamic load is enabled a ceiling below the active count reaps the excess
// at once; a raised ceiling is filled by later ticks.
func (m *Manager) SetDynamicLoad(v int32) {
	if v < 0 {
		return
	}
	m.ceiling = v
	if m.dynamicEnabled {
		m.applyCeiling()
	}
}

// EnableDynamicLoad switches the ceiling on or off.
func (m *Manager) EnableDynamicLoad(enabled bool) {
	m.dynamicEnabled = enabled
	if enabled {
		m.applyCeiling()
	}
}

// DynamicLoad returns the ceiling and whether it is enforced.
func (m *Manager) DynamicLoad() (int32, bool) {
	return m.ceiling, m.dynamicEnabled
}

func (m *Manager) applyCeiling() {
	if over := len(m.conns) - int(m.ceiling); over > 0 {
		m.logger.Info("dynamic load reap", "ceiling", m.ceiling, "count", over)
		m.ReapConnections(over)
	}
}
