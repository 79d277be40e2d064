// Package block ties one block's load machinery together.
//
// A block has two roles. The control role runs on a control reactor.Loop
// and owns the profile, the schedulers and the registration workflow. The
// I/O role runs on an I/O reactor.Loop and owns the lifecycle manager. The
// roles talk only through two mailboxes: toIO and toCtl.
//
// Control state is also touched by the public API from caller goroutines, so
// it is guarded by mu. Notifier callbacks are queued while mu is held and run
// after it is released.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/index"
	"github.com/seantiz/salvo/internal/lifecycle"
	"github.com/seantiz/salvo/internal/mailbox"
	"github.com/seantiz/salvo/internal/model"
	"github.com/seantiz/salvo/internal/profile"
	"github.com/seantiz/salvo/internal/reactor"
	"github.com/seantiz/salvo/internal/registration"
	"github.com/seantiz/salvo/internal/stats"
	"github.com/seantiz/salvo/internal/strategy"
)

var (
	// ErrRunning is returned when an operation conflicts with a running load.
	ErrRunning = errors.New("block is running")
	// ErrRegistrationActive is returned when an operation conflicts with a
	// registration workflow in progress.
	ErrRegistrationActive = errors.New("registration in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("block is closed")
)

// maxAvailableOutstanding bounds rate grants queued for the I/O goroutine.
const maxAvailableOutstanding = 2

// Config wires a block to its loops and client.
type Config struct {
	ID     string
	Spec   model.BlockSpec
	Client client.Client

	Control *reactor.Loop
	IO      *reactor.Loop
	// Barrier waits until every I/O loop of the process has run the work
	// posted before the call. Nil uses a barrier over IO alone.
	Barrier func(ctx context.Context) error

	Logger *slog.Logger
	// Logins is the login index allocator. Nil gives the block its own.
	Logins *index.Allocator
	Clock  func() time.Time
}

// Block is one load-generation unit.
type Block struct {
	id      string
	spec    model.BlockSpec
	ctl     *reactor.Loop
	barrier func(ctx context.Context) error
	logger  *slog.Logger
	now     func() time.Time

	acc        *stats.Accumulator
	logins     *index.Allocator
	ownsLogins bool

	toIO  *mailbox.Mailbox[ioMessage]
	toCtl *mailbox.Mailbox[ctlMessage]

	// I/O goroutine only.
	mgr *lifecycle.Manager

	availableOut atomic.Int32
	dynamicLoad  atomic.Int32

	// stopMu serializes the shutdown handshake; the mailbox signal is single
	// waiter.
	stopMu sync.Mutex

	mu          sync.Mutex
	profile     *profile.Profile
	sched       *strategy.Scheduler
	regSched    *strategy.Scheduler
	workflow    *registration.Workflow
	stopTick    func()
	stopRegTick func()
	running     bool
	ioActive    bool
	closed      bool
	notes       []func()

	onLoadProfile func(id string, active bool)
	onRegState    func(id string, from, to registration.State)
	onRegDone     func(id string)
}

// New builds a block from a validated spec. No goroutine is started; the
// loops must be run by the caller.
func New(cfg Config) (*Block, error) {
	spec := cfg.Spec
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	kind, err := strategy.ParseKind(spec.LoadType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}
	prof, err := profile.New(spec.Phases)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	b := &Block{
		id:      cfg.ID,
		spec:    spec,
		ctl:     cfg.Control,
		barrier: cfg.Barrier,
		logger:  logger.With("block_id", cfg.ID),
		now:     now,
		acc:     stats.New(stats.MaxStatsAge),
		logins:  cfg.Logins,
		profile: prof,
	}
	if b.barrier == nil {
		b.barrier = func(ctx context.Context) error { return reactor.Barrier(ctx, cfg.IO) }
	}
	if b.logins == nil {
		b.logins = index.New(uint(max(prof.MaxHeight(), 1)))
		b.ownsLogins = true
	}

	b.toIO = mailbox.New[ioMessage](cfg.IO)
	b.toIO.SetMessageDelegate(b.handleIO)
	b.toCtl = mailbox.New[ctlMessage](cfg.Control)
	b.toCtl.SetMessageDelegate(b.handleCtl)

	period := spec.TickPeriod()
	load := strategy.New(kind, loadSink{b}, loadSink{b}, b.acc.SetIntendedLoad, period, spec.Burst)
	b.sched = strategy.NewScheduler(prof, load, period)
	b.sched.SetDynamicSource(b.dynamicLoad.Load)
	b.sched.SetEnableDynamicLoad(spec.UseDynamicLoad)
	b.dynamicLoad.Store(max(spec.DynamicLoad, 0))
	prof.SetActiveStateChangeDelegate(b.profileStateChanged)

	regs := strategy.NewRate(regSink{b}, b.acc.SetIntendedRegistrationLoad, period, spec.Registration.BurstSize)
	b.regSched = strategy.NewScheduler(strategy.Constant(spec.Registration.RegsPerSecond), regs, period)

	entities := spec.Registration.Entities
	if entities == 0 {
		entities = int(prof.MaxHeight())
	}
	b.workflow = registration.New(entities, spec.Registration.Retries, b.acc, registration.Hooks{
		Dispatch:     b.dispatchRegistrations,
		Stop:         b.stopRegistrationTicks,
		StateChanged: b.regStateChanged,
		Completed:    b.regCompleted,
	})

	b.mgr = lifecycle.NewManager(lifecycle.Config{
		Block:        cfg.ID,
		Sources:      spec.Sources,
		Destinations: spec.Destinations,
		MaxAttempted: spec.MaxConnectionsAttempted,
		MaxOpen:      spec.MaxOpenConnections,
		Credentials:  spec.Credentials.For,
	}, cfg.Client, cfg.IO, ioNotifier{b}, b.acc, logger,
		lifecycle.WithLogins(b.logins), lifecycle.WithClock(now))
	// Nothing runs on the I/O loop for this block yet.
	b.mgr.SetDynamicLoad(b.dynamicLoad.Load())
	b.mgr.EnableDynamicLoad(spec.UseDynamicLoad)

	return b, nil
}

// ID returns the block id.
func (b *Block) ID() string { return b.id }

// Spec returns the block spec with defaults applied.
func (b *Block) Spec() model.BlockSpec { return b.spec }

// Stats returns the block's accumulator.
func (b *Block) Stats() *stats.Accumulator { return b.acc }

// Running reports whether load generation is started.
func (b *Block) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// RegState returns the aggregate registration state.
func (b *Block) RegState() registration.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflow.State()
}

// RegistrationActive reports whether a registration workflow is running.
func (b *Block) RegistrationActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.workflow.Running()
}

// MaxHeight returns the profile's maximum achievable load.
func (b *Block) MaxHeight() int32 { return b.profile.MaxHeight() }

// RegisterLoadProfileNotifier installs the callback fired when the load
// profile becomes active or inactive.
func (b *Block) RegisterLoadProfileNotifier(fn func(id string, active bool)) {
	b.mu.Lock()
	b.onLoadProfile = fn
	b.mu.Unlock()
}

// RegisterRegStateNotifier installs the callback fired on every registration
// state change.
func (b *Block) RegisterRegStateNotifier(fn func(id string, from, to registration.State)) {
	b.mu.Lock()
	b.onRegState = fn
	b.mu.Unlock()
}

// RegisterRegCompletionNotifier installs the callback fired once per
// finished registration workflow.
func (b *Block) RegisterRegCompletionNotifier(fn func(id string)) {
	b.mu.Lock()
	b.onRegDone = fn
	b.mu.Unlock()
}

// Start begins load generation. Starting a running block is a no-op.
func (b *Block) Start() error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrClosed
	case b.running:
		b.mu.Unlock()
		return nil
	case b.workflow.Running():
		b.mu.Unlock()
		return ErrRegistrationActive
	}

	now := b.now()
	b.running = true
	b.ioActive = true
	b.availableOut.Store(0)
	b.sendIO(ioMessage{kind: ioStart})
	b.profile.Activate(now)
	b.sched.Start(now)
	b.stopTick = b.ctl.Every(b.sched.Period(), b.tick)
	notes := b.takeNotes()
	b.mu.Unlock()

	b.logger.Info("block started", "load_type", b.spec.LoadType, "max_height", b.profile.MaxHeight())
	runNotes(notes)
	return nil
}

// Stop halts load generation and closes every connection. It returns once
// the I/O goroutine has acknowledged both shutdown phases. Stopping a stopped
// block is a no-op.
func (b *Block) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.stopLoadTicks()
	b.profile.Deactivate()
	b.acc.SetIntendedLoad(0)
	notes := b.takeNotes()
	b.mu.Unlock()

	runNotes(notes)
	if err := b.shutdown(ctx); err != nil {
		return err
	}
	b.logger.Info("block stopped")
	return nil
}

// shutdown runs the two-phase handshake with the I/O goroutine. The caller
// holds stopMu.
func (b *Block) shutdown(ctx context.Context) error {
	b.sendIO(ioMessage{kind: ioStop})
	if err := b.toIO.WaitContext(ctx); err != nil {
		return fmt.Errorf("stop block %s: %w", b.id, err)
	}
	// Every I/O loop drains its in-flight callbacks before anything closes.
	if err := b.barrier(ctx); err != nil {
		return fmt.Errorf("stop block %s: barrier: %w", b.id, err)
	}
	b.sendIO(ioMessage{kind: ioClose})
	if err := b.toIO.WaitContext(ctx); err != nil {
		return fmt.Errorf("close block %s: %w", b.id, err)
	}

	b.mu.Lock()
	b.ioActive = false
	b.mu.Unlock()
	return nil
}

// Close cancels any registration workflow, stops the block and releases its
// resources. The block cannot be restarted.
func (b *Block) Close(ctx context.Context) error {
	b.CancelRegistrations()
	if err := b.Stop(ctx); err != nil {
		return err
	}

	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	active := b.ioActive
	b.mu.Unlock()

	if active {
		if err := b.shutdown(ctx); err != nil {
			return err
		}
	}
	if b.ownsLogins {
		b.logins.Teardown()
	}
	return nil
}

// Register starts a bulk registration run.
func (b *Block) Register() error {
	return b.beginRegistration(registration.OpRegister)
}

// Unregister starts a bulk unregistration run.
func (b *Block) Unregister() error {
	return b.beginRegistration(registration.OpUnregister)
}

func (b *Block) beginRegistration(op registration.Op) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrClosed
	case b.running:
		b.mu.Unlock()
		return ErrRunning
	case b.workflow.Running():
		b.mu.Unlock()
		return ErrRegistrationActive
	}

	b.ioActive = true
	b.sendIO(ioMessage{kind: ioStart})
	if err := b.workflow.Begin(op); err != nil {
		b.mu.Unlock()
		return err
	}
	if b.workflow.Running() {
		now := b.now()
		b.regSched.Start(now)
		b.stopRegTick = b.ctl.Every(b.regSched.Period(), b.regTick)
	}
	notes := b.takeNotes()
	b.mu.Unlock()

	b.logger.Info("registration started", "op", op.String(), "entities", b.workflow.Total())
	runNotes(notes)
	return nil
}

// CancelRegistrations stops a running workflow and reaps its in-flight
// connections. The state becomes REGISTRATION_CANCELED and the completion
// notifier fires once. It reports whether a workflow was running.
func (b *Block) CancelRegistrations() bool {
	b.mu.Lock()
	if !b.workflow.Running() {
		b.mu.Unlock()
		return false
	}
	b.workflow.Cancel()
	b.sendIO(ioMessage{kind: ioReapAll})
	notes := b.takeNotes()
	b.mu.Unlock()

	b.logger.Info("registration canceled")
	runNotes(notes)
	return true
}

// SetDynamicLoad sets the load ceiling used while dynamic load is enabled.
// Negative values are ignored.
func (b *Block) SetDynamicLoad(v int32) {
	if v < 0 {
		return
	}
	b.dynamicLoad.Store(v)
	b.sendIO(ioMessage{kind: ioDynamic, value: v})
}

// DynamicLoad returns the configured ceiling.
func (b *Block) DynamicLoad() int32 { return b.dynamicLoad.Load() }

// EnableDynamicLoad switches the scheduler between the profile and the
// dynamic ceiling.
func (b *Block) EnableDynamicLoad(enabled bool) {
	b.mu.Lock()
	b.sched.SetEnableDynamicLoad(enabled)
	b.mu.Unlock()
	b.sendIO(ioMessage{kind: ioEnableDynamic, enabled: enabled})
}

// DynamicLoadEnabled reports whether the dynamic ceiling drives the load.
func (b *Block) DynamicLoadEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched.DynamicLoadEnabled()
}

func (b *Block) tick() {
	b.mu.Lock()
	b.sched.Tick(b.now())
	notes := b.takeNotes()
	b.mu.Unlock()
	runNotes(notes)
}

func (b *Block) regTick() {
	b.mu.Lock()
	b.regSched.Tick(b.now())
	notes := b.takeNotes()
	b.mu.Unlock()
	runNotes(notes)
}

// stopLoadTicks runs with mu held.
func (b *Block) stopLoadTicks() {
	if b.stopTick != nil {
		b.stopTick()
		b.stopTick = nil
	}
	b.sched.Stop()
}

// stopRegistrationTicks is the workflow's Stop hook; mu is held.
func (b *Block) stopRegistrationTicks() {
	if b.stopRegTick != nil {
		b.stopRegTick()
		b.stopRegTick = nil
	}
	b.regSched.Stop()
}

// profileStateChanged runs with mu held, from Activate, Deactivate or a tick
// that ran past the end of the profile.
func (b *Block) profileStateChanged(active bool) {
	if !active && b.sched.Running() {
		// The profile ran out while the block is running: force the load to
		// zero and let the owner decide whether to stop.
		b.stopLoadTicks()
		b.sendIO(ioMessage{kind: ioIntended, value: 0})
		b.logger.Info("load profile finished")
	}
	if fn := b.onLoadProfile; fn != nil {
		id := b.id
		b.notes = append(b.notes, func() { fn(id, active) })
	}
}

func (b *Block) dispatchRegistrations(op registration.Op, entities []int) {
	p := lifecycle.PurposeRegister
	if op == registration.OpUnregister {
		p = lifecycle.PurposeUnregister
	}
	b.sendIO(ioMessage{kind: ioRegister, purpose: p, entities: entities})
}

func (b *Block) regStateChanged(from, to registration.State) {
	b.logger.Info("registration state changed", "from", from.String(), "to", to.String())
	if fn := b.onRegState; fn != nil {
		id := b.id
		b.notes = append(b.notes, func() { fn(id, from, to) })
	}
}

func (b *Block) regCompleted() {
	if fn := b.onRegDone; fn != nil {
		id := b.id
		b.notes = append(b.notes, func() { fn(id) })
	}
}

func (b *Block) takeNotes() []func() {
	notes := b.notes
	b.notes = nil
	return notes
}

func runNotes(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}

func (b *Block) sendIO(m ioMessage) {
	msg := b.toIO.Allocate()
	*msg = m
	b.toIO.Send(msg)
}

// handleIO runs on the I/O goroutine.
func (b *Block) handleIO(msg *ioMessage) {
	switch msg.kind {
	case ioStart:
		b.mgr.Start()
	case ioStop:
		b.mgr.Stop()
		b.toIO.Signal()
	case ioClose:
		b.mgr.Close()
		b.toIO.Signal()
	case ioIntended:
		b.mgr.SetIntendedLoad(msg.value)
	case ioAvailable:
		b.availableOut.Add(-1)
		b.mgr.SpawnConnections(int(msg.value))
	case ioDynamic:
		b.mgr.SetDynamicLoad(msg.value)
	case ioEnableDynamic:
		b.mgr.EnableDynamicLoad(msg.enabled)
	case ioRegister:
		if rest := b.mgr.SpawnRegistrations(msg.purpose, msg.entities); len(rest) > 0 {
			out := b.toCtl.Allocate()
			out.kind = ctlUndispatched
			out.entities = append([]int(nil), rest...)
			b.toCtl.Send(out)
		}
	case ioReapAll:
		b.mgr.ReapAll()
	}
}

// handleCtl runs on the control goroutine.
func (b *Block) handleCtl(msg *ctlMessage) {
	b.mu.Lock()
	switch msg.kind {
	case ctlClosed:
		if b.sched.Running() {
			b.sched.Strategy().ConnectionClosed()
		}
	case ctlResolved:
		r := b.workflow.Resolve(msg.entity, msg.result, msg.latency)
		if r == registration.ResolvedFailed {
			b.logger.Debug("registration failed", "entity", msg.entity, "reason", msg.result.Reason)
		}
	case ctlUndispatched:
		b.workflow.Requeue(msg.entities)
	}
	notes := b.takeNotes()
	b.mu.Unlock()
	runNotes(notes)
}
