package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/salvo/internal/block"
	"github.com/seantiz/salvo/internal/client"
	"github.com/seantiz/salvo/internal/model"
	"github.com/seantiz/salvo/internal/reactor"
	"github.com/seantiz/salvo/internal/registration"
	"github.com/seantiz/salvo/internal/stats"
	"github.com/seantiz/salvo/internal/store"
)

// ErrBlockNotFound is returned for operations on an unknown block.
var ErrBlockNotFound = errors.New("block not found")

// Defaults for Options.
const (
	DefaultIOLoops      = 2
	DefaultSyncInterval = time.Second
)

// restorePageSize is the page size used when reloading blocks from the store.
const restorePageSize = 100

// Options tune an Engine.
type Options struct {
	// IOLoops is the number of I/O goroutines blocks are spread across.
	IOLoops int
	// SyncInterval is the cadence of the background stats sync.
	SyncInterval time.Duration
	// Collector exports block stats. Nil uses stats.DefaultCollector.
	Collector *stats.Collector
	Clock     func() time.Time
}

type entry struct {
	blk *block.Block
	// op serializes state-changing operations on one block.
	op sync.Mutex
}

// Engine owns the loops every block runs on, the live blocks, and the
// periodic sync of their stats to the store.
type Engine struct {
	store     store.Store
	clients   *client.Registry
	logger    *slog.Logger
	collector *stats.Collector
	interval  time.Duration
	now       func() time.Time

	ctl     *reactor.Loop
	io      []*reactor.Loop
	persist *reactor.Loop
	next    atomic.Uint32

	broker *EventBroker
	wg     sync.WaitGroup

	mu     sync.Mutex
	blocks map[string]*entry
	clears map[string]bool
}

// NewEngine creates an engine. Run must be active for blocks to make
// progress.
func NewEngine(s store.Store, clients *client.Registry, logger *slog.Logger, opts Options) *Engine {
	if opts.IOLoops <= 0 {
		opts.IOLoops = DefaultIOLoops
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Collector == nil {
		opts.Collector = stats.DefaultCollector
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		store:     s,
		clients:   clients,
		logger:    logger,
		collector: opts.Collector,
		interval:  opts.SyncInterval,
		now:       opts.Clock,
		ctl:       reactor.New("control"),
		persist:   reactor.New("persist"),
		broker:    NewEventBroker(),
		blocks:    make(map[string]*entry),
		clears:    make(map[string]bool),
	}
	for i := range opts.IOLoops {
		e.io = append(e.io, reactor.New(fmt.Sprintf("io-%d", i)))
	}
	return e
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Collector returns the collector exporting the engine's block stats.
func (e *Engine) Collector() *stats.Collector {
	return e.collector
}

// Protocols lists the registered client protocols.
func (e *Engine) Protocols() []string {
	return e.clients.List()
}

// Run drives the control, I/O and persistence loops and the stats sync until
// ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.ctl.Run(gctx) })
	for _, l := range e.io {
		g.Go(func() error { return l.Run(gctx) })
	}
	g.Go(func() error { return e.persist.Run(gctx) })
	g.Go(func() error {
		e.syncLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SyncResults(ctx)
		}
	}
}

func (e *Engine) barrier(ctx context.Context) error {
	return reactor.Barrier(ctx, e.io...)
}

// nextIO spreads blocks round-robin over the I/O loops.
func (e *Engine) nextIO() *reactor.Loop {
	i := e.next.Add(1) - 1
	return e.io[int(i)%len(e.io)]
}

func (e *Engine) newBlock(id string, spec model.BlockSpec) (*block.Block, error) {
	c, err := e.clients.Resolve(spec.Protocol)
	if err != nil {
		return nil, err
	}
	return block.New(block.Config{
		ID:      id,
		Spec:    spec,
		Client:  c,
		Control: e.ctl,
		IO:      e.nextIO(),
		Barrier: e.barrier,
		Logger:  e.logger,
		Clock:   e.now,
	})
}

// CreateBlock validates spec, builds the block and persists its record.
func (e *Engine) CreateBlock(ctx context.Context, spec model.BlockSpec) (*model.Block, error) {
	spec.ApplyDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := model.NewID()
	blk, err := e.newBlock(id, spec)
	if err != nil {
		return nil, err
	}

	rec := &model.Block{
		ID:        id,
		Name:      spec.Name,
		Status:    model.StatusCreated,
		RegState:  registration.NotRegistered.String(),
		Spec:      blk.Spec(),
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateBlock(ctx, rec); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}

	e.attach(id, blk)
	e.logger.Info("block created", "block_id", id, "protocol", spec.Protocol, "load_type", spec.LoadType)
	return rec, nil
}

// Restore rebuilds the live blocks from the store after a restart. Blocks
// recorded as running are marked stopped; their last snapshot seeds the
// counters.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	restored := 0
	for offset := 0; ; offset += restorePageSize {
		recs, total, err := e.store.ListBlocks(ctx, restorePageSize, offset)
		if err != nil {
			return restored, fmt.Errorf("restore blocks: %w", err)
		}
		for _, rec := range recs {
			if e.has(rec.ID) {
				continue
			}
			blk, err := e.newBlock(rec.ID, rec.Spec)
			if err != nil {
				e.logger.Warn("skipping stored block", "block_id", rec.ID, "error", err)
				continue
			}
			if snap, err := e.store.LatestSnapshot(ctx, rec.ID); err == nil {
				blk.Stats().Update(func(s *model.Stats) {
					*s = *snap
					s.IntendedLoad = 0
					s.IntendedRegistrationLoad = 0
					s.ActiveConnections = 0
				})
			} else if !errors.Is(err, store.ErrNotFound) {
				return restored, fmt.Errorf("restore snapshot %s: %w", rec.ID, err)
			}
			if rec.Status == model.StatusRunning {
				e.setStatus(ctx, rec.ID, model.StatusStopped)
			}
			if st, err := registration.ParseState(rec.RegState); err == nil && st.InProgress() {
				e.persist.Do(func() { e.saveRegState(rec.ID, registration.Canceled) })
			}
			e.attach(rec.ID, blk)
			restored++
		}
		if offset+len(recs) >= total || len(recs) == 0 {
			break
		}
	}
	if restored > 0 {
		e.logger.Info("blocks restored", "count", restored)
	}
	return restored, nil
}

func (e *Engine) attach(id string, blk *block.Block) {
	blk.RegisterLoadProfileNotifier(e.loadProfileChanged)
	blk.RegisterRegStateNotifier(e.regStateChanged)
	blk.RegisterRegCompletionNotifier(e.regCompleted)

	e.mu.Lock()
	e.blocks[id] = &entry{blk: blk}
	e.mu.Unlock()
	e.collector.Attach(id, blk.Stats())
}

func (e *Engine) has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocks[id]
	return ok
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.blocks[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return en, nil
}

func (e *Engine) entries() map[string]*entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*entry, len(e.blocks))
	for id, en := range e.blocks {
		out[id] = en
	}
	return out
}

// GetBlock returns the stored record of a block.
func (e *Engine) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	rec, err := e.store.GetBlock(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBlockNotFound
	}
	return rec, err
}

// ListBlocks returns a page of stored block records and the total count.
func (e *Engine) ListBlocks(ctx context.Context, limit, offset int) ([]*model.Block, int, error) {
	return e.store.ListBlocks(ctx, limit, offset)
}

// Start begins load generation on a block. Starting a running block is a
// no-op.
func (e *Engine) Start(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.op.Lock()
	defer en.op.Unlock()

	if en.blk.Running() {
		return nil
	}
	if err := en.blk.Start(); err != nil {
		return err
	}
	e.setStatus(ctx, id, model.StatusRunning)
	return nil
}

// Stop halts a block, persists its final stats and applies any clear that
// was waiting for all blocks to stop. Stopping a stopped block is a no-op.
func (e *Engine) Stop(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.op.Lock()
	defer en.op.Unlock()

	if !en.blk.Running() {
		return nil
	}
	if err := en.blk.Stop(ctx); err != nil {
		return err
	}
	e.setStatus(ctx, id, model.StatusStopped)
	e.flush(ctx, id, en.blk)
	e.applyDeferredClears(ctx)
	return nil
}

func (e *Engine) autoStop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Stop(ctx, id); err != nil && !errors.Is(err, ErrBlockNotFound) {
		e.logger.Error("auto stop failed", "block_id", id, "error", err)
		return
	}
	e.logger.Info("block auto-stopped", "block_id", id)
}

// Register starts bulk registration on a block.
func (e *Engine) Register(id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	return en.blk.Register()
}

// Unregister starts bulk unregistration on a block.
func (e *Engine) Unregister(id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	return en.blk.Unregister()
}

// CancelRegistrations cancels a running registration workflow. It reports
// whether one was running.
func (e *Engine) CancelRegistrations(id string) (bool, error) {
	en, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	return en.blk.CancelRegistrations(), nil
}

// SetDynamicLoad sets a block's dynamic load ceiling.
func (e *Engine) SetDynamicLoad(id string, v int32) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.blk.SetDynamicLoad(v)
	return nil
}

// EnableDynamicLoad switches a block between its profile and the dynamic
// ceiling.
func (e *Engine) EnableDynamicLoad(id string, enabled bool) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.blk.EnableDynamicLoad(enabled)
	return nil
}

// DynamicLoad returns a block's ceiling and whether it is in effect.
func (e *Engine) DynamicLoad(id string) (int32, bool, error) {
	en, err := e.lookup(id)
	if err != nil {
		return 0, false, err
	}
	return en.blk.DynamicLoad(), en.blk.DynamicLoadEnabled(), nil
}

// Stats syncs a block's accumulator and returns the result. A sync that ran
// is persisted; within the minimum sync interval the previous values are
// returned.
func (e *Engine) Stats(ctx context.Context, id string) (model.Stats, error) {
	en, err := e.lookup(id)
	if err != nil {
		return model.Stats{}, err
	}
	s, synced := en.blk.Stats().Sync(e.now())
	if synced {
		e.save(ctx, id, s)
	}
	return s, nil
}

// AggregateStats folds the current values of every block together.
func (e *Engine) AggregateStats() model.Stats {
	var total model.Stats
	for _, en := range e.entries() {
		total.Add(en.blk.Stats().Snapshot())
	}
	return total
}

// Counts returns the number of live blocks and of running ones.
func (e *Engine) Counts() (blocks, running int) {
	for _, en := range e.entries() {
		blocks++
		if en.blk.Running() {
			running++
		}
	}
	return blocks, running
}

// SyncResults syncs every active block and persists the ones that were due.
// Idle blocks were flushed when they went idle.
func (e *Engine) SyncResults(ctx context.Context) {
	now := e.now()
	for id, en := range e.entries() {
		if !en.blk.Running() && !en.blk.RegistrationActive() {
			continue
		}
		if s, synced := en.blk.Stats().Sync(now); synced {
			e.save(ctx, id, s)
		}
	}
}

// ClearResults zeroes a block's counters and deletes its snapshots. While any
// block is running the clear is deferred until the last one stops; deferred
// reports that case.
func (e *Engine) ClearResults(ctx context.Context, id string) (deferred bool, err error) {
	if _, err := e.lookup(id); err != nil {
		return false, err
	}
	if e.anyRunning() {
		e.mu.Lock()
		e.clears[id] = true
		e.mu.Unlock()
		e.logger.Info("clear deferred", "block_id", id)
		return true, nil
	}
	return false, e.clearResults(ctx, id)
}

func (e *Engine) anyRunning() bool {
	for _, en := range e.entries() {
		if en.blk.Running() {
			return true
		}
	}
	return false
}

func (e *Engine) applyDeferredClears(ctx context.Context) {
	if e.anyRunning() {
		return
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.clears))
	for id := range e.clears {
		ids = append(ids, id)
	}
	clear(e.clears)
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.clearResults(ctx, id); err != nil && !errors.Is(err, ErrBlockNotFound) {
			e.logger.Error("deferred clear failed", "block_id", id, "error", err)
		}
	}
}

func (e *Engine) clearResults(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.blk.Stats().Reset()
	if err := e.store.ClearSnapshots(ctx, id); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	e.publish(id, EventCleared, nil)
	e.logger.Info("results cleared", "block_id", id)
	return nil
}

// DeleteBlock closes a block, stopping it first, and removes its record and
// snapshots.
func (e *Engine) DeleteBlock(ctx context.Context, id string) error {
	en, err := e.lookup(id)
	if err != nil {
		return err
	}
	en.op.Lock()
	defer en.op.Unlock()

	if err := en.blk.Close(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.blocks, id)
	delete(e.clears, id)
	e.mu.Unlock()
	e.collector.Detach(id)

	// Pending reg-state writes must land before the row goes away.
	if err := reactor.Barrier(ctx, e.persist); err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if err := e.store.DeleteBlock(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete block: %w", err)
	}
	e.broker.Close(id)
	e.logger.Info("block deleted", "block_id", id)
	return nil
}

// Shutdown closes every block and flushes their stats. Run must still be
// active.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	for id, en := range e.entries() {
		en.op.Lock()
		running := en.blk.Running()
		if err := en.blk.Close(ctx); err != nil {
			errs = append(errs, err)
		} else if running {
			e.setStatus(ctx, id, model.StatusStopped)
		}
		e.flush(ctx, id, en.blk)
		en.op.Unlock()
	}
	e.wg.Wait()
	if err := reactor.Barrier(ctx, e.persist); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) setStatus(ctx context.Context, id, status string) {
	if err := e.store.UpdateBlockStatus(ctx, id, status); err != nil {
		e.logger.Error("failed to update block status", "block_id", id, "status", status, "error", err)
	}
	e.publish(id, EventStatus, map[string]string{"status": status})
}

// flush persists a block's current values regardless of the sync throttle.
func (e *Engine) flush(ctx context.Context, id string, blk *block.Block) {
	s, _ := blk.Stats().Sync(e.now())
	e.save(ctx, id, s)
}

func (e *Engine) save(ctx context.Context, id string, s model.Stats) {
	if err := e.store.SaveSnapshot(ctx, id, s); err != nil {
		e.logger.Error("failed to save stats", "block_id", id, "error", err)
		return
	}
	e.publish(id, EventStats, s)
}

func (e *Engine) publish(id, typ string, data any) {
	e.broker.Publish(Event{Type: typ, BlockID: id, Time: e.now().UTC(), Data: data})
}

func (e *Engine) loadProfileChanged(id string, active bool) {
	e.publish(id, EventLoadProfile, map[string]bool{"active": active})
	if active {
		return
	}
	en, err := e.lookup(id)
	if err != nil {
		return
	}
	if en.blk.Spec().AutoStop && en.blk.Running() {
		// The notifier may run on the control loop, which Stop must not block.
		e.wg.Go(func() { e.autoStop(id) })
	}
}

func (e *Engine) regStateChanged(id string, from, to registration.State) {
	e.persist.Do(func() { e.saveRegState(id, to) })
	e.publish(id, EventRegState, map[string]string{"from": from.String(), "to": to.String()})
}

func (e *Engine) saveRegState(id string, st registration.State) {
	err := e.store.UpdateRegState(context.Background(), id, st.String())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to update reg state", "block_id", id, "reg_state", st.String(), "error", err)
	}
}

func (e *Engine) regCompleted(id string) {
	state := registration.NotRegistered
	if en, err := e.lookup(id); err == nil {
		state = en.blk.RegState()
		e.persist.Do(func() { e.flush(context.Background(), id, en.blk) })
	}
	e.publish(id, EventRegCompleted, map[string]string{"reg_state": state.String()})
	e.logger.Info("registration completed", "block_id", id, "reg_state", state.String())
}
