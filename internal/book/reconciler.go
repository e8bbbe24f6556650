// Package book rebuilds local order books from REST snapshots and the diff
// stream, and resynchronizes them when the stream loses updates.
package book

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"spot-connect/internal/backoff"
	"spot-connect/internal/core"
	"spot-connect/internal/metrics"
	"spot-connect/internal/stream"
)

const (
	defaultSnapshotDepth = 1000
	defaultBufferLimit   = 4096
)

var (
	errUntracked     = errors.New("symbol not tracked")
	errStaleSnapshot = errors.New("snapshot older than buffered diffs")
)

// SnapshotFetcher loads a REST depth snapshot. *binance.Client satisfies it.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol core.Symbol, depth int) (core.OrderBookSnapshot, error)
}

// SyncReporter is told when every tracked book of a stream generation is
// synced, and when that stops being true. *stream.Session satisfies it.
type SyncReporter interface {
	ReportSync(generation uint64, synced bool)
}

type Options struct {
	Fetcher       SnapshotFetcher
	Reporter      SyncReporter
	Policy        SequencePolicy
	SnapshotDepth int
	BufferLimit   int
	// RetryBackoff spaces out snapshot refetches after failures.
	RetryBackoff backoff.Policy
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type symbolState struct {
	symbol core.Symbol
	// buffer holds diffs received while no book exists, in wire order.
	buffer deque.Deque[core.DiffEvent]
	book   *localBook
	// firstAfterSnapshot is set until the first diff is applied to a new book.
	firstAfterSnapshot bool
	// epoch invalidates snapshot fetches started before the latest request.
	epoch    uint64
	inFlight bool
	failures int
}

type snapshotResult struct {
	symbol core.Symbol
	epoch  uint64
	snap   core.OrderBookSnapshot
	err    error
}

// Reconciler owns one local book per tracked symbol. Books are mutated only
// from Run (or direct OnSnapshot/OnDiff calls); queries may come from any
// goroutine.
type Reconciler struct {
	fetcher     SnapshotFetcher
	reporter    SyncReporter
	policy      SequencePolicy
	depth       int
	bufferLimit int
	retry       backoff.Policy
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu         sync.RWMutex
	symbols    map[core.Symbol]*symbolState
	generation uint64
	fetchCtx   context.Context
	wg         sync.WaitGroup

	results chan snapshotResult

	reported    bool
	reportedGen uint64
	hasReported bool
}

func NewReconciler(opts Options) *Reconciler {
	if opts.Policy == nil {
		opts.Policy = BinanceSpotPolicy{}
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = defaultSnapshotDepth
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = defaultBufferLimit
	}
	if opts.RetryBackoff.Max <= 0 {
		opts.RetryBackoff = backoff.New(500*time.Millisecond, 30*time.Second, 0.2)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Reconciler{
		fetcher:     opts.Fetcher,
		reporter:    opts.Reporter,
		policy:      opts.Policy,
		depth:       opts.SnapshotDepth,
		bufferLimit: opts.BufferLimit,
		retry:       opts.RetryBackoff,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("book"),
		metrics:     opts.Metrics,
		symbols:     make(map[core.Symbol]*symbolState),
		results:     make(chan snapshotResult),
	}
}

// Run consumes session events until the channel closes or ctx is done.
// A snapshot fetch rejected with core.ErrUnauthorized ends Run with that
// error; other fetch failures are retried. Books do not outlive Run.
func (r *Reconciler) Run(ctx context.Context, events <-chan stream.Event) error {
	if r.fetcher == nil {
		return errors.New("reconciler has no snapshot fetcher")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.fetchCtx = ctx
	for _, st := range r.symbols {
		if st.inFlight {
			r.launch(st, 0)
		}
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.fetchCtx = nil
		r.dropAllLocked("stopped")
		r.mu.Unlock()
		cancel()
		r.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handleEvent(ev)
		case res := <-r.results:
			if err := r.handleResult(res); err != nil {
				return err
			}
		}
		r.reportSync()
	}
}

// Track starts a book for symbol and requests its snapshot.
func (r *Reconciler) Track(symbol core.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackLocked(symbol, "subscribe")
}

func (r *Reconciler) Untrack(symbol core.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.untrackLocked(symbol)
}

func (r *Reconciler) handleEvent(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Kind {
	case stream.EventReset:
		r.generation = ev.Generation
		keep := make(map[core.Symbol]struct{}, len(ev.Symbols))
		for _, sym := range ev.Symbols {
			keep[sym] = struct{}{}
		}
		for sym := range r.symbols {
			if _, ok := keep[sym]; !ok {
				r.untrackLocked(sym)
			}
		}
		// Diffs from the old connection cannot be continued by the new one.
		for _, sym := range ev.Symbols {
			if st, ok := r.symbols[sym]; ok {
				r.invalidate(st)
				r.requestSnapshot(st, "reconnect")
				continue
			}
			r.trackLocked(sym, "subscribe")
		}
	case stream.EventDisconnect:
		r.dropAllLocked("disconnect")
	case stream.EventAdd:
		for _, sym := range ev.Symbols {
			r.trackLocked(sym, "subscribe")
		}
	case stream.EventRemove:
		for _, sym := range ev.Symbols {
			r.untrackLocked(sym)
		}
	case stream.EventDiff:
		st, ok := r.symbols[ev.Diff.Symbol]
		if !ok {
			return
		}
		if err := r.onDiffLocked(st, ev.Diff); err != nil {
			r.logger.Info("book_resync", zap.Stringer("symbol", st.symbol), zap.Error(err))
		}
	}
}

func (r *Reconciler) handleResult(res snapshotResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.symbols[res.symbol]
	if !ok || st.epoch != res.epoch {
		return nil
	}
	if res.err != nil {
		if errors.Is(res.err, core.ErrUnauthorized) {
			return fmt.Errorf("snapshot %s: %w", res.symbol, res.err)
		}
		delay := r.retry.NextDelay(st.failures)
		st.failures++
		r.logger.Warn("book_snapshot_failed",
			zap.Stringer("symbol", st.symbol),
			zap.Int("failures", st.failures),
			zap.Duration("retry_in", delay),
			zap.Error(res.err),
		)
		r.launch(st, delay)
		return nil
	}
	if err := r.applySnapshot(st, res.snap); err != nil {
		r.logger.Info("book_snapshot_rejected", zap.Stringer("symbol", st.symbol), zap.Error(err))
	}
	return nil
}

// OnSnapshot installs snap as the book for its symbol and replays buffered
// diffs newer than it. A snapshot older than the oldest buffered diff is
// discarded and a fresh one requested.
func (r *Reconciler) OnSnapshot(snap core.OrderBookSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.symbols[snap.Symbol]
	if !ok {
		return fmt.Errorf("%s: %w", snap.Symbol, errUntracked)
	}
	return r.applySnapshot(st, snap)
}

// OnDiff buffers ev until the symbol has a book, then applies it. It returns
// an error wrapping core.ErrGapDetected when updates were lost; the book is
// discarded and one resync requested before it returns.
func (r *Reconciler) OnDiff(ev core.DiffEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.symbols[ev.Symbol]
	if !ok {
		return fmt.Errorf("%s: %w", ev.Symbol, errUntracked)
	}
	return r.onDiffLocked(st, ev)
}

// BestBidAsk returns the top of book. Before the first snapshot lands it
// returns core.ErrNotSynced. An empty side yields a zero PriceLevel.
func (r *Reconciler) BestBidAsk(symbol core.Symbol) (bid, ask core.PriceLevel, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.symbols[symbol]
	if !ok || st.book == nil {
		return core.PriceLevel{}, core.PriceLevel{}, fmt.Errorf("%s: %w", symbol, core.ErrNotSynced)
	}
	bid, ask = st.book.best()
	return bid, ask, nil
}

// Depth returns up to limit levels per side; limit <= 0 returns the whole book.
func (r *Reconciler) Depth(symbol core.Symbol, limit int) (core.OrderBookSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.symbols[symbol]
	if !ok || st.book == nil {
		return core.OrderBookSnapshot{}, fmt.Errorf("%s: %w", symbol, core.ErrNotSynced)
	}
	return st.book.snapshot(symbol, limit), nil
}

// SyncStatus reports, per tracked symbol, whether a book exists.
func (r *Reconciler) SyncStatus() map[core.Symbol]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[core.Symbol]bool, len(r.symbols))
	for sym, st := range r.symbols {
		out[sym] = st.book != nil
	}
	return out
}

func (r *Reconciler) Symbols() []core.Symbol {
	r.mu.RLock()
	out := make([]core.Symbol, 0, len(r.symbols))
	for sym := range r.symbols {
		out = append(out, sym)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Reconciler) trackLocked(symbol core.Symbol, reason string) {
	if _, ok := r.symbols[symbol]; ok {
		return
	}
	st := &symbolState{symbol: symbol}
	r.symbols[symbol] = st
	r.metrics.BookSynced.WithLabelValues(symbol.String()).Set(0)
	r.requestSnapshot(st, reason)
}

func (r *Reconciler) untrackLocked(symbol core.Symbol) {
	st, ok := r.symbols[symbol]
	if !ok {
		return
	}
	// Bumping the epoch turns any fetch still in flight into a no-op.
	st.epoch++
	delete(r.symbols, symbol)
	r.metrics.BookSynced.DeleteLabelValues(symbol.String())
	r.logger.Info("book_untracked", zap.Stringer("symbol", symbol))
}

func (r *Reconciler) onDiffLocked(st *symbolState, ev core.DiffEvent) error {
	if st.book == nil {
		r.bufferDiff(st, ev)
		return nil
	}
	return r.applyDiff(st, ev)
}

func (r *Reconciler) applyDiff(st *symbolState, ev core.DiffEvent) error {
	last := st.book.lastApplied
	switch r.policy.Classify(ev, last, st.firstAfterSnapshot) {
	case Skip:
		return nil
	case Apply:
		st.book.apply(ev)
		st.firstAfterSnapshot = false
		r.metrics.AppliedDiffs.WithLabelValues(st.symbol.String()).Inc()
		return nil
	}
	st.book = nil
	st.firstAfterSnapshot = false
	r.metrics.BookSynced.WithLabelValues(st.symbol.String()).Set(0)
	r.requestSnapshot(st, "gap")
	// The diff that exposed the gap is newer than anything applied, and
	// precedes whatever is still buffered.
	st.buffer.PushFront(ev)
	return fmt.Errorf("%s: diff [%d,%d] after %d: %w",
		st.symbol, ev.FirstUpdateID, ev.FinalUpdateID, last, core.ErrGapDetected)
}

func (r *Reconciler) bufferDiff(st *symbolState, ev core.DiffEvent) {
	if st.buffer.Len() >= r.bufferLimit {
		st.buffer.Clear()
		r.metrics.BufferOverflows.WithLabelValues(st.symbol.String()).Inc()
		r.logger.Warn("book_buffer_overflow",
			zap.Stringer("symbol", st.symbol),
			zap.Int("limit", r.bufferLimit),
		)
		r.requestSnapshot(st, "overflow")
	}
	st.buffer.PushBack(ev)
}

func (r *Reconciler) applySnapshot(st *symbolState, snap core.OrderBookSnapshot) error {
	last := snap.LastUpdateID
	for st.buffer.Len() > 0 && st.buffer.Front().FinalUpdateID <= last {
		st.buffer.PopFront()
	}
	if st.buffer.Len() > 0 && st.buffer.Front().FirstUpdateID > last+1 {
		first := st.buffer.Front().FirstUpdateID
		// The REST side lags the stream. Retry on the snapshot backoff.
		delay := r.retry.NextDelay(st.failures)
		st.failures++
		st.epoch++
		st.inFlight = true
		r.metrics.Resyncs.WithLabelValues(st.symbol.String(), "stale").Inc()
		r.logger.Warn("book_snapshot_stale",
			zap.Stringer("symbol", st.symbol),
			zap.Uint64("snapshot_id", last),
			zap.Uint64("first_buffered", first),
			zap.Int("failures", st.failures),
			zap.Duration("retry_in", delay),
		)
		r.launch(st, delay)
		return fmt.Errorf("%s: snapshot %d, first buffered diff %d: %w", st.symbol, last, first, errStaleSnapshot)
	}

	st.book = newLocalBook(snap)
	st.firstAfterSnapshot = true
	st.inFlight = false
	st.failures = 0
	for st.buffer.Len() > 0 {
		ev := st.buffer.PopFront()
		if err := r.applyDiff(st, ev); err != nil {
			return err
		}
	}
	r.metrics.BookSynced.WithLabelValues(st.symbol.String()).Set(1)
	r.logger.Info("book_synced",
		zap.Stringer("symbol", st.symbol),
		zap.Uint64("snapshot_id", last),
		zap.Uint64("last_applied", st.book.lastApplied),
	)
	return nil
}

// invalidate drops the book and any buffered diffs.
func (r *Reconciler) invalidate(st *symbolState) {
	st.book = nil
	st.firstAfterSnapshot = false
	st.buffer.Clear()
	r.metrics.BookSynced.WithLabelValues(st.symbol.String()).Set(0)
}

// dropAllLocked discards every book and buffer and abandons pending
// fetches. The next EventReset requests fresh snapshots.
func (r *Reconciler) dropAllLocked(reason string) {
	dropped := 0
	for _, st := range r.symbols {
		if st.book != nil {
			dropped++
		}
		r.invalidate(st)
		st.epoch++
		st.inFlight = false
		st.failures = 0
	}
	if dropped > 0 {
		r.logger.Info("book_dropped", zap.String("reason", reason), zap.Int("books", dropped))
	}
}

// requestSnapshot supersedes any earlier request for st.
func (r *Reconciler) requestSnapshot(st *symbolState, reason string) {
	st.epoch++
	st.inFlight = true
	st.failures = 0
	r.metrics.Resyncs.WithLabelValues(st.symbol.String(), reason).Inc()
	r.logger.Info("book_snapshot_requested",
		zap.Stringer("symbol", st.symbol),
		zap.String("reason", reason),
		zap.Uint64("epoch", st.epoch),
	)
	r.launch(st, 0)
}

// launch starts a fetch when Run is active; otherwise Run starts it later.
func (r *Reconciler) launch(st *symbolState, delay time.Duration) {
	if r.fetchCtx == nil {
		return
	}
	r.wg.Add(1)
	go r.fetch(r.fetchCtx, st.symbol, st.epoch, delay)
}

func (r *Reconciler) fetch(ctx context.Context, symbol core.Symbol, epoch uint64, delay time.Duration) {
	defer r.wg.Done()
	if delay > 0 {
		timer := r.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
	snap, err := r.fetcher.FetchSnapshot(ctx, symbol, r.depth)
	if err == nil && snap.Symbol != symbol {
		err = fmt.Errorf("snapshot for %s returned %s: %w", symbol, snap.Symbol, core.ErrInvalidResponse)
	}
	select {
	case r.results <- snapshotResult{symbol: symbol, epoch: epoch, snap: snap, err: err}:
	case <-ctx.Done():
	}
}

// reportSync tells the reporter when the all-synced status of the current
// generation changes. An empty symbol set counts as synced.
func (r *Reconciler) reportSync() {
	if r.reporter == nil {
		return
	}
	r.mu.RLock()
	gen := r.generation
	synced := true
	for _, st := range r.symbols {
		if st.book == nil {
			synced = false
			break
		}
	}
	r.mu.RUnlock()
	if r.hasReported && gen == r.reportedGen && synced == r.reported {
		return
	}
	r.hasReported = true
	r.reportedGen = gen
	r.reported = synced
	r.reporter.ReportSync(gen, synced)
}
