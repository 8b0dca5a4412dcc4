package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/access"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

// DefaultGovernanceDelay is the timelock between queueing a market config
// and applying it.
const DefaultGovernanceDelay = int64(7 * 24 * 3600)

// AccessControl is the capability gate plus the ownership and role surface
// the engine exposes to admins.
type AccessControl interface {
	access.Gate
	access.Ownable
	GrantRole(caller, account string, role access.Role) error
	RevokeRole(caller, account string, role access.Role) error
}

// CoreOutput is everything one committed call produced, handed to the
// persistence and publishing workers.
type CoreOutput struct {
	Sequence       int64
	Method         string
	Caller         string
	IdempotencyKey string
	Timestamp      int64
	Envelopes      []*event.EventEnvelope
	Batch          *ledger.Batch
	StateHash      [32]byte
	PrevHash       [32]byte

	// Positions and markets the call changed, in id and asset order.
	Positions []uint32
	Markets   []state.Asset

	// Committed state after the call. Shared with the engine; read only.
	Store   *state.Store
	Books   *ledger.BalanceTracker
	Sources map[string]int64 // next expected sequence per ingestion source
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	GovernanceDelay     int64
	IdempotencyCapacity int
	Clock               func() int64 // unix seconds
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput
}

// Engine is the single writer over the settlement state. Every
// state-changing call runs against a clone of the store and is swapped in
// only when it succeeds, so a failing call leaves no trace.
type Engine struct {
	mu sync.RWMutex

	store      *state.Store
	books      *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	hasher     *StateHasher

	guard             *oracle.Guard
	access            AccessControl
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	clock             func() int64

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

func NewEngine(guard *oracle.Guard, ac AccessControl, opts Options) *Engine {
	if opts.GovernanceDelay <= 0 {
		opts.GovernanceDelay = DefaultGovernanceDelay
	}
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = 100_000
	}
	if opts.Clock == nil {
		opts.Clock = func() int64 { return time.Now().Unix() }
	}
	logger := observability.NewLogger("engine")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	e := &Engine{
		store:             state.NewStore(opts.GovernanceDelay),
		books:             ledger.NewBalanceTracker(),
		journalGen:        ledger.NewJournalGenerator(1),
		hasher:            NewStateHasher(),
		guard:             guard,
		access:            ac,
		idempotency:       NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		logger:            logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}

	if m := e.metrics; m != nil {
		e.idempotency.observe = func(tier string) { m.IdempotencyDuplicates.WithLabelValues(tier).Inc() }
		e.sequenceValidator.onGap = func(source, kind string) { m.SourceSequenceGap.WithLabelValues(source, kind).Inc() }
		e.sequenceValidator.onSkew = func() { m.ClockSkew.Inc() }
		guard.OnReject(func(asset state.Asset, code state.ErrorCode) {
			m.PriceRejects.WithLabelValues(asset.String(), code.String()).Inc()
		})
	}
	e.idempotency.onTier2 = func(err error) {
		e.logger.Warn().Err(err).Msg("processed_batches lookup failed, treating batch as new")
	}
	return e
}

// ============================================================================
// Checkpoints
// ============================================================================

// Checkpoint is the engine's complete committed state. The Store and Books
// of a checkpoint taken from a running engine are shared with it and must
// not be mutated.
type Checkpoint struct {
	NextSequence int64
	StateHash    [32]byte
	LastNow      int64
	Sources      map[string]int64
	Store        *state.Store
	Books        *ledger.BalanceTracker
}

// Checkpoint returns the committed state. Committed stores are never
// mutated in place, so no copy is made.
func (e *Engine) Checkpoint() Checkpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Checkpoint{
		NextSequence: e.journalGen.Sequence(),
		StateHash:    e.hasher.GetPrevHash(),
		LastNow:      e.sequenceValidator.LastNow(),
		Sources:      e.sequenceValidator.Export(),
		Store:        e.store,
		Books:        e.books,
	}
}

// Restore replaces the engine's state, typically from a persisted snapshot
// during startup. The store's invariants and every escrow are verified
// first.
func (e *Engine) Restore(cp Checkpoint) error {
	if cp.Store == nil || cp.Books == nil {
		return errors.New("checkpoint is missing store or books")
	}
	if cp.NextSequence < 1 {
		return fmt.Errorf("checkpoint sequence must be >= 1, got %d", cp.NextSequence)
	}
	if err := cp.Store.CheckInvariants(); err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	v := ledger.NewInvariantValidator(cp.Books)
	for _, id := range cp.Store.Positions.LiveIDs() {
		p, _ := cp.Store.Positions.Get(id)
		if err := v.ValidateEscrow(p); err != nil {
			return fmt.Errorf("checkpoint books: %w", err)
		}
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("checkpoint books: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = cp.Store
	e.books = cp.Books
	e.journalGen = ledger.NewJournalGenerator(cp.NextSequence)
	e.hasher = ResumeStateHasher(cp.StateHash)
	e.sequenceValidator.Commit(cp.LastNow)
	for source, next := range cp.Sources {
		e.sequenceValidator.SetExpectedSequence(source, next)
	}
	e.logger.Info().
		Int64("next_sequence", cp.NextSequence).
		Int("live_positions", len(cp.Store.Positions.LiveIDs())).
		Msg("engine state restored")
	return nil
}

// WarmIdempotency preloads recently processed batch ids.
func (e *Engine) WarmIdempotency(batchIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.LRU().WarmFromKeys(batchIDs)
}

// SetSourceSequence seeds the expected sequence of an ingestion source.
func (e *Engine) SetSourceSequence(source string, next int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequenceValidator.SetExpectedSequence(source, next)
}

// Sequence returns the sequence the next committed call will receive.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.journalGen.Sequence()
}

// Access returns the ownership and role gate.
func (e *Engine) Access() AccessControl {
	return e.access
}

// ============================================================================
// Call lifecycle
// ============================================================================

// txn is the working state of one call.
type txn struct {
	method string
	caller string
	key    string
	now    int64

	// ingestion source position, recorded on commit
	source    string
	sourceSeq int64

	store  *state.Store
	batch  *ledger.Batch
	prices *oracle.PinnedGuard

	events  []event.Event
	touched map[uint32]struct{}
	accrued map[state.Asset]bool
}

// savepoint marks a point inside a call that a skipped request rolls
// back to.
type savepoint struct {
	store    *state.Store
	journals int
	events   int
	touched  map[uint32]struct{}
	accrued  map[state.Asset]bool
}

func (tx *txn) mark() savepoint {
	cp := savepoint{
		store:    tx.store.Clone(),
		journals: tx.batch.Len(),
		events:   len(tx.events),
		touched:  make(map[uint32]struct{}, len(tx.touched)),
		accrued:  make(map[state.Asset]bool, len(tx.accrued)),
	}
	for id := range tx.touched {
		cp.touched[id] = struct{}{}
	}
	for a, v := range tx.accrued {
		cp.accrued[a] = v
	}
	return cp
}

func (tx *txn) rollback(cp savepoint) {
	tx.store = cp.store
	tx.batch.Truncate(cp.journals)
	tx.events = tx.events[:cp.events]
	tx.touched = cp.touched
	tx.accrued = cp.accrued
}

func (tx *txn) emit(evt event.Event) {
	tx.events = append(tx.events, evt)
}

func (tx *txn) touch(id uint32) {
	tx.touched[id] = struct{}{}
}

// changedMarkets returns the assets the call accrued or installed.
func (tx *txn) changedMarkets() []state.Asset {
	out := make([]state.Asset, 0, len(tx.accrued))
	for a, ok := range tx.accrued {
		if ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// market returns the live market for asset, accrued to the call's now. The
// first touch of each asset in a call accrues it.
func (tx *txn) market(asset state.Asset) (*state.Market, error) {
	m, ok := tx.store.Markets.Market(asset)
	if !ok {
		return nil, state.Errorf(state.CodeBadRequest, "unknown market %s", asset)
	}
	if tx.accrued[asset] {
		return m, nil
	}
	m, acc, err := tx.store.AccrueMarket(asset, tx.now)
	if err != nil {
		return nil, err
	}
	tx.accrued[asset] = true
	for _, id := range acc.Shifted {
		tx.touch(id)
	}
	if acc.LongDelta != 0 || acc.ShortDelta != 0 || acc.Rebased() {
		tx.emit(&event.FundingAccrued{
			Asset:              asset,
			Elapsed:            acc.Elapsed,
			Utilization:        acc.Utilization,
			HourlyRate:         acc.Rate,
			LongDelta:          acc.LongDelta,
			ShortDelta:         acc.ShortDelta,
			LongInterestIndex:  m.Data.LongInterestIndex,
			ShortInterestIndex: m.Data.ShortInterestIndex,
			LongRebase:         acc.LongRebase,
			ShortRebase:        acc.ShortRebase,
		})
	}
	return m, nil
}

// enabledMarket is market plus the enabled check required by every trading
// action.
func (tx *txn) enabledMarket(asset state.Asset) (*state.Market, error) {
	m, err := tx.market(asset)
	if err != nil {
		return nil, err
	}
	if !m.Config.Enabled {
		return nil, state.Errorf(state.CodeBadRequest, "market %s is disabled", asset)
	}
	return m, nil
}

// position returns a writable copy of the position owned by the call's
// store.
func (tx *txn) position(id uint32) (*state.Position, error) {
	p, ok := tx.store.Positions.Edit(id)
	if !ok {
		return nil, state.Errorf(state.CodeBadRequest, "unknown position %d", id)
	}
	return p, nil
}

// begin opens a call. The caller holds e.mu.
func (e *Engine) begin(method, caller, key string) *txn {
	now := e.sequenceValidator.Now(e.clock())
	return &txn{
		method:  method,
		caller:  caller,
		key:     key,
		now:     now,
		store:   e.store.Clone(),
		batch:   e.journalGen.Begin(key, now),
		prices:  e.guard.Pin(now),
		touched: make(map[uint32]struct{}),
		accrued: make(map[state.Asset]bool),
	}
}

// apply runs fn inside a call and commits it. Arithmetic overflow anywhere
// in fn rolls the call back with BadRequest.
func (e *Engine) apply(ctx context.Context, method, caller, key string, fn func(tx *txn) error) (*CoreOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(ctx, method, caller, key, fn)
}

func (e *Engine) applyLocked(ctx context.Context, method, caller, key string, fn func(tx *txn) error) (out *CoreOutput, err error) {
	start := time.Now()
	tx := e.begin(method, caller, key)
	defer func() {
		if err != nil {
			e.recordReject(method, err)
			return
		}
		if e.metrics != nil {
			e.metrics.CallsCommitted.WithLabelValues(method).Inc()
			e.metrics.CallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
	}()

	if err := runGuarded(func() error { return fn(tx) }); err != nil {
		return nil, err
	}
	return e.commit(ctx, tx)
}

// runGuarded converts an overflow panic from the fixed-point helpers into a
// BadRequest error. Any other panic propagates.
func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ovf *fpmath.OverflowError
			if e, ok := r.(error); ok && errors.As(e, &ovf) {
				err = fmt.Errorf("%w: %w", state.ErrBadRequest, ovf)
				return
			}
			panic(r)
		}
	}()
	return fn()
}

func (e *Engine) commit(ctx context.Context, tx *txn) (*CoreOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s aborted before commit: %w", tx.method, err)
	}
	if err := tx.store.CheckInvariants(); err != nil {
		e.logger.Error().Err(err).Str("method", tx.method).Msg("store invariant violated, call rolled back")
		return nil, fmt.Errorf("invariant violated: %w", err)
	}

	books := e.books.Clone()
	if err := books.ApplyBatch(tx.batch); err != nil {
		return nil, fmt.Errorf("apply journal batch: %w", err)
	}
	validator := ledger.NewInvariantValidator(books)
	ids := make([]uint32, 0, len(tx.touched))
	for id := range tx.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p, ok := tx.store.Positions.Get(id)
		if !ok {
			continue
		}
		if err := validator.ValidateEscrow(p); err != nil {
			e.logger.Error().Err(err).Str("method", tx.method).Msg("escrow invariant violated, call rolled back")
			return nil, fmt.Errorf("invariant violated: %w", err)
		}
	}
	if err := validator.ValidateGlobalBalance(); err != nil {
		return nil, fmt.Errorf("invariant violated: %w", err)
	}

	hashStart := time.Now()
	seq := tx.batch.Sequence
	stateHash := e.hasher.ComputeHash(seq, tx.store.Digest(), computeJournalDigest(books, tx.batch))
	prevHash := e.hasher.GetPrevHash()
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelopes := make([]*event.EventEnvelope, 0, len(tx.events))
	for i, evt := range tx.events {
		env, err := event.NewEnvelope(i, evt, tx.now, tx.caller, tx.key)
		if err != nil {
			return nil, err
		}
		env.Sequence = seq
		env.StateHash = stateHash
		env.PrevHash = prevHash
		envelopes = append(envelopes, env)
	}

	// Point of no return.
	if err := e.journalGen.Commit(tx.batch); err != nil {
		return nil, err
	}
	e.hasher.Advance(stateHash)
	tx.store.Seal()
	e.store = tx.store
	e.books = books
	e.sequenceValidator.Commit(tx.now)
	e.sequenceValidator.Advance(tx.source, tx.sourceSeq)
	if tx.key != "" {
		e.idempotency.MarkProcessed(tx.key)
	}

	out := &CoreOutput{
		Sequence:       seq,
		Method:         tx.method,
		Caller:         tx.caller,
		IdempotencyKey: tx.key,
		Timestamp:      tx.now,
		Envelopes:      envelopes,
		Batch:          tx.batch,
		StateHash:      stateHash,
		PrevHash:       prevHash,
		Positions:      ids,
		Markets:        tx.changedMarkets(),
		Store:          tx.store,
		Books:          books,
		Sources:        e.sequenceValidator.Export(),
	}
	e.recordCommit(out)
	e.emit(*out)

	e.logger.Debug().
		Int64("sequence", seq).
		Str("method", tx.method).
		Str("caller", tx.caller).
		Int("events", len(envelopes)).
		Int("journals", tx.batch.Len()).
		Msg("call committed")
	return out, nil
}

// emit hands a committed output to the workers. The persist channel blocks
// so no committed call is lost; projections drop on a full channel and
// rebuild from the event journal.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// computeJournalDigest covers the post-call balance of every account the
// batch touched, in account path order.
func computeJournalDigest(books *ledger.BalanceTracker, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*48)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = binary.AppendUvarint(digest, uint64(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, books.GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) recordReject(method string, err error) {
	code := state.CodeOf(err)
	if e.metrics != nil {
		e.metrics.CallsRejected.WithLabelValues(method, strconv.FormatUint(uint64(code), 10)).Inc()
		var ovf *fpmath.OverflowError
		if errors.As(err, &ovf) {
			e.metrics.OverflowsCaught.Inc()
		}
	}
	e.logger.Debug().Err(err).Str("method", method).Uint32("code", uint32(code)).Msg("call rolled back")
}

func (e *Engine) recordCommit(out *CoreOutput) {
	m := e.metrics
	if m == nil {
		return
	}
	m.EngineSequence.Set(float64(out.Sequence))
	for _, j := range out.Batch.Journals {
		m.JournalsPosted.WithLabelValues(j.JournalType.String()).Inc()
	}
	vault := e.store.Vault
	if v, ok := out.Batch.NetTransfers()[vault]; ok && vault != "" {
		if v > 0 {
			m.VaultNetTransfer.WithLabelValues("in").Add(float64(v))
		} else {
			m.VaultNetTransfer.WithLabelValues("out").Add(float64(-v))
		}
	}
	for _, env := range out.Envelopes {
		switch env.EventType {
		case event.EventTypeFundingAccrued:
			m.FundingAccruals.WithLabelValues(*env.MarketID).Inc()
		case event.EventTypePositionLiquidated:
			m.Liquidations.WithLabelValues(*env.MarketID).Inc()
		}
	}
	for _, asset := range e.store.Markets.Assets() {
		mk, _ := e.store.Markets.Market(asset)
		name := asset.String()
		m.PositionsLive.WithLabelValues(name, "long").Set(float64(mk.Data.LongCount))
		m.PositionsLive.WithLabelValues(name, "short").Set(float64(mk.Data.ShortCount))
		m.MarketNotional.WithLabelValues(name, "long").Set(float64(mk.Data.LongNotional))
		m.MarketNotional.WithLabelValues(name, "short").Set(float64(mk.Data.ShortNotional))
		m.FundingIndex.WithLabelValues(name, "long").Set(float64(mk.Data.LongInterestIndex) / float64(fpmath.Scalar18))
		m.FundingIndex.WithLabelValues(name, "short").Set(float64(mk.Data.ShortInterestIndex) / float64(fpmath.Scalar18))
	}
}
