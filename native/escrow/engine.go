package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/storage"
)

// ModuleName is the pause key that stops new legs from being scheduled.
const ModuleName = "escrow"

var (
	errNilState        = errors.New("escrow engine: state not configured")
	ErrBundleNotFound  = errors.New("escrow engine: bundle not found")
	ErrLegExpired      = errors.New("escrow engine: leg expiry must be in the future")
	ErrBundleExpired   = errors.New("escrow engine: bundle expired")
	ErrBundleClosed    = errors.New("escrow engine: bundle already finalised")
	ErrLegConflict     = errors.New("escrow engine: leg index already scheduled with different parameters")
	ErrKindMismatch    = errors.New("escrow engine: leg kind does not match entry point")
	ErrAssetKind       = errors.New("escrow engine: asset does not support leg kind")
	ErrInvalidLeg      = errors.New("escrow engine: invalid leg")
	ErrNotExecutable   = errors.New("escrow engine: bundle not executable in current status")
	ErrNotCancellable  = errors.New("escrow engine: bundle not cancellable in current status")
	ErrEmptyCommitment = errors.New("escrow engine: bundle commitment required")
)

// Engine is the reference DvP escrow for one ledger. Legs are keyed by
// (commitment, index); value is pulled into the escrow vault at schedule time
// and released or refunded when the bundle is executed, cancelled or expires.
type Engine struct {
	mu      sync.Mutex
	state   *store
	tokens  *Tokens
	vault   common.Address
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
}

// NewEngine creates an escrow engine storing its records in db. vault is the
// escrow's own account on the ledger, the spender token holders approve.
func NewEngine(db storage.Database, tokens *Tokens, vault common.Address) *Engine {
	var state *store
	if db != nil {
		state = &store{db: db}
	}
	return &Engine{
		state:   state,
		tokens:  tokens,
		vault:   vault,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the ledger clock. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause view consulted before scheduling. Execution and
// cancellation of existing bundles are never paused.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// Address returns the escrow vault address.
func (e *Engine) Address() common.Address { return e.vault }

// Tokens exposes the token book the escrow settles against.
func (e *Engine) Tokens() *Tokens { return e.tokens }

// Now returns the ledger clock.
func (e *Engine) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Unix(e.now(), 0)
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event events.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.tokens == nil {
		return errNilState
	}
	return nil
}

// ScheduleTransfer escrows a fungible transfer leg funded by sender.
func (e *Engine) ScheduleTransfer(sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	return e.schedule(bundle.KindTransfer, sender, leg)
}

// ScheduleMint records a mint leg; sender must hold minter authority.
func (e *Engine) ScheduleMint(sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	return e.schedule(bundle.KindMint, sender, leg)
}

// ScheduleBurn escrows value that is destroyed on execution.
func (e *Engine) ScheduleBurn(sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	return e.schedule(bundle.KindBurn, sender, leg)
}

// ScheduleTransfer1155 escrows a multi-class transfer leg.
func (e *Engine) ScheduleTransfer1155(sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	return e.schedule(bundle.KindTransfer1155, sender, leg)
}

// Schedule dispatches on the leg kind.
func (e *Engine) Schedule(sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	return e.schedule(leg.Kind, sender, leg)
}

// schedule stores the leg and pulls its value. The boolean reports whether a
// new leg was created: an identical resubmission returns the stored leg and
// false without touching balances.
func (e *Engine) schedule(entry bundle.Kind, sender common.Address, leg bundle.Leg) (*ScheduledLeg, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	if leg.Kind != entry {
		return nil, false, fmt.Errorf("%w: %s via %s", ErrKindMismatch, leg.Kind, entry.Method())
	}
	if err := leg.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidLeg, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, false, err
	}

	now := e.now()
	rec, found, err := e.state.getBundle(leg.Commitment)
	if err != nil {
		return nil, false, err
	}
	if found {
		if err := e.applyExpiry(rec, now); err != nil {
			return nil, false, err
		}
	}
	existing, ok, err := e.state.getLeg(leg.Commitment, leg.Index)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if existing.Sender == [20]byte(sender) && existing.Leg().SameRequest(leg) {
			return existing.Clone(), false, nil
		}
		return nil, false, fmt.Errorf("%w: %s", ErrLegConflict, leg.Key())
	}
	if found && rec.BundleStatus().Terminal() {
		return nil, false, fmt.Errorf("%w: %s", ErrBundleClosed, rec.BundleStatus())
	}
	if leg.ExpireAt.Unix() <= now {
		return nil, false, ErrLegExpired
	}
	if err := e.fund(sender, leg); err != nil {
		return nil, false, err
	}

	stored := newScheduledLeg(sender, leg, now)
	if err := e.state.putLeg(stored); err != nil {
		return nil, false, err
	}
	if !found {
		rec = &Bundle{Commitment: leg.Commitment, ExpireAt: stored.ExpireAt}
	}
	if !rec.hasIndex(leg.Index) {
		rec.Indexes = append(rec.Indexes, leg.Index)
	}
	if stored.ExpireAt < rec.ExpireAt || rec.ExpireAt == 0 {
		rec.ExpireAt = stored.ExpireAt
	}
	if rec.BundleStatus() == bundle.StatusCreated {
		rec.Status = uint8(bundle.StatusSubmitted)
	}
	rec.UpdatedAt = uint64(now)
	if err := e.state.putBundle(rec); err != nil {
		return nil, false, err
	}
	e.emit(NewLegScheduledEvent(stored))
	return stored.Clone(), true, nil
}

func (e *Engine) fund(sender common.Address, leg bundle.Leg) error {
	kind, err := e.tokens.AssetKind(leg.Asset)
	if err != nil {
		return err
	}
	switch leg.Kind {
	case bundle.KindTransfer1155:
		if kind != AssetMultiClass {
			return ErrAssetKind
		}
	default:
		if kind != AssetFungible {
			return ErrAssetKind
		}
	}
	switch leg.Kind {
	case bundle.KindMint:
		minter, err := e.tokens.IsMinter(leg.Asset, sender)
		if err != nil {
			return err
		}
		if !minter {
			return ErrNotMinter
		}
		return nil
	default:
		return e.tokens.pull(leg.Asset, leg.AssetClass, sender, e.vault, leg.Amount)
	}
}

// BeginExecution marks the bundle as being finalised by a relayer.
func (e *Engine) BeginExecution(commitment common.Hash) error {
	return e.mark(commitment, bundle.StatusExecutionMonitored, ErrNotExecutable)
}

// BeginCancel marks the bundle as being rolled back by a relayer.
func (e *Engine) BeginCancel(commitment common.Hash) error {
	return e.mark(commitment, bundle.StatusCancelMonitored, ErrNotCancellable)
}

func (e *Engine) mark(commitment common.Hash, next bundle.Status, refuse error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(commitment)
	if err != nil {
		return err
	}
	current := rec.BundleStatus()
	if current == next {
		return nil
	}
	if err := bundle.CheckTransition(current, next); err != nil {
		return fmt.Errorf("%w: %v", refuse, err)
	}
	rec.Status = uint8(next)
	rec.UpdatedAt = uint64(e.now())
	if err := e.state.putBundle(rec); err != nil {
		return err
	}
	e.emit(NewBundleEvent(EventTypeBundleMonitored, rec))
	return nil
}

// Execute releases every leg of the bundle held on this ledger, or none of
// them when any release cannot be covered. Executing an already executed
// bundle is a no-op.
func (e *Engine) Execute(commitment common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(commitment)
	if err != nil {
		return err
	}
	switch rec.BundleStatus() {
	case bundle.StatusExecuted:
		return nil
	case bundle.StatusExpired:
		return ErrBundleExpired
	case bundle.StatusSubmitted, bundle.StatusExecutionMonitored:
	default:
		return fmt.Errorf("%w: %s", ErrNotExecutable, rec.BundleStatus())
	}
	legs, err := e.state.legsOf(rec)
	if err != nil {
		return err
	}
	var (
		held  []*ScheduledLeg
		moves []movement
	)
	for _, leg := range legs {
		if leg.State != LegHeld {
			continue
		}
		held = append(held, leg)
		moves = append(moves, e.releaseOf(leg))
	}
	if err := e.tokens.settle(moves); err != nil {
		return fmt.Errorf("escrow engine: release: %w", err)
	}
	for _, leg := range held {
		leg.State = LegReleased
		if err := e.state.putLeg(leg); err != nil {
			return err
		}
	}
	rec.Status = uint8(bundle.StatusExecuted)
	rec.UpdatedAt = uint64(e.now())
	if err := e.state.putBundle(rec); err != nil {
		return err
	}
	e.emit(NewBundleEvent(EventTypeBundleExecuted, rec))
	return nil
}

// Cancel refunds every held leg and fails the bundle. Cancelling an already
// failed bundle is a no-op.
func (e *Engine) Cancel(commitment common.Hash) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.load(commitment)
	if err != nil {
		return err
	}
	switch rec.BundleStatus() {
	case bundle.StatusFailed:
		return nil
	case bundle.StatusSubmitted, bundle.StatusExecutionMonitored, bundle.StatusCancelMonitored:
	default:
		return fmt.Errorf("%w: %s", ErrNotCancellable, rec.BundleStatus())
	}
	if err := e.refundAll(rec); err != nil {
		return err
	}
	rec.Status = uint8(bundle.StatusFailed)
	rec.UpdatedAt = uint64(e.now())
	if err := e.state.putBundle(rec); err != nil {
		return err
	}
	e.emit(NewBundleEvent(EventTypeBundleCancelled, rec))
	return nil
}

// Status returns the bundle status, expiring it first when its deadline has
// passed. Unknown commitments report Created.
func (e *Engine) Status(commitment common.Hash) (bundle.Status, error) {
	rec, err := e.Transactions(commitment)
	if err != nil {
		return 0, err
	}
	return rec.Status, nil
}

// Transactions returns the bundle record and its legs on this ledger.
func (e *Engine) Transactions(commitment common.Hash) (*Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, found, err := e.state.getBundle(commitment)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Record{Commitment: commitment, Status: bundle.StatusCreated}, nil
	}
	if err := e.applyExpiry(rec, e.now()); err != nil {
		return nil, err
	}
	legs, err := e.state.legsOf(rec)
	if err != nil {
		return nil, err
	}
	return &Record{
		Commitment: commitment,
		Status:     rec.BundleStatus(),
		ExpireAt:   time.Unix(int64(rec.ExpireAt), 0),
		Legs:       legs,
	}, nil
}

func (e *Engine) load(commitment common.Hash) (*Bundle, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if commitment == (common.Hash{}) {
		return nil, ErrEmptyCommitment
	}
	rec, found, err := e.state.getBundle(commitment)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrBundleNotFound
	}
	if err := e.applyExpiry(rec, e.now()); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyExpiry refunds and expires a non-terminal bundle whose earliest leg
// deadline has passed.
func (e *Engine) applyExpiry(rec *Bundle, now int64) error {
	if rec.BundleStatus().Terminal() || rec.ExpireAt == 0 || uint64(now) < rec.ExpireAt {
		return nil
	}
	if err := e.refundAll(rec); err != nil {
		return err
	}
	rec.Status = uint8(bundle.StatusExpired)
	rec.UpdatedAt = uint64(now)
	if err := e.state.putBundle(rec); err != nil {
		return err
	}
	e.emit(NewBundleEvent(EventTypeBundleExpired, rec))
	return nil
}

func (e *Engine) refundAll(rec *Bundle) error {
	legs, err := e.state.legsOf(rec)
	if err != nil {
		return err
	}
	var (
		held  []*ScheduledLeg
		moves []movement
	)
	for _, leg := range legs {
		if leg.State != LegHeld {
			continue
		}
		held = append(held, leg)
		if bundle.Kind(leg.Kind) != bundle.KindMint {
			moves = append(moves, movement{
				index:  leg.Index,
				asset:  common.Address(leg.Asset),
				class:  leg.AssetClass,
				from:   e.vault,
				to:     common.Address(leg.Sender),
				amount: leg.Amount,
			})
		}
	}
	if err := e.tokens.settle(moves); err != nil {
		return fmt.Errorf("escrow engine: refund: %w", err)
	}
	for _, leg := range held {
		leg.State = LegRefunded
		if err := e.state.putLeg(leg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) releaseOf(leg *ScheduledLeg) movement {
	m := movement{
		index:  leg.Index,
		asset:  common.Address(leg.Asset),
		class:  leg.AssetClass,
		from:   e.vault,
		to:     common.Address(leg.Recipient),
		amount: leg.Amount,
	}
	switch bundle.Kind(leg.Kind) {
	case bundle.KindBurn:
		m.burn = true
	case bundle.KindMint:
		m.mint = true
	}
	return m
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
