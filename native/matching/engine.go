package matching

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"dvpsettle/core/events"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/storage"
)

// ModuleName is the pause key for new order submissions.
const ModuleName = "matching"

var (
	errNilState         = errors.New("matching engine: state not configured")
	ErrInvalidOrder     = errors.New("matching engine: invalid order")
	ErrInvalidPart      = errors.New("matching engine: caller part must be 0 or 1")
	ErrWrongForm        = errors.New("matching engine: order form not accepted by this entry point")
	ErrNotCounterparty  = errors.New("matching engine: caller is not a counterparty")
	ErrAlreadyInitiated = errors.New("matching engine: operation already initiated")
	ErrNotInitiated     = errors.New("matching engine: operation not initiated")
	ErrAlreadyMatched   = errors.New("matching engine: operation already matched")
	ErrSameParty        = errors.New("matching engine: confirmation must come from the other counterparty")
	ErrTermsMismatch    = errors.New("matching engine: terms do not match initiated order")
)

var orderPrefix = []byte("matching/order/")

// Engine is the reference order book for the 1052 and 1002 operation
// contracts. Part 0 initiates an operation id; part 1 from the other
// counterparty with identical terms moves it to Matched. No value moves here.
type Engine struct {
	mu      sync.Mutex
	db      storage.Database
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
}

// NewEngine creates an order book persisting entries in db.
func NewEngine(db storage.Database) *Engine {
	return &Engine{
		db:      db,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// Trade registers a 1052 order (bilateral or custodial) for caller's part.
func (e *Engine) Trade(caller common.Address, part Part, order Order) (*Entry, error) {
	if order.Form != FormBilateral && order.Form != FormCustodial {
		return nil, fmt.Errorf("%w: trade called with %s", ErrWrongForm, order.Form)
	}
	return e.submit(caller, part, order)
}

// AuctionPlacement registers a 1002 order for caller's part.
func (e *Engine) AuctionPlacement(caller common.Address, part Part, order Order) (*Entry, error) {
	if order.Form != FormAuction {
		return nil, fmt.Errorf("%w: auctionPlacement called with %s", ErrWrongForm, order.Form)
	}
	return e.submit(caller, part, order)
}

func (e *Engine) submit(caller common.Address, part Part, order Order) (*Entry, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	if !part.Valid() {
		return nil, ErrInvalidPart
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if !order.parties(caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotCounterparty, caller.Hex())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	entry, found, err := e.get(order.OperationID)
	if err != nil {
		return nil, err
	}
	now := uint64(e.now())

	switch part {
	case PartInitiator:
		if found {
			return nil, fmt.Errorf("%w: %d is %s", ErrAlreadyInitiated, order.OperationID, entry.OrderStatus())
		}
		entry = &Entry{
			Order:       order.Clone(),
			Status:      uint8(StatusInitiated),
			InitiatedBy: caller,
			CreatedAt:   now,
		}
		if err := e.put(entry); err != nil {
			return nil, err
		}
		e.emit(NewOrderEvent(EventTypeOrderInitiated, entry))
		return entry.Clone(), nil
	default:
		if !found {
			return nil, fmt.Errorf("%w: %d", ErrNotInitiated, order.OperationID)
		}
		if entry.OrderStatus() == StatusMatched {
			return nil, fmt.Errorf("%w: %d", ErrAlreadyMatched, order.OperationID)
		}
		if entry.InitiatedBy == [20]byte(caller) {
			return nil, ErrSameParty
		}
		if field := entry.Order.Mismatch(order); field != "" {
			e.emit(NewMismatchEvent(order.OperationID, field))
			return nil, fmt.Errorf("%w: %s differs", ErrTermsMismatch, field)
		}
		entry.Status = uint8(StatusMatched)
		entry.ConfirmedBy = caller
		entry.MatchedAt = now
		if err := e.put(entry); err != nil {
			return nil, err
		}
		e.emit(NewOrderEvent(EventTypeOrderMatched, entry))
		return entry.Clone(), nil
	}
}

// MatchOrder reports whether a confirmation for part with the given terms
// would match the stored order. It never mutates state.
func (e *Engine) MatchOrder(part Part, order Order) (bool, error) {
	if e == nil || e.db == nil {
		return false, errNilState
	}
	if !part.Valid() {
		return false, ErrInvalidPart
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, found, err := e.get(order.OperationID)
	if err != nil || !found {
		return false, err
	}
	if part != PartConfirmer || entry.OrderStatus() != StatusInitiated {
		return false, nil
	}
	return entry.Order.Mismatch(order) == "", nil
}

// Order returns the stored entry for operationID.
func (e *Engine) Order(operationID uint64) (*Entry, bool, error) {
	if e == nil || e.db == nil {
		return nil, false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, found, err := e.get(operationID)
	if err != nil || !found {
		return nil, found, err
	}
	return entry.Clone(), true, nil
}

func orderKey(operationID uint64) []byte {
	key := make([]byte, len(orderPrefix)+8)
	copy(key, orderPrefix)
	binary.BigEndian.PutUint64(key[len(orderPrefix):], operationID)
	return key
}

func (e *Engine) get(operationID uint64) (*Entry, bool, error) {
	raw, err := e.db.Get(orderKey(operationID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	entry := new(Entry)
	if err := rlp.DecodeBytes(raw, entry); err != nil {
		return nil, false, fmt.Errorf("matching engine: decode order: %w", err)
	}
	return entry, true, nil
}

func (e *Engine) put(entry *Entry) error {
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return e.db.Put(orderKey(entry.Order.OperationID), encoded)
}
