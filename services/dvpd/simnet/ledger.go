package simnet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"dvpsettle/native/bundle"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/native/escrow"
	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
	"dvpsettle/storage"
)

// Call names accepted by Inject.
const (
	CallStatus    = "checkTransactionBundle"
	CallBalanceOf = "balanceOf"
	CallExecute   = "executeBundle"
	CallCancel    = "cancelBundle"
	CallSubmit    = "submitOrder"
	CallMatch     = "matchOrder"
)

// StatusFilter rewrites the status a ledger reports, to simulate a
// misbehaving node.
type StatusFilter func(commitment common.Hash, actual bundle.Status) bundle.Status

// Ledger is one in-process ledger. It serves the read side of settlement
// directly and hands out per-account clients for the write side.
type Ledger struct {
	name   string
	net    *Network
	db     storage.Database
	tokens *escrow.Tokens
	escrow *escrow.Engine
	orders *matching.Engine
	pauses *nativecommon.Pauses
	vault  common.Address

	mu     sync.Mutex
	faults map[string][]error
	lost   map[string][]error
	filter StatusFilter
}

// Name returns the ledger name.
func (l *Ledger) Name() string { return l.name }

// Vault returns the escrow's holding address.
func (l *Ledger) Vault() common.Address { return l.vault }

// Escrow exposes the underlying escrow engine.
func (l *Ledger) Escrow() *escrow.Engine { return l.escrow }

// Tokens exposes the ledger's token book.
func (l *Ledger) Tokens() *escrow.Tokens { return l.tokens }

// Orders exposes the matching engine, nil on ledgers without an order book.
func (l *Ledger) Orders() *matching.Engine { return l.orders }

// Pause pauses or resumes a module ("escrow" or "matching").
func (l *Ledger) Pause(module string, paused bool) { l.pauses.Set(module, paused) }

// Inject queues errs to be returned by the next calls named call, one per
// call, before the ledger is touched. Schedule calls are named after the
// escrow method, scheduleTransfer and so on.
func (l *Ledger) Inject(call string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[call] = append(l.faults[call], errs...)
}

// InjectLost queues errs to be returned by the next calls named call after
// the ledger applied them, as when a transaction lands but its receipt is
// lost on the way back.
func (l *Ledger) InjectLost(call string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost == nil {
		l.lost = make(map[string][]error)
	}
	l.lost[call] = append(l.lost[call], errs...)
}

// FilterStatus installs a status rewrite. A nil filter removes it.
func (l *Ledger) FilterStatus(f StatusFilter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

func (l *Ledger) fault(call string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return pop(l.faults, call)
}

func (l *Ledger) lostReceipt(call string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return pop(l.lost, call)
}

func pop(queues map[string][]error, call string) error {
	queue := queues[call]
	if len(queue) == 0 {
		return nil
	}
	queues[call] = queue[1:]
	return queue[0]
}

// RegisterFungible declares an ERC-20 style asset.
func (l *Ledger) RegisterFungible(asset common.Address) error {
	return l.tokens.Register(asset, escrow.AssetFungible)
}

// RegisterMultiClass declares an ERC-1155 style asset.
func (l *Ledger) RegisterMultiClass(asset common.Address) error {
	return l.tokens.Register(asset, escrow.AssetMultiClass)
}

// Fund mints amount of asset to holder and lets the escrow pull it.
func (l *Ledger) Fund(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	if err := l.tokens.Mint(asset, class, holder, amount); err != nil {
		return err
	}
	return l.ApproveEscrow(asset, holder)
}

// ApproveEscrow grants the escrow unlimited allowance, or operator rights on
// multi-class assets, over holder's asset.
func (l *Ledger) ApproveEscrow(asset, holder common.Address) error {
	kind, err := l.tokens.AssetKind(asset)
	if err != nil {
		return err
	}
	if kind == escrow.AssetMultiClass {
		return l.tokens.SetApprovalForAll(asset, holder, l.vault, true)
	}
	return l.tokens.Approve(asset, holder, l.vault, math.MaxBig256)
}

// GrantMinter lets account schedule mint legs of asset.
func (l *Ledger) GrantMinter(asset, account common.Address) error {
	return l.tokens.GrantMinter(asset, account)
}

// BundleStatus implements settlement.StatusSource.
func (l *Ledger) BundleStatus(ctx context.Context, commitment common.Hash) (bundle.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := l.fault(CallStatus); err != nil {
		return 0, err
	}
	status, err := l.escrow.Status(commitment)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	filter := l.filter
	l.mu.Unlock()
	if filter != nil {
		status = filter(commitment, status)
	}
	return status, nil
}

// BalanceOf implements settlement.Balances.
func (l *Ledger) BalanceOf(ctx context.Context, asset common.Address, class *big.Int, holder common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.fault(CallBalanceOf); err != nil {
		return nil, err
	}
	return l.tokens.BalanceOf(asset, class, holder)
}

// TotalSupply reads the supply of asset.
func (l *Ledger) TotalSupply(asset common.Address, class *big.Int) (*big.Int, error) {
	return l.tokens.TotalSupply(asset, class)
}

// Client returns a client signing as from.
func (l *Ledger) Client(from common.Address) *Client {
	return &Client{ledger: l, from: from}
}

// Client submits escrow and order book calls on behalf of one account.
type Client struct {
	ledger *Ledger
	from   common.Address
}

// Address returns the signing account.
func (c *Client) Address() common.Address { return c.from }

func (c *Client) ScheduleTransfer(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return c.schedule(ctx, bundle.KindTransfer, leg, c.ledger.escrow.ScheduleTransfer)
}

func (c *Client) ScheduleMint(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return c.schedule(ctx, bundle.KindMint, leg, c.ledger.escrow.ScheduleMint)
}

func (c *Client) ScheduleBurn(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return c.schedule(ctx, bundle.KindBurn, leg, c.ledger.escrow.ScheduleBurn)
}

func (c *Client) ScheduleTransfer1155(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return c.schedule(ctx, bundle.KindTransfer1155, leg, c.ledger.escrow.ScheduleTransfer1155)
}

type scheduleFunc func(common.Address, bundle.Leg) (*escrow.ScheduledLeg, bool, error)

func (c *Client) schedule(ctx context.Context, kind bundle.Kind, leg bundle.Leg, fn scheduleFunc) (settlement.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return settlement.TxHandle{}, err
	}
	if err := c.ledger.fault(kind.Method()); err != nil {
		return settlement.TxHandle{}, err
	}
	_, created, err := fn(c.from, leg)
	if err != nil {
		return settlement.TxHandle{}, settlement.Precondition(err)
	}
	handle := settlement.TxHandle{
		Ledger:    c.ledger.name,
		Hash:      txHash(c.ledger.name, kind.Method()),
		Duplicate: !created,
	}
	c.ledger.net.afterSchedule(leg.Commitment)
	if err := c.ledger.lostReceipt(kind.Method()); err != nil {
		return settlement.TxHandle{}, err
	}
	return handle, nil
}

// Execute finalises the bundle on this ledger without waiting for the
// relayer.
func (c *Client) Execute(ctx context.Context, commitment common.Hash) (settlement.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return settlement.TxHandle{}, err
	}
	if err := c.ledger.fault(CallExecute); err != nil {
		return settlement.TxHandle{}, err
	}
	if err := c.ledger.escrow.Execute(commitment); err != nil {
		return settlement.TxHandle{}, settlement.Precondition(err)
	}
	return settlement.TxHandle{Ledger: c.ledger.name, Hash: txHash(c.ledger.name, CallExecute)}, nil
}

// Cancel rolls the bundle back on this ledger.
func (c *Client) Cancel(ctx context.Context, commitment common.Hash) (settlement.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return settlement.TxHandle{}, err
	}
	if err := c.ledger.fault(CallCancel); err != nil {
		return settlement.TxHandle{}, err
	}
	if err := c.ledger.escrow.Cancel(commitment); err != nil {
		return settlement.TxHandle{}, settlement.Precondition(err)
	}
	return settlement.TxHandle{Ledger: c.ledger.name, Hash: txHash(c.ledger.name, CallCancel)}, nil
}

// Submit sends part of order to trade or auctionPlacement by its form.
func (c *Client) Submit(ctx context.Context, part matching.Part, order matching.Order) (settlement.TxHandle, error) {
	book, err := c.book(ctx, CallSubmit)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	method := "trade"
	if order.Form == matching.FormAuction {
		method = "auctionPlacement"
		_, err = book.AuctionPlacement(c.from, part, order)
	} else {
		_, err = book.Trade(c.from, part, order)
	}
	if err != nil {
		return settlement.TxHandle{}, settlement.Precondition(err)
	}
	return settlement.TxHandle{Ledger: c.ledger.name, Hash: txHash(c.ledger.name, method)}, nil
}

// MatchOrder checks terms against the initiated order without changing it.
func (c *Client) MatchOrder(ctx context.Context, part matching.Part, order matching.Order) (bool, error) {
	book, err := c.book(ctx, CallMatch)
	if err != nil {
		return false, err
	}
	ok, err := book.MatchOrder(part, order)
	if err != nil {
		return false, settlement.Precondition(err)
	}
	return ok, nil
}

// Order reads the stored order.
func (c *Client) Order(ctx context.Context, operationID uint64) (*matching.Entry, bool, error) {
	book, err := c.book(ctx, "")
	if err != nil {
		return nil, false, err
	}
	return book.Order(operationID)
}

func (c *Client) book(ctx context.Context, call string) (*matching.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ledger.orders == nil {
		return nil, fmt.Errorf("simnet: ledger %s runs no order book", c.ledger.name)
	}
	if call != "" {
		if err := c.ledger.fault(call); err != nil {
			return nil, err
		}
	}
	return c.ledger.orders, nil
}
