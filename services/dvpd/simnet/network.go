// Package simnet runs reference ledgers in process: every ledger is an escrow
// engine with its own token book and, on the bond ledger, a matching engine.
// A relayer executes a bundle on every ledger once the leg secrets scheduled
// across them rebuild its commitment.
package simnet

import (
	"fmt"
	"math/big"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dvpsettle/core/events"
	"dvpsettle/native/bundle"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/native/escrow"
	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
	"dvpsettle/storage"
)

// AddressFor derives a stable account address from a name.
func AddressFor(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}

// Network is a set of in-process ledgers sharing one clock and relayer.
type Network struct {
	clock   settlement.Clock
	emitter events.Emitter
	hasher  bundle.Hasher
	width   int
	relay   bool
	openDB  func(ledger string) (storage.Database, error)

	mu      sync.Mutex
	ledgers map[string]*Ledger
	held    map[string]bool

	relayMu sync.Mutex
}

// Option customises a Network.
type Option func(*Network)

// WithEmitter forwards engine events.
func WithEmitter(e events.Emitter) Option {
	return func(n *Network) { n.emitter = e }
}

// WithCommitment selects the hasher and width the relayer verifies with.
func WithCommitment(h bundle.Hasher, width int) Option {
	return func(n *Network) {
		n.hasher = h
		n.width = width
	}
}

// WithoutRelayer leaves bundles scheduled until someone executes or cancels
// them explicitly.
func WithoutRelayer() Option {
	return func(n *Network) { n.relay = false }
}

// WithStorage opens each ledger's state through open instead of memory.
func WithStorage(open func(ledger string) (storage.Database, error)) Option {
	return func(n *Network) {
		if open != nil {
			n.openDB = open
		}
	}
}

// WithLevelDB keeps each ledger's state in a LevelDB directory under dir.
func WithLevelDB(dir string) Option {
	return WithStorage(func(ledger string) (storage.Database, error) {
		return storage.NewLevelDB(filepath.Join(dir, ledger))
	})
}

// New creates an empty network on clock.
func New(clock settlement.Clock, opts ...Option) *Network {
	n := &Network{
		clock:   clock,
		emitter: events.NoopEmitter{},
		hasher:  bundle.PoseidonHasher{},
		width:   bundle.DefaultWidth,
		relay:   true,
		ledgers: make(map[string]*Ledger),
		held:    make(map[string]bool),
		openDB: func(string) (storage.Database, error) {
			return storage.NewMemDB(), nil
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = settlement.SystemClock()
	}
	return n
}

// AddLedger creates a ledger. Ledgers with an order book also run the
// trade matching engine.
func (n *Network) AddLedger(name string, orderBook bool) (*Ledger, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == "" {
		return nil, fmt.Errorf("simnet: ledger name required")
	}
	if _, dup := n.ledgers[name]; dup {
		return nil, fmt.Errorf("simnet: duplicate ledger %s", name)
	}
	now := func() int64 { return n.clock.Now().Unix() }
	db, err := n.openDB(name)
	if err != nil {
		return nil, fmt.Errorf("simnet: open %s state: %w", name, err)
	}
	l := &Ledger{
		name:   name,
		net:    n,
		db:     db,
		pauses: nativecommon.NewPauses(),
		vault:  AddressFor("escrow@" + name),
		faults: make(map[string][]error),
	}
	l.tokens = escrow.NewTokens(db)
	l.escrow = escrow.NewEngine(db, l.tokens, l.vault)
	l.escrow.SetNowFunc(now)
	l.escrow.SetEmitter(n.emitter)
	l.escrow.SetPauses(l.pauses)
	if orderBook {
		l.orders = matching.NewEngine(db)
		l.orders.SetNowFunc(now)
		l.orders.SetEmitter(n.emitter)
		l.orders.SetPauses(l.pauses)
	}
	n.ledgers[name] = l
	return l, nil
}

// Close releases every ledger's storage.
func (n *Network) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.ledgers {
		l.db.Close()
	}
}

// Ledger returns the named ledger or nil.
func (n *Network) Ledger(name string) *Ledger {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ledgers[name]
}

// Ledgers returns the ledgers sorted by name.
func (n *Network) Ledgers() []*Ledger {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Ledger, 0, len(n.ledgers))
	for _, l := range n.ledgers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Hold stops the relayer from executing bundles on ledger, leaving them to
// expire there. It simulates a relayer that crashed half way.
func (n *Network) Hold(ledger string, held bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held[ledger] = held
}

func (n *Network) isHeld(ledger string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.held[ledger]
}

// Participant binds party's identity on ledger into a settlement
// participant. The participant gets an order book client when the ledger
// runs one.
func (n *Network) Participant(name, party, ledger string, addr common.Address) (settlement.Participant, error) {
	l := n.Ledger(ledger)
	if l == nil {
		return settlement.Participant{}, fmt.Errorf("simnet: unknown ledger %s", ledger)
	}
	client := l.Client(addr)
	p := settlement.Participant{
		Name:    name,
		Party:   party,
		Ledger:  ledger,
		Address: addr,
		Escrow:  client,
	}
	if l.orders != nil {
		p.Orders = client
	}
	return p, nil
}

// Settlement assembles the settlement view of the network for participants.
func (n *Network) Settlement(participants []settlement.Participant) (*settlement.Network, error) {
	ledgers := n.Ledgers()
	views := make([]settlement.Ledger, 0, len(ledgers))
	for _, l := range ledgers {
		views = append(views, settlement.Ledger{Name: l.name, Status: l, Balances: l})
	}
	return settlement.NewNetwork(views, participants)
}

// Relay executes commitment on every ledger holding its legs once the leg
// secrets across ledgers rebuild it. It reports whether the bundle executed.
func (n *Network) Relay(commitment common.Hash) (bool, error) {
	if commitment == (common.Hash{}) {
		return false, nil
	}
	n.relayMu.Lock()
	defer n.relayMu.Unlock()

	chunks := make(map[uint32]bundle.Chunk)
	var holding []*Ledger
	for _, l := range n.Ledgers() {
		rec, err := l.escrow.Transactions(commitment)
		if err != nil {
			return false, err
		}
		switch rec.Status {
		case bundle.StatusCreated:
			continue
		case bundle.StatusSubmitted, bundle.StatusExecutionMonitored:
		default:
			return false, nil
		}
		for _, leg := range rec.Legs {
			if _, dup := chunks[leg.Index]; dup {
				return false, nil
			}
			chunks[leg.Index] = bundle.Chunk(leg.Chunk)
		}
		holding = append(holding, l)
	}
	ok, err := bundle.Verify(n.hasher, n.width, chunks, commitment)
	if err != nil || !ok {
		return false, err
	}
	executed := true
	for _, l := range holding {
		if n.isHeld(l.name) {
			executed = false
			continue
		}
		if err := l.escrow.BeginExecution(commitment); err != nil {
			return false, fmt.Errorf("simnet: begin execution on %s: %w", l.name, err)
		}
		if err := l.escrow.Execute(commitment); err != nil {
			return false, fmt.Errorf("simnet: execute on %s: %w", l.name, err)
		}
	}
	return executed, nil
}

func (n *Network) afterSchedule(commitment common.Hash) {
	if !n.relay {
		return
	}
	_, _ = n.Relay(commitment)
}

var txSeq atomic.Uint64

func txHash(ledger, method string) common.Hash {
	seq := txSeq.Add(1)
	return crypto.Keccak256Hash([]byte(ledger), []byte(method), common.BigToHash(new(big.Int).SetUint64(seq)).Bytes())
}
