package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
	"dvpsettle/native/matching"
)

// TxHandle acknowledges a state-changing call accepted by a ledger.
type TxHandle struct {
	Ledger string      `json:"ledger"`
	Hash   common.Hash `json:"txHash"`
	// Duplicate is set when the ledger already held an identical request and
	// the call changed nothing.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Escrow is one ledger's DvP escrow, bound to the signing identity of one
// participant.
type Escrow interface {
	ScheduleTransfer(ctx context.Context, leg bundle.Leg) (TxHandle, error)
	ScheduleMint(ctx context.Context, leg bundle.Leg) (TxHandle, error)
	ScheduleBurn(ctx context.Context, leg bundle.Leg) (TxHandle, error)
	ScheduleTransfer1155(ctx context.Context, leg bundle.Leg) (TxHandle, error)
	Execute(ctx context.Context, commitment common.Hash) (TxHandle, error)
	Cancel(ctx context.Context, commitment common.Hash) (TxHandle, error)
}

// StatusSource reports the bundle status one ledger's node observes.
type StatusSource interface {
	BundleStatus(ctx context.Context, commitment common.Hash) (bundle.Status, error)
}

// Balances reads token balances on one ledger. Fungible assets use class 0.
type Balances interface {
	BalanceOf(ctx context.Context, asset common.Address, class *big.Int, holder common.Address) (*big.Int, error)
}

// OrderBook is an operation contract (1052 or 1002) bound to one
// participant's signing identity. Submit dispatches to trade or
// auctionPlacement by the order's form.
type OrderBook interface {
	Submit(ctx context.Context, part matching.Part, order matching.Order) (TxHandle, error)
	MatchOrder(ctx context.Context, part matching.Part, order matching.Order) (bool, error)
}

// OrderReader is implemented by order books that can return stored terms.
// The handshake uses it to name the mismatching field.
type OrderReader interface {
	Order(ctx context.Context, operationID uint64) (*matching.Entry, bool, error)
}

// Journal persists run reports for operators.
type Journal interface {
	Record(ctx context.Context, report *Report) error
}

// Participant is a signing identity of one party on one ledger. A party (a
// bank, a client, the treasury) usually has one participant per ledger it
// holds assets on.
type Participant struct {
	Name    string
	Party   string
	Ledger  string
	Address common.Address
	Escrow  Escrow
	Orders  OrderBook
}

// Ledger groups the read side of one ledger.
type Ledger struct {
	Name     string
	Status   StatusSource
	Balances Balances
}

// Network is the immutable set of ledgers and participants one orchestrator
// settles across.
type Network struct {
	ledgers      map[string]Ledger
	participants map[string]Participant
}

// NewNetwork validates and indexes the configured ledgers and participants.
func NewNetwork(ledgers []Ledger, participants []Participant) (*Network, error) {
	n := &Network{
		ledgers:      make(map[string]Ledger, len(ledgers)),
		participants: make(map[string]Participant, len(participants)),
	}
	for _, l := range ledgers {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return nil, fmt.Errorf("settlement: ledger name required")
		}
		if l.Status == nil {
			return nil, fmt.Errorf("settlement: ledger %s has no status source", name)
		}
		if _, dup := n.ledgers[name]; dup {
			return nil, fmt.Errorf("settlement: duplicate ledger %s", name)
		}
		l.Name = name
		n.ledgers[name] = l
	}
	for _, p := range participants {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("settlement: participant name required")
		}
		if _, dup := n.participants[name]; dup {
			return nil, fmt.Errorf("settlement: duplicate participant %s", name)
		}
		if _, ok := n.ledgers[p.Ledger]; !ok {
			return nil, fmt.Errorf("%w: %s (participant %s)", ErrUnknownLedger, p.Ledger, name)
		}
		if p.Escrow == nil {
			return nil, fmt.Errorf("settlement: participant %s has no escrow client", name)
		}
		if p.Address == (common.Address{}) {
			return nil, fmt.Errorf("settlement: participant %s has no address", name)
		}
		p.Name = name
		p.Party = strings.TrimSpace(p.Party)
		if p.Party == "" {
			p.Party = name
		}
		n.participants[name] = p
	}
	return n, nil
}

// Participant looks up a participant by name.
func (n *Network) Participant(name string) (Participant, error) {
	p, ok := n.participants[name]
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
	}
	return p, nil
}

// Lookup finds the participant acting for party on ledger.
func (n *Network) Lookup(party, ledger string) (Participant, error) {
	for _, name := range n.Participants() {
		p := n.participants[name]
		if p.Party == party && p.Ledger == ledger {
			return p, nil
		}
	}
	return Participant{}, fmt.Errorf("%w: %s on %s", ErrUnknownParticipant, party, ledger)
}

// AddressOf returns party's address on ledger. Parties without a signing
// identity on that ledger are assumed to hold the same address they use
// elsewhere.
func (n *Network) AddressOf(party, ledger string) (common.Address, error) {
	if p, err := n.Lookup(party, ledger); err == nil {
		return p.Address, nil
	}
	for _, name := range n.Participants() {
		if p := n.participants[name]; p.Party == party {
			return p.Address, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, party)
}

// Ledger looks up a ledger by name.
func (n *Network) Ledger(name string) (Ledger, error) {
	l, ok := n.ledgers[name]
	if !ok {
		return Ledger{}, fmt.Errorf("%w: %s", ErrUnknownLedger, name)
	}
	return l, nil
}

// Ledgers returns the ledger names in sorted order.
func (n *Network) Ledgers() []string {
	out := make([]string, 0, len(n.ledgers))
	for name := range n.ledgers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Participants returns the participant names in sorted order.
func (n *Network) Participants() []string {
	out := make([]string, 0, len(n.participants))
	for name := range n.participants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Status reads one ledger's view of a bundle.
func (n *Network) Status(ctx context.Context, ledger string, commitment common.Hash) (bundle.Status, error) {
	l, err := n.Ledger(ledger)
	if err != nil {
		return 0, err
	}
	return l.Status.BundleStatus(ctx, commitment)
}

// escrowFor returns an escrow client on ledger, preferring the participant
// that submitted a leg there.
func (n *Network) escrowFor(ledger string, preferred []string) (Escrow, error) {
	for _, name := range preferred {
		if p, ok := n.participants[name]; ok && p.Ledger == ledger {
			return p.Escrow, nil
		}
	}
	for _, name := range n.Participants() {
		if p := n.participants[name]; p.Ledger == ledger {
			return p.Escrow, nil
		}
	}
	return nil, fmt.Errorf("%w: no participant on %s", ErrUnknownLedger, ledger)
}
