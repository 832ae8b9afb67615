package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
)

// LegState tracks what happened to the value held for a single leg.
type LegState uint8

const (
	LegHeld LegState = iota
	LegReleased
	LegRefunded
)

// Valid reports whether the state value is within the supported range.
func (s LegState) Valid() bool { return s <= LegRefunded }

func (s LegState) String() string {
	switch s {
	case LegHeld:
		return "held"
	case LegReleased:
		return "released"
	case LegRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// ScheduledLeg is a leg as stored by the escrow: the request plus the
// account that funded it.
type ScheduledLeg struct {
	Sender      [20]byte
	Kind        uint8
	Asset       [20]byte
	Recipient   [20]byte
	AssetClass  *big.Int
	Amount      *big.Int
	Index       uint32
	Chunk       [32]byte
	Commitment  [32]byte
	ExpireAt    uint64
	State       LegState
	ScheduledAt uint64
}

func newScheduledLeg(sender common.Address, leg bundle.Leg, now int64) *ScheduledLeg {
	return &ScheduledLeg{
		Sender:      sender,
		Kind:        uint8(leg.Kind),
		Asset:       leg.Asset,
		Recipient:   leg.Recipient,
		AssetClass:  cloneBigInt(leg.AssetClass),
		Amount:      cloneBigInt(leg.Amount),
		Index:       leg.Index,
		Chunk:       leg.Chunk,
		Commitment:  leg.Commitment,
		ExpireAt:    uint64(leg.ExpireAt.Unix()),
		State:       LegHeld,
		ScheduledAt: uint64(now),
	}
}

// Leg converts the stored record back into a bundle leg.
func (s *ScheduledLeg) Leg() bundle.Leg {
	return bundle.Leg{
		Kind:       bundle.Kind(s.Kind),
		Asset:      common.Address(s.Asset),
		Recipient:  common.Address(s.Recipient),
		AssetClass: cloneBigInt(s.AssetClass),
		Amount:     cloneBigInt(s.Amount),
		Index:      s.Index,
		Chunk:      bundle.Chunk(s.Chunk),
		Commitment: common.Hash(s.Commitment),
		ExpireAt:   time.Unix(int64(s.ExpireAt), 0),
	}
}

// Clone returns a deep copy of the stored leg.
func (s *ScheduledLeg) Clone() *ScheduledLeg {
	if s == nil {
		return nil
	}
	clone := *s
	clone.AssetClass = cloneBigInt(s.AssetClass)
	clone.Amount = cloneBigInt(s.Amount)
	return &clone
}

// Bundle is the escrow's view of one bundle commitment on this ledger.
type Bundle struct {
	Commitment [32]byte
	Status     uint8
	Indexes    []uint32
	ExpireAt   uint64
	UpdatedAt  uint64
}

// BundleStatus returns the typed status.
func (b *Bundle) BundleStatus() bundle.Status {
	if b == nil {
		return bundle.StatusCreated
	}
	return bundle.Status(b.Status)
}

// Clone returns a deep copy of the bundle record.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Indexes = append([]uint32(nil), b.Indexes...)
	return &clone
}

func (b *Bundle) hasIndex(idx uint32) bool {
	for _, existing := range b.Indexes {
		if existing == idx {
			return true
		}
	}
	return false
}

// Record is the status record returned by Transactions: the bundle and its
// legs on this ledger.
type Record struct {
	Commitment common.Hash
	Status     bundle.Status
	ExpireAt   time.Time
	Legs       []*ScheduledLeg
}
