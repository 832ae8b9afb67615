package bundle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects the escrow entry point a leg is scheduled through.
type Kind uint8

const (
	KindTransfer Kind = iota
	KindMint
	KindBurn
	KindTransfer1155
)

var (
	ErrUnknownKind       = errors.New("bundle: unknown leg kind")
	ErrMissingAsset      = errors.New("bundle: asset reference required")
	ErrInvalidAmount     = errors.New("bundle: amount must be positive")
	ErrInvalidRecipient  = errors.New("bundle: invalid recipient for leg kind")
	ErrInvalidAssetClass = errors.New("bundle: invalid asset class for leg kind")
	ErrMissingExpiry     = errors.New("bundle: expiry required")
	ErrMissingChunk      = errors.New("bundle: leg secret required")
	ErrMissingCommitment = errors.New("bundle: bundle commitment required")
)

func (k Kind) Valid() bool { return k <= KindTransfer1155 }

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	case KindTransfer1155:
		return "transfer1155"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Method returns the escrow contract method name for the kind.
func (k Kind) Method() string {
	switch k {
	case KindTransfer:
		return "scheduleTransfer"
	case KindMint:
		return "scheduleMint"
	case KindBurn:
		return "scheduleBurn"
	case KindTransfer1155:
		return "scheduleTransfer1155"
	default:
		return ""
	}
}

// ParseKind accepts the String form of a kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "transfer":
		return KindTransfer, nil
	case "mint":
		return KindMint, nil
	case "burn":
		return KindBurn, nil
	case "transfer1155", "transfer_1155":
		return KindTransfer1155, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// LegKey identifies a leg across every ledger.
type LegKey struct {
	Commitment common.Hash
	Index      uint32
}

func (k LegKey) String() string { return fmt.Sprintf("%s#%d", k.Commitment.Hex(), k.Index) }

// Leg is one scheduled state change on one ledger (the escrow's
// ScheduleRequest) together with the participant that submits it.
type Leg struct {
	Participant string
	Kind        Kind
	Asset       common.Address
	Recipient   common.Address
	AssetClass  *big.Int
	Amount      *big.Int
	Index       uint32
	Chunk       Chunk
	Commitment  common.Hash
	ExpireAt    time.Time
}

// Key returns the idempotency key of the leg.
func (l Leg) Key() LegKey { return LegKey{Commitment: l.Commitment, Index: l.Index} }

// Clone returns a deep copy of the leg.
func (l Leg) Clone() Leg {
	out := l
	out.AssetClass = cloneInt(l.AssetClass)
	out.Amount = cloneInt(l.Amount)
	return out
}

// validateTerms checks the economic fields shared by specs and legs.
func validateTerms(kind Kind, asset, recipient common.Address, class, amount *big.Int) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if asset == (common.Address{}) {
		return ErrMissingAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	switch kind {
	case KindBurn:
		if recipient != (common.Address{}) {
			return fmt.Errorf("%w: burn legs send to the zero address", ErrInvalidRecipient)
		}
	default:
		if recipient == (common.Address{}) {
			return fmt.Errorf("%w: %s leg needs a recipient", ErrInvalidRecipient, kind)
		}
	}
	switch kind {
	case KindTransfer1155:
		if class == nil || class.Sign() < 0 {
			return fmt.Errorf("%w: multi-class transfer needs a token id", ErrInvalidAssetClass)
		}
	default:
		if class != nil && class.Sign() != 0 {
			return fmt.Errorf("%w: fungible legs use class 0", ErrInvalidAssetClass)
		}
	}
	return nil
}

// Validate checks the leg before submission.
func (l Leg) Validate() error {
	if err := validateTerms(l.Kind, l.Asset, l.Recipient, l.AssetClass, l.Amount); err != nil {
		return err
	}
	if l.Chunk.IsZero() {
		return ErrMissingChunk
	}
	if l.Commitment == (common.Hash{}) {
		return ErrMissingCommitment
	}
	if l.ExpireAt.IsZero() {
		return ErrMissingExpiry
	}
	return nil
}

// SameRequest reports whether two legs carry identical on-ledger
// parameters. The submitting participant is routing data and is ignored.
func (l Leg) SameRequest(other Leg) bool {
	return l.Kind == other.Kind &&
		l.Asset == other.Asset &&
		l.Recipient == other.Recipient &&
		intEqual(l.AssetClass, other.AssetClass) &&
		intEqual(l.Amount, other.Amount) &&
		l.Index == other.Index &&
		l.Chunk == other.Chunk &&
		l.Commitment == other.Commitment &&
		l.ExpireAt.Unix() == other.ExpireAt.Unix()
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func intEqual(a, b *big.Int) bool {
	return cloneInt(a).Cmp(cloneInt(b)) == 0
}
