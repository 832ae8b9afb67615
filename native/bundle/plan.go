package bundle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrDuplicateIndex = errors.New("bundle: duplicate leg index")
	ErrIndexGap       = errors.New("bundle: leg indexes must be contiguous from 0")
	ErrNoLegs         = errors.New("bundle: no legs")
	ErrNoParticipant  = errors.New("bundle: leg participant required")
)

// Spec describes a leg before its secret and commitment exist.
type Spec struct {
	Participant string         `json:"participant"`
	Kind        Kind           `json:"kind"`
	Asset       common.Address `json:"asset"`
	Recipient   common.Address `json:"recipient"`
	AssetClass  *big.Int       `json:"assetClass,omitempty"`
	Amount      *big.Int       `json:"amount"`
	Index       uint32         `json:"index"`
	// ExpireAt overrides the plan-wide expiry when set.
	ExpireAt time.Time `json:"expireAt,omitempty"`
}

// Validate checks the spec's economic fields.
func (s Spec) Validate() error {
	if s.Participant == "" {
		return ErrNoParticipant
	}
	return validateTerms(s.Kind, s.Asset, s.Recipient, s.AssetClass, s.Amount)
}

// ChunkSource produces leg secrets. NewChunk is the production source.
type ChunkSource func() (Chunk, error)

// Plan is the immutable, fully committed form of one bundle.
type Plan struct {
	Commitment common.Hash
	Hasher     string
	Width      int
	Legs       []Leg
}

// NewPlan assigns a fresh secret to every leg, derives the commitment in
// leg-index order and stamps it on each leg.
func NewPlan(h Hasher, width int, specs []Spec, expireAt time.Time, source ChunkSource) (*Plan, error) {
	if len(specs) == 0 {
		return nil, ErrNoLegs
	}
	if h == nil {
		return nil, ErrUnknownHasher
	}
	if source == nil {
		source = NewChunk
	}
	ordered := make([]Spec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for i, spec := range ordered {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("leg %d: %w", spec.Index, err)
		}
		if i > 0 && ordered[i-1].Index == spec.Index {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, spec.Index)
		}
		if spec.Index != uint32(i) {
			return nil, fmt.Errorf("%w: missing index %d", ErrIndexGap, i)
		}
	}

	chunks := make([]Chunk, len(ordered))
	for i := range ordered {
		c, err := source()
		if err != nil {
			return nil, err
		}
		chunks[i] = c
	}
	commitment, err := Build(h, chunks, width)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, len(ordered))
	for i, spec := range ordered {
		expiry := expireAt
		if !spec.ExpireAt.IsZero() {
			expiry = spec.ExpireAt
		}
		if expiry.IsZero() {
			return nil, fmt.Errorf("leg %d: %w", spec.Index, ErrMissingExpiry)
		}
		legs[i] = Leg{
			Participant: spec.Participant,
			Kind:        spec.Kind,
			Asset:       spec.Asset,
			Recipient:   spec.Recipient,
			AssetClass:  cloneInt(spec.AssetClass),
			Amount:      cloneInt(spec.Amount),
			Index:       spec.Index,
			Chunk:       chunks[i],
			Commitment:  commitment,
			ExpireAt:    expiry.Truncate(time.Second),
		}
	}
	return &Plan{Commitment: commitment, Hasher: h.Name(), Width: width, Legs: legs}, nil
}

// LatestExpiry returns the latest leg expiry; the oracle deadline must not
// be earlier than it.
func (p *Plan) LatestExpiry() time.Time {
	var latest time.Time
	if p == nil {
		return latest
	}
	for _, leg := range p.Legs {
		if leg.ExpireAt.After(latest) {
			latest = leg.ExpireAt
		}
	}
	return latest
}

// Chunks returns the leg secrets ordered by leg index.
func (p *Plan) Chunks() []Chunk {
	if p == nil {
		return nil
	}
	out := make([]Chunk, len(p.Legs))
	for i, leg := range p.Legs {
		out[i] = leg.Chunk
	}
	return out
}

// Participants lists the distinct submitting participants in leg order.
func (p *Plan) Participants() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Legs))
	out := make([]string, 0, len(p.Legs))
	for _, leg := range p.Legs {
		if _, ok := seen[leg.Participant]; ok {
			continue
		}
		seen[leg.Participant] = struct{}{}
		out = append(out, leg.Participant)
	}
	return out
}
