package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"dvpsettle/storage"
)

var (
	legPrefix    = []byte("escrow/leg/")
	bundlePrefix = []byte("escrow/bundle/")
)

// store persists escrow records in a key-value database using RLP.
type store struct {
	db storage.Database
}

func legKey(commitment common.Hash, index uint32) []byte {
	key := joinKey(legPrefix, commitment.Bytes())
	return append(key, byte(index>>24), byte(index>>16), byte(index>>8), byte(index))
}

func bundleKey(commitment common.Hash) []byte {
	return joinKey(bundlePrefix, commitment.Bytes())
}

func (s *store) getLeg(commitment common.Hash, index uint32) (*ScheduledLeg, bool, error) {
	raw, err := s.db.Get(legKey(commitment, index))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	leg := new(ScheduledLeg)
	if err := rlp.DecodeBytes(raw, leg); err != nil {
		return nil, false, fmt.Errorf("escrow engine: decode leg: %w", err)
	}
	return leg, true, nil
}

func (s *store) putLeg(leg *ScheduledLeg) error {
	encoded, err := rlp.EncodeToBytes(leg)
	if err != nil {
		return err
	}
	return s.db.Put(legKey(common.Hash(leg.Commitment), leg.Index), encoded)
}

func (s *store) getBundle(commitment common.Hash) (*Bundle, bool, error) {
	raw, err := s.db.Get(bundleKey(commitment))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b := new(Bundle)
	if err := rlp.DecodeBytes(raw, b); err != nil {
		return nil, false, fmt.Errorf("escrow engine: decode bundle: %w", err)
	}
	return b, true, nil
}

func (s *store) putBundle(b *Bundle) error {
	encoded, err := rlp.EncodeToBytes(b)
	if err != nil {
		return err
	}
	return s.db.Put(bundleKey(common.Hash(b.Commitment)), encoded)
}

func (s *store) legsOf(b *Bundle) ([]*ScheduledLeg, error) {
	legs := make([]*ScheduledLeg, 0, len(b.Indexes))
	for _, idx := range b.Indexes {
		leg, ok, err := s.getLeg(common.Hash(b.Commitment), idx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("escrow engine: bundle %x missing leg %d", b.Commitment, idx)
		}
		legs = append(legs, leg)
	}
	return legs, nil
}
