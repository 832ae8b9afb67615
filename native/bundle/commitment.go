package bundle

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// ChunkSize is the byte width of a leg secret.
	ChunkSize = 32
	// DefaultWidth is the number of slots hashed into a bundle commitment.
	// Bundles with fewer legs pad the remaining slots with the zero sentinel.
	DefaultWidth = 3
	// MaxWidth bounds the commitment arity accepted by the hashers.
	MaxWidth = 16

	HasherPoseidon  = "poseidon"
	HasherKeccak256 = "keccak256"
)

var (
	ErrNoChunks      = errors.New("bundle: at least one leg secret required")
	ErrTooManyChunks = errors.New("bundle: more leg secrets than commitment width")
	ErrInvalidWidth  = errors.New("bundle: invalid commitment width")
	ErrZeroChunk     = errors.New("bundle: leg secret equals the padding sentinel")
	ErrChunkLength   = errors.New("bundle: leg secret must be 32 bytes")
	ErrUnknownHasher = errors.New("bundle: unknown commitment hasher")
)

// bn254Modulus is the scalar field of the BN254 curve that Poseidon operates on.
var bn254Modulus = uint256.MustFromHex("0x30644e72e131a029b85045b68181585d2833e84879b9709143e1f593f0000001")

// Chunk is a per-leg secret. Its position in a bundle is the leg index.
type Chunk [ChunkSize]byte

// NewChunk draws a fresh random leg secret.
func NewChunk() (Chunk, error) {
	var c Chunk
	for {
		if _, err := rand.Read(c[:]); err != nil {
			return Chunk{}, fmt.Errorf("bundle: read entropy: %w", err)
		}
		if !c.IsZero() {
			return c, nil
		}
	}
}

// ParseChunk decodes a 0x-prefixed 32 byte hex string.
func ParseChunk(raw string) (Chunk, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return Chunk{}, fmt.Errorf("bundle: decode leg secret: %w", err)
	}
	return ChunkFromBytes(decoded)
}

// ChunkFromBytes copies a 32 byte slice into a Chunk.
func ChunkFromBytes(b []byte) (Chunk, error) {
	if len(b) != ChunkSize {
		return Chunk{}, ErrChunkLength
	}
	var c Chunk
	copy(c[:], b)
	return c, nil
}

// IsZero reports whether the chunk is the padding sentinel.
func (c Chunk) IsZero() bool { return c == Chunk{} }

// Hex renders the chunk as 0x-prefixed lowercase hex.
func (c Chunk) Hex() string { return hexutil.Encode(c[:]) }

// Hash returns the chunk as the bytes32 value submitted on-chain.
func (c Chunk) Hash() common.Hash { return common.Hash(c) }

func (c Chunk) String() string { return c.Hex() }

// Hasher folds a constant-width, ordered slot list into a commitment.
type Hasher interface {
	Name() string
	Hash(slots []Chunk) (common.Hash, error)
}

// PoseidonHasher computes the circom-compatible Poseidon hash over the BN254
// scalar field. Slots are reduced modulo the field before hashing.
type PoseidonHasher struct{}

func (PoseidonHasher) Name() string { return HasherPoseidon }

func (PoseidonHasher) Hash(slots []Chunk) (common.Hash, error) {
	inputs := make([]*big.Int, len(slots))
	for i := range slots {
		element := new(uint256.Int).SetBytes32(slots[i][:])
		element.Mod(element, bn254Modulus)
		inputs[i] = element.ToBig()
	}
	out, err := poseidon.Hash(inputs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("bundle: poseidon: %w", err)
	}
	return common.BigToHash(out), nil
}

// KeccakHasher hashes the concatenated slots with keccak256.
type KeccakHasher struct{}

func (KeccakHasher) Name() string { return HasherKeccak256 }

func (KeccakHasher) Hash(slots []Chunk) (common.Hash, error) {
	buf := make([]byte, 0, len(slots)*ChunkSize)
	for i := range slots {
		buf = append(buf, slots[i][:]...)
	}
	return ethcrypto.Keccak256Hash(buf), nil
}

// HasherByName resolves a configured hasher name. An empty name selects
// Poseidon, which is what the escrow contracts verify against.
func HasherByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HasherPoseidon:
		return PoseidonHasher{}, nil
	case HasherKeccak256, "keccak":
		return KeccakHasher{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
}

// Build derives the bundle commitment from the ordered leg secrets. The
// secret at position i belongs to the leg with index i. Unused slots up to
// width are filled with the zero sentinel so the hash domain never changes
// with the number of legs.
func Build(h Hasher, chunks []Chunk, width int) (common.Hash, error) {
	if h == nil {
		return common.Hash{}, ErrUnknownHasher
	}
	if width <= 0 || width > MaxWidth {
		return common.Hash{}, ErrInvalidWidth
	}
	if len(chunks) == 0 {
		return common.Hash{}, ErrNoChunks
	}
	if len(chunks) > width {
		return common.Hash{}, ErrTooManyChunks
	}
	slots := make([]Chunk, width)
	for i, c := range chunks {
		if c.IsZero() {
			return common.Hash{}, ErrZeroChunk
		}
		slots[i] = c
	}
	return h.Hash(slots)
}

// Verify recomputes the commitment from secrets keyed by leg index and
// reports whether it equals commitment. Missing indexes below the highest
// present one make the set incomplete.
func Verify(h Hasher, width int, byIndex map[uint32]Chunk, commitment common.Hash) (bool, error) {
	if len(byIndex) == 0 {
		return false, nil
	}
	ordered := make([]Chunk, len(byIndex))
	for idx, c := range byIndex {
		if int(idx) >= len(byIndex) {
			return false, nil
		}
		ordered[idx] = c
	}
	got, err := Build(h, ordered, width)
	if err != nil {
		return false, err
	}
	return got == commitment, nil
}
