package bundle

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func sequenceSource(fills ...byte) ChunkSource {
	i := 0
	return func() (Chunk, error) {
		c := chunkOf(fills[i])
		i++
		return c, nil
	}
}

func testSpecs() []Spec {
	return []Spec{
		{
			Participant: "bank-b@selic",
			Kind:        KindTransfer1155,
			Asset:       common.HexToAddress("0x20"),
			Recipient:   common.HexToAddress("0xa1"),
			AssetClass:  big.NewInt(7),
			Amount:      big.NewInt(10),
			Index:       1,
		},
		{
			Participant: "bank-a@central",
			Kind:        KindTransfer,
			Asset:       common.HexToAddress("0x10"),
			Recipient:   common.HexToAddress("0xb2"),
			Amount:      big.NewInt(1000),
			Index:       0,
		},
	}
}

func TestNewPlanOrdersLegsAndStampsCommitment(t *testing.T) {
	expiry := time.Unix(1_900_000_000, 0)
	plan, err := NewPlan(KeccakHasher{}, DefaultWidth, testSpecs(), expiry, sequenceSource(0x01, 0x02))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 2)
	require.Equal(t, uint32(0), plan.Legs[0].Index)
	require.Equal(t, "bank-a@central", plan.Legs[0].Participant)
	require.Equal(t, chunkOf(0x01), plan.Legs[0].Chunk)

	want, err := Build(KeccakHasher{}, []Chunk{chunkOf(0x01), chunkOf(0x02)}, DefaultWidth)
	require.NoError(t, err)
	require.Equal(t, want, plan.Commitment)
	for _, leg := range plan.Legs {
		require.Equal(t, want, leg.Commitment)
		require.NoError(t, leg.Validate())
	}
	require.Equal(t, expiry, plan.LatestExpiry())
	require.Equal(t, []string{"bank-a@central", "bank-b@selic"}, plan.Participants())
}

func TestNewPlanRejectsIndexProblems(t *testing.T) {
	expiry := time.Unix(1_900_000_000, 0)

	dup := testSpecs()
	dup[0].Index = 0
	_, err := NewPlan(KeccakHasher{}, DefaultWidth, dup, expiry, nil)
	require.ErrorIs(t, err, ErrDuplicateIndex)

	gap := testSpecs()
	gap[0].Index = 2
	_, err = NewPlan(KeccakHasher{}, DefaultWidth, gap, expiry, nil)
	require.ErrorIs(t, err, ErrIndexGap)
}

func TestSpecValidation(t *testing.T) {
	burn := Spec{
		Participant: "bank",
		Kind:        KindBurn,
		Asset:       common.HexToAddress("0x10"),
		Recipient:   common.HexToAddress("0x11"),
		Amount:      big.NewInt(1),
	}
	require.ErrorIs(t, burn.Validate(), ErrInvalidRecipient)
	burn.Recipient = common.Address{}
	require.NoError(t, burn.Validate())

	fungible := testSpecs()[1]
	fungible.AssetClass = big.NewInt(3)
	require.ErrorIs(t, fungible.Validate(), ErrInvalidAssetClass)

	multi := testSpecs()[0]
	multi.AssetClass = nil
	require.ErrorIs(t, multi.Validate(), ErrInvalidAssetClass)

	zero := testSpecs()[1]
	zero.Amount = big.NewInt(0)
	require.ErrorIs(t, zero.Validate(), ErrInvalidAmount)
}

func TestLegSameRequestIgnoresParticipant(t *testing.T) {
	plan, err := NewPlan(KeccakHasher{}, DefaultWidth, testSpecs(), time.Unix(1_900_000_000, 0), nil)
	require.NoError(t, err)
	leg := plan.Legs[0]
	other := leg.Clone()
	other.Participant = "someone-else"
	require.True(t, leg.SameRequest(other))
	other.Amount = big.NewInt(999)
	require.False(t, leg.SameRequest(other))
}

func TestKindText(t *testing.T) {
	for _, k := range []Kind{KindTransfer, KindMint, KindBurn, KindTransfer1155} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, k, back)
		require.NotEmpty(t, k.Method())
	}
	_, err := ParseKind("swap")
	require.ErrorIs(t, err, ErrUnknownKind)
}
