package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
	"dvpsettle/native/matching"
)

const scheduleRequestTuple = `{"name":"req","type":"tuple","components":[
	{"name":"tokenAddress","type":"address"},
	{"name":"to","type":"address"},
	{"name":"tokenType","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"index","type":"uint256"},
	{"name":"chunkHash","type":"bytes32"},
	{"name":"bundleHash","type":"bytes32"},
	{"name":"expireTime","type":"uint256"}]}`

const tpftTuple = `{"name":"tpftData","type":"tuple","components":[
	{"name":"acronym","type":"string"},
	{"name":"code","type":"string"},
	{"name":"maturityDate","type":"uint256"}]}`

const escrowABIJSON = `[
{"type":"function","name":"scheduleTransfer","stateMutability":"nonpayable","inputs":[` + scheduleRequestTuple + `],"outputs":[]},
{"type":"function","name":"scheduleMint","stateMutability":"nonpayable","inputs":[` + scheduleRequestTuple + `],"outputs":[]},
{"type":"function","name":"scheduleBurn","stateMutability":"nonpayable","inputs":[` + scheduleRequestTuple + `],"outputs":[]},
{"type":"function","name":"scheduleTransfer1155","stateMutability":"nonpayable","inputs":[` + scheduleRequestTuple + `],"outputs":[]},
{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"Transactions","stateMutability":"view","inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[
	{"name":"tokenAddress","type":"address"},
	{"name":"to","type":"address"},
	{"name":"tokenType","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"index","type":"uint256"},
	{"name":"chunkHash","type":"bytes32"},
	{"name":"bundleHash","type":"bytes32"},
	{"name":"expireTime","type":"uint256"}]}
]`

const tokenABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getTPFtId","stateMutability":"view","inputs":[` + tpftTuple + `],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const operationABIJSON = `[
{"type":"function","name":"trade","stateMutability":"nonpayable","inputs":[
	{"name":"operationId","type":"uint256"},
	{"name":"sender","type":"address"},
	{"name":"receiver","type":"address"},
	{"name":"callerPart","type":"uint8"},` + tpftTuple + `,
	{"name":"tpftAmount","type":"uint256"},
	{"name":"unitPrice","type":"uint256"}],"outputs":[]},
{"type":"function","name":"trade","stateMutability":"nonpayable","inputs":[
	{"name":"operationId","type":"uint256"},
	{"name":"sender","type":"address"},
	{"name":"senderToken","type":"address"},
	{"name":"receiver","type":"address"},
	{"name":"receiverToken","type":"address"},
	{"name":"callerPart","type":"uint8"},` + tpftTuple + `,
	{"name":"tpftAmount","type":"uint256"},
	{"name":"unitPrice","type":"uint256"}],"outputs":[]},
{"type":"function","name":"auctionPlacement","stateMutability":"nonpayable","inputs":[
	{"name":"operationId","type":"uint256"},
	{"name":"cnpj8Sender","type":"uint256"},
	{"name":"cnpj8Receiver","type":"uint256"},
	{"name":"sender","type":"address"},
	{"name":"receiver","type":"address"},
	{"name":"callerPart","type":"uint8"},` + tpftTuple + `,
	{"name":"tpftAmount","type":"uint256"},
	{"name":"unitPrice","type":"uint256"}],"outputs":[]},
{"type":"function","name":"matchOrder","stateMutability":"view","inputs":[
	{"name":"operationId","type":"uint256"},
	{"name":"sender","type":"address"},
	{"name":"receiver","type":"address"},
	{"name":"callerPart","type":"uint8"},` + tpftTuple + `,
	{"name":"tpftAmount","type":"uint256"},
	{"name":"unitPrice","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const discoveryABIJSON = `[
{"type":"function","name":"addressDiscovery","stateMutability":"view","inputs":[{"name":"key","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
]`

const anchorABIJSON = `[
{"type":"function","name":"queryTxRootExist","stateMutability":"view","inputs":[{"name":"contractAddress","type":"address"},{"name":"root","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"queryBalanceRootExist","stateMutability":"view","inputs":[{"name":"contractAddress","type":"address"},{"name":"root","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"bundleExpired","stateMutability":"view","inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"bundleFilled","stateMutability":"view","inputs":[{"name":"bundleHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Parsed contract interfaces.
var (
	EscrowABI    = mustParseABI("DvpEscrow", escrowABIJSON)
	TokenABI     = mustParseABI("token", tokenABIJSON)
	OperationABI = mustParseABI("TPFtOperation", operationABIJSON)
	DiscoveryABI = mustParseABI("AddressDiscovery", discoveryABIJSON)
	AnchorABI    = mustParseABI("RootStorage", anchorABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse %s abi: %v", name, err))
	}
	return parsed
}

// overload picks the method named raw that takes inputs arguments. abi.JSON
// renames overloads (trade, trade0, ...) in declaration order, so lookups go
// by arity instead of by generated name.
func overload(contract abi.ABI, raw string, inputs int) (abi.Method, error) {
	for _, m := range contract.Methods {
		if m.RawName == raw && len(m.Inputs) == inputs {
			return m, nil
		}
	}
	return abi.Method{}, fmt.Errorf("ledger: no %s overload with %d inputs", raw, inputs)
}

// pack encodes a call to method with its selector.
func pack(method abi.Method, args ...interface{}) ([]byte, error) {
	encoded, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method.Sig, err)
	}
	return append(append([]byte{}, method.ID...), encoded...), nil
}

// ScheduleRequest is the escrow's schedule tuple.
type ScheduleRequest struct {
	TokenAddress common.Address
	To           common.Address
	TokenType    *big.Int
	Amount       *big.Int
	Index        *big.Int
	ChunkHash    [32]byte
	BundleHash   [32]byte
	ExpireTime   *big.Int
}

// NewScheduleRequest maps a leg onto the escrow tuple. Fungible legs carry
// token type 0; burns carry the zero recipient.
func NewScheduleRequest(leg bundle.Leg) ScheduleRequest {
	tokenType := big.NewInt(0)
	if leg.AssetClass != nil {
		tokenType = new(big.Int).Set(leg.AssetClass)
	}
	to := leg.Recipient
	if leg.Kind == bundle.KindBurn {
		to = common.Address{}
	}
	return ScheduleRequest{
		TokenAddress: leg.Asset,
		To:           to,
		TokenType:    tokenType,
		Amount:       new(big.Int).Set(leg.Amount),
		Index:        new(big.Int).SetUint64(uint64(leg.Index)),
		ChunkHash:    leg.Chunk,
		BundleHash:   leg.Commitment,
		ExpireTime:   big.NewInt(leg.ExpireAt.Unix()),
	}
}

// Diff returns the first field on which other differs from r, or "" when
// both carry the same leg.
func (r ScheduleRequest) Diff(other ScheduleRequest) string {
	switch {
	case r.TokenAddress != other.TokenAddress:
		return "tokenAddress"
	case r.To != other.To:
		return "to"
	case !sameInt(r.TokenType, other.TokenType):
		return "tokenType"
	case !sameInt(r.Amount, other.Amount):
		return "amount"
	case !sameInt(r.Index, other.Index):
		return "index"
	case r.ChunkHash != other.ChunkHash:
		return "chunkHash"
	case r.BundleHash != other.BundleHash:
		return "bundleHash"
	case !sameInt(r.ExpireTime, other.ExpireTime):
		return "expireTime"
	}
	return ""
}

func sameInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

// TPFtData is the bond series tuple used by the TPFt and operation contracts.
type TPFtData struct {
	Acronym      string
	Code         string
	MaturityDate *big.Int
}

func tpftData(i matching.Instrument) TPFtData {
	return TPFtData{Acronym: i.Acronym, Code: i.Code, MaturityDate: new(big.Int).SetUint64(i.Maturity)}
}
