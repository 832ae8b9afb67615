package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testChainID = big.NewInt(1001)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// viewHandler answers one eth_call against the decoded method.
type viewHandler func(to common.Address, method abi.Method, args []interface{}) []interface{}

// fakeNode is a minimal JSON-RPC ledger node: it accepts signed
// transactions, mines them instantly and serves contract views through
// registered handlers.
type fakeNode struct {
	t *testing.T

	mu            sync.Mutex
	nonce         uint64
	sent          []*types.Transaction
	receipts      map[common.Hash]uint64
	holdReceipts  bool
	failReceipts  bool
	revert        string
	httpFailures  int
	statuses      map[common.Hash]json.RawMessage
	proofs        map[common.Hash]json.RawMessage
	views         map[string]viewHandler
	viewCalls     map[string]int
	abis          []abi.ABI
	methodsCalled []string
}

func newFakeNode(t *testing.T) (*fakeNode, *Conn) {
	t.Helper()
	node := &fakeNode{
		t:         t,
		receipts:  make(map[common.Hash]uint64),
		statuses:  make(map[common.Hash]json.RawMessage),
		proofs:    make(map[common.Hash]json.RawMessage),
		views:     make(map[string]viewHandler),
		viewCalls: make(map[string]int),
		abis:      []abi.ABI{EscrowABI, TokenABI, OperationABI, DiscoveryABI, AnchorABI},
	}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	conn, err := Dial(context.Background(), srv.URL, Options{
		Name:           "central",
		ReceiptPoll:    time.Millisecond,
		ReceiptTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return node, conn
}

func (n *fakeNode) onView(sig string, h viewHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.views[sig] = h
}

// with mutates node state under its lock.
func (n *fakeNode) with(f func(n *fakeNode)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(n)
}

func (n *fakeNode) calls(sig string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.viewCalls[sig]
}

func (n *fakeNode) setStatus(commitment common.Hash, raw string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[commitment] = json.RawMessage(raw)
}

func (n *fakeNode) lastTx() *types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(n.t, n.sent, "no transaction sent")
	return n.sent[len(n.sent)-1]
}

func (n *fakeNode) method(data []byte) (abi.Method, []interface{}) {
	n.t.Helper()
	for _, contract := range n.abis {
		m, err := contract.MethodById(data[:4])
		if err != nil {
			continue
		}
		args, err := m.Inputs.Unpack(data[4:])
		require.NoError(n.t, err)
		return *m, args
	}
	n.t.Fatalf("unknown selector %x", data[:4])
	return abi.Method{}, nil
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	if n.httpFailures > 0 {
		n.httpFailures--
		n.mu.Unlock()
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	n.methodsCalled = append(n.methodsCalled, req.Method)
	n.mu.Unlock()

	result, failure := n.handle(req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if failure != nil {
		resp["error"] = failure
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(req rpcRequest) (interface{}, *rpcFailure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Method {
	case "eth_chainId":
		return (*hexutil.Big)(testChainID), nil
	case "eth_getTransactionCount":
		return hexutil.Uint64(n.nonce), nil
	case "eth_gasPrice":
		return (*hexutil.Big)(big.NewInt(0)), nil
	case "eth_estimateGas":
		if n.revert != "" {
			return nil, &rpcFailure{Code: 3, Message: "execution reverted: " + n.revert}
		}
		return hexutil.Uint64(100_000), nil
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		require.NoError(n.t, json.Unmarshal(req.Params[0], &raw))
		tx := new(types.Transaction)
		require.NoError(n.t, tx.UnmarshalBinary(raw))
		n.sent = append(n.sent, tx)
		n.nonce++
		if !n.holdReceipts {
			status := types.ReceiptStatusSuccessful
			if n.failReceipts {
				status = types.ReceiptStatusFailed
			}
			n.receipts[tx.Hash()] = status
		}
		return tx.Hash(), nil
	case "eth_getTransactionReceipt":
		var hash common.Hash
		require.NoError(n.t, json.Unmarshal(req.Params[0], &hash))
		status, ok := n.receipts[hash]
		if !ok {
			return nil, nil
		}
		return map[string]interface{}{
			"type":              "0x0",
			"status":            hexutil.Uint64(status),
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x0",
			"logsBloom":         types.Bloom{},
			"logs":              []interface{}{},
			"transactionHash":   hash,
			"transactionIndex":  "0x0",
			"blockHash":         common.HexToHash("0x01"),
			"blockNumber":       "0x1",
		}, nil
	case "eth_call":
		var call struct {
			To    common.Address `json:"to"`
			Data  hexutil.Bytes  `json:"data"`
			Input hexutil.Bytes  `json:"input"`
		}
		require.NoError(n.t, json.Unmarshal(req.Params[0], &call))
		data := call.Input
		if len(data) == 0 {
			data = call.Data
		}
		m, args := n.method(data)
		n.viewCalls[m.Sig]++
		h, ok := n.views[m.Sig]
		if !ok {
			return nil, &rpcFailure{Code: 3, Message: "execution reverted"}
		}
		out, err := m.Outputs.Pack(h(call.To, m, args)...)
		require.NoError(n.t, err)
		return hexutil.Bytes(out), nil
	case DefaultStatusMethod:
		var hash common.Hash
		require.NoError(n.t, json.Unmarshal(req.Params[0], &hash))
		raw, ok := n.statuses[hash]
		if !ok {
			return nil, nil
		}
		return map[string]json.RawMessage{"Status": raw}, nil
	case "eth_getTransactionByHash":
		var hash common.Hash
		require.NoError(n.t, json.Unmarshal(req.Params[0], &hash))
		raw, ok := n.proofs[hash]
		if !ok {
			return nil, nil
		}
		return raw, nil
	default:
		return nil, &rpcFailure{Code: -32601, Message: "method not found: " + req.Method}
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	return signer
}

// decodeTx recovers the sender and the called method of a sent transaction.
func (n *fakeNode) decodeTx(tx *types.Transaction) (common.Address, abi.Method, []interface{}) {
	n.t.Helper()
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(n.t, err)
	m, args := n.method(tx.Data())
	return from, m, args
}
