package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"dvpsettle/native/bundle"
)

// DefaultStatusMethod is the node extension that reports bundle status.
const DefaultStatusMethod = "eth_checkTransactionBundle"

// StatusClient queries a node for the status of a bundle commitment.
type StatusClient struct {
	conn   *Conn
	method string
}

// NewStatusClient uses method, or DefaultStatusMethod when empty.
func NewStatusClient(conn *Conn, method string) *StatusClient {
	method = strings.TrimSpace(method)
	if method == "" {
		method = DefaultStatusMethod
	}
	return &StatusClient{conn: conn, method: method}
}

type bundleStatusResult struct {
	Status json.RawMessage `json:"Status"`
}

// BundleStatus implements settlement.StatusSource. A node that does not know
// the commitment yet reports Created.
func (s *StatusClient) BundleStatus(ctx context.Context, commitment common.Hash) (bundle.Status, error) {
	var result *bundleStatusResult
	if err := s.conn.Call(ctx, &result, s.method, commitment.Hex()); err != nil {
		return 0, err
	}
	if result == nil || len(result.Status) == 0 || string(result.Status) == "null" {
		return bundle.StatusCreated, nil
	}
	raw, err := decodeStatus(result.Status)
	if err != nil {
		return 0, fmt.Errorf("ledger: %s status for %s: %w", s.conn.Name(), commitment.Hex(), err)
	}
	return bundle.ParseStatus(raw)
}

// decodeStatus accepts a JSON number, a decimal string or a hex quantity.
func decodeStatus(raw json.RawMessage) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unexpected status %s", raw)
	}
	if strings.HasPrefix(s, "0x") {
		return hexutil.DecodeUint64(s)
	}
	return strconv.ParseUint(s, 10, 64)
}
