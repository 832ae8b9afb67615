package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dvpsettle/native/matching"
)

// TokenClient reads ERC-20 and ERC-1155 balances on one ledger.
type TokenClient struct {
	conn *Conn
}

// NewTokenClient reads through conn.
func NewTokenClient(conn *Conn) *TokenClient { return &TokenClient{conn: conn} }

// BalanceOf implements settlement.Balances. A nil or zero class reads the
// fungible balanceOf(account).
func (t *TokenClient) BalanceOf(ctx context.Context, asset common.Address, class *big.Int, holder common.Address) (*big.Int, error) {
	var (
		data []byte
		err  error
	)
	if class == nil || class.Sign() == 0 {
		method, ferr := overload(TokenABI, "balanceOf", 1)
		if ferr != nil {
			return nil, ferr
		}
		data, err = pack(method, holder)
	} else {
		method, ferr := overload(TokenABI, "balanceOf", 2)
		if ferr != nil {
			return nil, ferr
		}
		data, err = pack(method, holder, class)
	}
	if err != nil {
		return nil, err
	}
	out, err := t.conn.view(ctx, common.Address{}, asset, data)
	if err != nil {
		return nil, err
	}
	return unpackUint(TokenABI.Methods["balanceOf"], out)
}

// HasRole reports whether account holds role on contract. Roles are named
// the way the contracts declare them, MINTER_ROLE for example, and hashed
// with keccak256.
func (t *TokenClient) HasRole(ctx context.Context, contract common.Address, role string, account common.Address) (bool, error) {
	data, err := pack(TokenABI.Methods["hasRole"], [32]byte(crypto.Keccak256Hash([]byte(role))), account)
	if err != nil {
		return false, err
	}
	out, err := t.conn.view(ctx, common.Address{}, contract, data)
	if err != nil {
		return false, err
	}
	return unpackBool(TokenABI.Methods["hasRole"], out)
}

// Instruments resolves bond series to TPFt class ids through getTPFtId,
// caching what it has seen. It implements settlement.InstrumentResolver.
type Instruments struct {
	conn *Conn
	tpft common.Address

	mu    sync.Mutex
	cache map[matching.Instrument]*big.Int
}

// NewInstruments queries the TPFt contract at tpft.
func NewInstruments(conn *Conn, tpft common.Address) *Instruments {
	return &Instruments{conn: conn, tpft: tpft, cache: make(map[matching.Instrument]*big.Int)}
}

func (i *Instruments) InstrumentID(ctx context.Context, instrument matching.Instrument) (*big.Int, error) {
	i.mu.Lock()
	cached, ok := i.cache[instrument]
	i.mu.Unlock()
	if ok {
		return new(big.Int).Set(cached), nil
	}
	method := TokenABI.Methods["getTPFtId"]
	data, err := pack(method, tpftData(instrument))
	if err != nil {
		return nil, err
	}
	out, err := i.conn.view(ctx, common.Address{}, i.tpft, data)
	if err != nil {
		return nil, err
	}
	id, err := unpackUint(method, out)
	if err != nil {
		return nil, err
	}
	if id.Sign() == 0 {
		return nil, fmt.Errorf("ledger: %s is not issued", instrument)
	}
	i.mu.Lock()
	i.cache[instrument] = new(big.Int).Set(id)
	i.mu.Unlock()
	return id, nil
}

func unpackUint(method abi.Method, out []byte) (*big.Int, error) {
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method.Name, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("ledger: %s returned %d values", method.Name, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: %s returned %T", method.Name, values[0])
	}
	return v, nil
}

func unpackBool(method abi.Method, out []byte) (bool, error) {
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return false, fmt.Errorf("ledger: unpack %s: %w", method.Name, err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("ledger: %s returned %d values", method.Name, len(values))
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("ledger: %s returned %T", method.Name, values[0])
	}
	return v, nil
}

func unpackAddress(method abi.Method, out []byte) (common.Address, error) {
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: unpack %s: %w", method.Name, err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("ledger: %s returned %d values", method.Name, len(values))
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: %s returned %T", method.Name, values[0])
	}
	return v, nil
}
