package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/storage"
)

var (
	ErrUnknownAsset        = errors.New("token book: unknown asset")
	ErrInsufficientBalance = errors.New("token book: insufficient balance")
	ErrInsufficientAllow   = errors.New("token book: insufficient allowance")
	ErrNotOperator         = errors.New("token book: escrow not approved as operator")
	ErrNotMinter           = errors.New("token book: account lacks minter authority")
)

var (
	tokenAssetPrefix    = []byte("tokens/asset/")
	tokenBalancePrefix  = []byte("tokens/balance/")
	tokenSupplyPrefix   = []byte("tokens/supply/")
	tokenAllowPrefix    = []byte("tokens/allowance/")
	tokenOperatorPrefix = []byte("tokens/operator/")
	tokenMinterPrefix   = []byte("tokens/minter/")
)

// AssetKind distinguishes fungible (ERC-20 style) from multi-class (ERC-1155
// style) assets.
type AssetKind uint8

const (
	AssetFungible AssetKind = iota + 1
	AssetMultiClass
)

// Tokens is the ledger-local token book used by the reference escrow: the
// balances, allowances and mint authority the escrow consumes from token
// contracts on a real ledger.
type Tokens struct {
	mu sync.Mutex
	db storage.Database
}

// NewTokens creates a token book over db.
func NewTokens(db storage.Database) *Tokens {
	return &Tokens{db: db}
}

// Register declares an asset. Operations on unregistered assets fail with
// ErrUnknownAsset.
func (t *Tokens) Register(asset common.Address, kind AssetKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Put(append(append([]byte{}, tokenAssetPrefix...), asset.Bytes()...), []byte{byte(kind)})
}

// AssetKind returns the registered kind of asset.
func (t *Tokens) AssetKind(asset common.Address) (AssetKind, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assetKind(asset)
}

func (t *Tokens) assetKind(asset common.Address) (AssetKind, error) {
	raw, err := t.db.Get(append(append([]byte{}, tokenAssetPrefix...), asset.Bytes()...))
	if errors.Is(err, storage.ErrNotFound) || len(raw) != 1 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if err != nil {
		return 0, err
	}
	return AssetKind(raw[0]), nil
}

// Mint credits holder and increases supply. It models the issuer's own
// minting outside of any bundle.
func (t *Tokens) Mint(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return err
	}
	return t.mint(asset, class, holder, amount)
}

// BalanceOf returns holder's balance of (asset, class).
func (t *Tokens) BalanceOf(asset common.Address, class *big.Int, holder common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return nil, err
	}
	return t.getInt(balanceKey(asset, class, holder))
}

// TotalSupply returns the outstanding supply of (asset, class).
func (t *Tokens) TotalSupply(asset common.Address, class *big.Int) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return nil, err
	}
	return t.getInt(supplyKey(asset, class))
}

// Approve sets the amount spender may pull from owner.
func (t *Tokens) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return err
	}
	return t.putInt(allowanceKey(asset, owner, spender), cloneBigInt(amount))
}

// Allowance returns the remaining allowance.
func (t *Tokens) Allowance(asset, owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getInt(allowanceKey(asset, owner, spender))
}

// SetApprovalForAll grants or revokes operator rights over every class of a
// multi-class asset.
func (t *Tokens) SetApprovalForAll(asset, owner, operator common.Address, approved bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return err
	}
	return t.putFlag(operatorKey(asset, owner, operator), approved)
}

// GrantMinter gives account authority to schedule mints of asset.
func (t *Tokens) GrantMinter(asset, account common.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.assetKind(asset); err != nil {
		return err
	}
	return t.putFlag(minterKey(asset, account), true)
}

// IsMinter reports whether account may mint asset.
func (t *Tokens) IsMinter(asset, account common.Address) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getFlag(minterKey(asset, account))
}

// pull moves amount from owner into the escrow vault, honouring the asset's
// approval model.
func (t *Tokens) pull(asset common.Address, class *big.Int, owner, vault common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kind, err := t.assetKind(asset)
	if err != nil {
		return err
	}
	switch kind {
	case AssetMultiClass:
		approved, err := t.getFlag(operatorKey(asset, owner, vault))
		if err != nil {
			return err
		}
		if !approved {
			return ErrNotOperator
		}
	default:
		allowance, err := t.getInt(allowanceKey(asset, owner, vault))
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllow
		}
		if err := t.move(asset, class, owner, vault, amount); err != nil {
			return err
		}
		return t.putInt(allowanceKey(asset, owner, vault), new(big.Int).Sub(allowance, amount))
	}
	return t.move(asset, class, owner, vault, amount)
}

// movement is one vault-side change applied when a bundle is released or
// refunded. Mints credit to without a debit; burns debit from without a credit.
type movement struct {
	index  uint32
	asset  common.Address
	class  *big.Int
	from   common.Address
	to     common.Address
	amount *big.Int
	mint   bool
	burn   bool
}

// settle applies moves as one unit: every debit is checked against current
// balances first and nothing is written unless all of them are covered.
func (t *Tokens) settle(moves []movement) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	need := make(map[string]*big.Int)
	var order []string
	first := make(map[string]uint32)
	for _, m := range moves {
		if _, err := t.assetKind(m.asset); err != nil {
			return fmt.Errorf("leg %d: %w", m.index, err)
		}
		if m.mint {
			continue
		}
		key := string(balanceKey(m.asset, m.class, m.from))
		total, ok := need[key]
		if !ok {
			total = new(big.Int)
			need[key] = total
			order = append(order, key)
			first[key] = m.index
		}
		total.Add(total, m.amount)
	}
	for _, key := range order {
		balance, err := t.getInt([]byte(key))
		if err != nil {
			return err
		}
		if balance.Cmp(need[key]) < 0 {
			return fmt.Errorf("leg %d: %w", first[key], ErrInsufficientBalance)
		}
	}
	for _, m := range moves {
		var err error
		switch {
		case m.mint:
			err = t.mint(m.asset, m.class, m.to, m.amount)
		case m.burn:
			err = t.burn(m.asset, m.class, m.from, m.amount)
		default:
			err = t.move(m.asset, m.class, m.from, m.to, m.amount)
		}
		if err != nil {
			return fmt.Errorf("leg %d: %w", m.index, err)
		}
	}
	return nil
}

func (t *Tokens) burn(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	if err := t.debit(asset, class, holder, amount); err != nil {
		return err
	}
	supply, err := t.getInt(supplyKey(asset, class))
	if err != nil {
		return err
	}
	return t.putInt(supplyKey(asset, class), supply.Sub(supply, amount))
}

func (t *Tokens) mint(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	if err := t.credit(asset, class, holder, amount); err != nil {
		return err
	}
	supply, err := t.getInt(supplyKey(asset, class))
	if err != nil {
		return err
	}
	return t.putInt(supplyKey(asset, class), supply.Add(supply, amount))
}

func (t *Tokens) move(asset common.Address, class *big.Int, from, to common.Address, amount *big.Int) error {
	if err := t.debit(asset, class, from, amount); err != nil {
		return err
	}
	return t.credit(asset, class, to, amount)
}

func (t *Tokens) debit(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	key := balanceKey(asset, class, holder)
	balance, err := t.getInt(key)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	return t.putInt(key, balance.Sub(balance, amount))
}

func (t *Tokens) credit(asset common.Address, class *big.Int, holder common.Address, amount *big.Int) error {
	key := balanceKey(asset, class, holder)
	balance, err := t.getInt(key)
	if err != nil {
		return err
	}
	return t.putInt(key, balance.Add(balance, amount))
}

func (t *Tokens) getInt(key []byte) (*big.Int, error) {
	raw, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (t *Tokens) putInt(key []byte, value *big.Int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("token book: negative value for %x", key)
	}
	return t.db.Put(key, value.Bytes())
}

func (t *Tokens) getFlag(key []byte) (bool, error) {
	raw, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func (t *Tokens) putFlag(key []byte, value bool) error {
	if !value {
		return t.db.Delete(key)
	}
	return t.db.Put(key, []byte{1})
}

func classBytes(class *big.Int) []byte {
	var buf [32]byte
	if class != nil && class.Sign() > 0 {
		class.FillBytes(buf[:])
	}
	return buf[:]
}

func joinKey(prefix []byte, parts ...[]byte) []byte {
	key := append([]byte{}, prefix...)
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}

func balanceKey(asset common.Address, class *big.Int, holder common.Address) []byte {
	return joinKey(tokenBalancePrefix, asset.Bytes(), classBytes(class), holder.Bytes())
}

func supplyKey(asset common.Address, class *big.Int) []byte {
	return joinKey(tokenSupplyPrefix, asset.Bytes(), classBytes(class))
}

func allowanceKey(asset, owner, spender common.Address) []byte {
	return joinKey(tokenAllowPrefix, asset.Bytes(), owner.Bytes(), spender.Bytes())
}

func operatorKey(asset, owner, operator common.Address) []byte {
	return joinKey(tokenOperatorPrefix, asset.Bytes(), owner.Bytes(), operator.Bytes())
}

func minterKey(asset, account common.Address) []byte {
	return joinKey(tokenMinterPrefix, asset.Bytes(), account.Bytes())
}
