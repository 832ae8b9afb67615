package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address discovery keys the platform registers its contracts under.
const (
	KeyRealDigital       = "RealDigital"
	KeyTPFt              = "TPFt"
	KeyTPFtOperation1052 = "TPFtOperation1052"
	KeyTPFtOperation1002 = "TPFtOperation1002"
)

// RealTokenizadoKey is the discovery key of a bank's tokenised deposit.
func RealTokenizadoKey(cnpj8 uint64) string {
	return "RealTokenizado@" + strconv.FormatUint(cnpj8, 10)
}

// Discovery resolves contract addresses through the AddressDiscovery
// registry.
type Discovery struct {
	conn     *Conn
	registry common.Address
}

// NewDiscovery reads the registry at registry.
func NewDiscovery(conn *Conn, registry common.Address) *Discovery {
	return &Discovery{conn: conn, registry: registry}
}

// Resolve returns the address registered under keccak256(key).
func (d *Discovery) Resolve(ctx context.Context, key string) (common.Address, error) {
	method := DiscoveryABI.Methods["addressDiscovery"]
	data, err := pack(method, [32]byte(crypto.Keccak256Hash([]byte(key))))
	if err != nil {
		return common.Address{}, err
	}
	out, err := d.conn.view(ctx, common.Address{}, d.registry, data)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := unpackAddress(method, out)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("ledger: %q is not registered on %s", key, d.conn.Name())
	}
	return addr, nil
}

// ResolveAll resolves every key, failing on the first unregistered one.
func (d *Discovery) ResolveAll(ctx context.Context, keys ...string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(keys))
	for _, key := range keys {
		addr, err := d.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = addr
	}
	return out, nil
}
