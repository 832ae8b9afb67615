package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
)

type balanceKey struct {
	ledger string
	asset  common.Address
	class  string
	holder common.Address
}

type balanceEntry struct {
	key      balanceKey
	class    *big.Int
	expected *big.Int
	before   *big.Int
}

// expectedDeltas derives the net balance change every executed leg implies:
// transfers debit the submitter and credit the recipient, burns only debit,
// mints only credit.
func expectedDeltas(n *Network, plan *bundle.Plan) ([]*balanceEntry, error) {
	index := make(map[balanceKey]*balanceEntry)
	var ordered []*balanceEntry
	add := func(ledger string, asset common.Address, class *big.Int, holder common.Address, delta *big.Int) {
		if class == nil {
			class = new(big.Int)
		}
		key := balanceKey{ledger: ledger, asset: asset, class: class.String(), holder: holder}
		entry, ok := index[key]
		if !ok {
			entry = &balanceEntry{key: key, class: new(big.Int).Set(class), expected: new(big.Int)}
			index[key] = entry
			ordered = append(ordered, entry)
		}
		entry.expected.Add(entry.expected, delta)
	}
	for _, leg := range plan.Legs {
		p, err := n.Participant(leg.Participant)
		if err != nil {
			return nil, err
		}
		amount := new(big.Int).Set(leg.Amount)
		switch leg.Kind {
		case bundle.KindMint:
			add(p.Ledger, leg.Asset, leg.AssetClass, leg.Recipient, amount)
		case bundle.KindBurn:
			add(p.Ledger, leg.Asset, leg.AssetClass, p.Address, new(big.Int).Neg(amount))
		default:
			add(p.Ledger, leg.Asset, leg.AssetClass, p.Address, new(big.Int).Neg(amount))
			add(p.Ledger, leg.Asset, leg.AssetClass, leg.Recipient, amount)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].key, ordered[j].key
		if a.ledger != b.ledger {
			return a.ledger < b.ledger
		}
		if a.asset != b.asset {
			return a.asset.Hex() < b.asset.Hex()
		}
		if a.class != b.class {
			return a.class < b.class
		}
		return a.holder.Hex() < b.holder.Hex()
	})
	return ordered, nil
}

// snapshotBalances reads the pre-settlement balance of every affected
// holder. Ledgers without a balance reader are skipped.
func snapshotBalances(ctx context.Context, n *Network, entries []*balanceEntry) ([]*balanceEntry, error) {
	out := make([]*balanceEntry, 0, len(entries))
	for _, entry := range entries {
		l, err := n.Ledger(entry.key.ledger)
		if err != nil {
			return nil, err
		}
		if l.Balances == nil {
			continue
		}
		bal, err := l.Balances.BalanceOf(ctx, entry.key.asset, entry.class, entry.key.holder)
		if err != nil {
			return nil, fmt.Errorf("settlement: snapshot %s balance of %s: %w", entry.key.ledger, entry.key.holder.Hex(), err)
		}
		entry.before = bal
		out = append(out, entry)
	}
	return out, nil
}

// verifyBalances compares post-settlement balances against the snapshot.
func verifyBalances(ctx context.Context, n *Network, entries []*balanceEntry) ([]BalanceDelta, bool, error) {
	deltas := make([]BalanceDelta, 0, len(entries))
	allOK := true
	for _, entry := range entries {
		l, err := n.Ledger(entry.key.ledger)
		if err != nil {
			return nil, false, err
		}
		after, err := l.Balances.BalanceOf(ctx, entry.key.asset, entry.class, entry.key.holder)
		if err != nil {
			return nil, false, fmt.Errorf("settlement: verify %s balance of %s: %w", entry.key.ledger, entry.key.holder.Hex(), err)
		}
		actual := new(big.Int).Sub(after, entry.before)
		ok := actual.Cmp(entry.expected) == 0
		if !ok {
			allOK = false
		}
		deltas = append(deltas, BalanceDelta{
			Ledger:   entry.key.ledger,
			Asset:    entry.key.asset.Hex(),
			Class:    entry.key.class,
			Holder:   entry.key.holder.Hex(),
			Expected: entry.expected.String(),
			Actual:   actual.String(),
			OK:       ok,
		})
	}
	return deltas, allOK, nil
}
