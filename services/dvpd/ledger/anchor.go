package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoProof is returned for transactions the ledger has not rolled up yet.
var ErrNoProof = errors.New("ledger: transaction has no rollup proof")

// AnchorReport states which of a transaction's roots are anchored on L1.
type AnchorReport struct {
	TxHash           common.Hash `json:"txHash"`
	TxRoot           string      `json:"txRoot"`
	FromRoot         string      `json:"fromRoot"`
	ToRoot           string      `json:"toRoot"`
	TxRootAnchored   bool        `json:"txRootAnchored"`
	FromRootAnchored bool        `json:"fromRootAnchored"`
	ToRootAnchored   bool        `json:"toRootAnchored"`
}

// Anchored reports whether every root was found.
func (r AnchorReport) Anchored() bool {
	return r.TxRootAnchored && r.FromRootAnchored && r.ToRootAnchored
}

// AnchorClient checks a ledger transaction's rollup roots against the L1
// RootStorage contract. It is independent of bundle status.
type AnchorClient struct {
	ledger   *Conn
	l1       *Conn
	storage  common.Address
	rollupID common.Address
}

// NewAnchorClient reads proofs from ledger and roots from the RootStorage at
// storage on l1. rollupID is the address the ledger's rollup task registers
// its roots under.
func NewAnchorClient(ledger, l1 *Conn, storage, rollupID common.Address) *AnchorClient {
	return &AnchorClient{ledger: ledger, l1: l1, storage: storage, rollupID: rollupID}
}

type transactionProof struct {
	TxProof struct {
		Root string `json:"root"`
	} `json:"txProof"`
	AccountProofs struct {
		SenderProof struct {
			FromRoot string `json:"fromRoot"`
		} `json:"senderProof"`
		ReceiverProof struct {
			ToRoot string `json:"toRoot"`
		} `json:"receiverProof"`
	} `json:"accountProofs"`
}

type provenTransaction struct {
	TransactionProof []transactionProof `json:"transactionProof"`
}

// Verify looks up the proof of txHash and asks L1 whether its transaction
// root and both balance roots exist.
func (a *AnchorClient) Verify(ctx context.Context, txHash common.Hash) (AnchorReport, error) {
	report := AnchorReport{TxHash: txHash}
	var tx *provenTransaction
	if err := a.ledger.Call(ctx, &tx, "eth_getTransactionByHash", txHash.Hex(), false); err != nil {
		return report, err
	}
	if tx == nil || len(tx.TransactionProof) == 0 {
		return report, fmt.Errorf("%w: %s", ErrNoProof, txHash.Hex())
	}
	proof := tx.TransactionProof[0]
	report.TxRoot = proof.TxProof.Root
	report.FromRoot = proof.AccountProofs.SenderProof.FromRoot
	report.ToRoot = proof.AccountProofs.ReceiverProof.ToRoot

	checks := []struct {
		method string
		root   string
		out    *bool
	}{
		{"queryTxRootExist", report.TxRoot, &report.TxRootAnchored},
		{"queryBalanceRootExist", report.FromRoot, &report.FromRootAnchored},
		{"queryBalanceRootExist", report.ToRoot, &report.ToRootAnchored},
	}
	for _, c := range checks {
		root, err := parseRoot(c.root)
		if err != nil {
			return report, err
		}
		ok, err := a.rootExists(ctx, c.method, root)
		if err != nil {
			return report, err
		}
		*c.out = ok
	}
	return report, nil
}

func (a *AnchorClient) rootExists(ctx context.Context, name string, root *big.Int) (bool, error) {
	method := AnchorABI.Methods[name]
	data, err := pack(method, a.rollupID, root)
	if err != nil {
		return false, err
	}
	out, err := a.l1.view(ctx, common.Address{}, a.storage, data)
	if err != nil {
		return false, err
	}
	return unpackBool(method, out)
}

// BundleState reads the L1 match contract's view of a commitment.
func (a *AnchorClient) BundleState(ctx context.Context, match common.Address, commitment common.Hash) (expired, filled bool, err error) {
	for _, q := range []struct {
		name string
		out  *bool
	}{{"bundleExpired", &expired}, {"bundleFilled", &filled}} {
		method := AnchorABI.Methods[q.name]
		data, perr := pack(method, [32]byte(commitment))
		if perr != nil {
			return false, false, perr
		}
		out, verr := a.l1.view(ctx, common.Address{}, match, data)
		if verr != nil {
			return false, false, verr
		}
		if *q.out, err = unpackBool(method, out); err != nil {
			return false, false, err
		}
	}
	return expired, filled, nil
}

// parseRoot reads the decimal strings proofs carry. Hex is accepted too.
func parseRoot(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	base := 10
	if strings.HasPrefix(raw, "0x") {
		raw, base = raw[2:], 16
	}
	root, ok := new(big.Int).SetString(raw, base)
	if !ok || root.Sign() < 0 {
		return nil, fmt.Errorf("ledger: malformed root %q", raw)
	}
	return root, nil
}
