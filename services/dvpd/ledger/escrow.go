package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
	"dvpsettle/services/dvpd/settlement"
)

// EscrowClient drives one ledger's DvpEscrow contract as one participant.
type EscrowClient struct {
	conn     *Conn
	contract common.Address
	signer   *Signer
}

// NewEscrowClient binds the escrow at contract to signer.
func NewEscrowClient(conn *Conn, contract common.Address, signer *Signer) (*EscrowClient, error) {
	if conn == nil || signer == nil {
		return nil, fmt.Errorf("ledger: escrow client needs a connection and a signer")
	}
	if contract == (common.Address{}) {
		return nil, fmt.Errorf("ledger: escrow address required on %s", conn.Name())
	}
	return &EscrowClient{conn: conn, contract: contract, signer: signer}, nil
}

// Address returns the signing account.
func (e *EscrowClient) Address() common.Address { return e.signer.Address() }

func (e *EscrowClient) ScheduleTransfer(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return e.schedule(ctx, bundle.KindTransfer, leg)
}

func (e *EscrowClient) ScheduleMint(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return e.schedule(ctx, bundle.KindMint, leg)
}

func (e *EscrowClient) ScheduleBurn(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return e.schedule(ctx, bundle.KindBurn, leg)
}

func (e *EscrowClient) ScheduleTransfer1155(ctx context.Context, leg bundle.Leg) (settlement.TxHandle, error) {
	return e.schedule(ctx, bundle.KindTransfer1155, leg)
}

func (e *EscrowClient) schedule(ctx context.Context, kind bundle.Kind, leg bundle.Leg) (settlement.TxHandle, error) {
	if leg.Kind != kind {
		return settlement.TxHandle{}, fmt.Errorf("ledger: %s leg sent to %s", leg.Kind, kind.Method())
	}
	method, ok := EscrowABI.Methods[kind.Method()]
	if !ok {
		return settlement.TxHandle{}, fmt.Errorf("%w: %s", bundle.ErrUnknownKind, kind)
	}
	req := NewScheduleRequest(leg)
	data, err := pack(method, req)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	hash, err := e.conn.transact(ctx, e.signer, e.contract, data)
	if isDuplicate(err) {
		stored, serr := e.Stored(ctx, leg.Commitment)
		if serr != nil {
			return settlement.TxHandle{}, serr
		}
		if field := req.Diff(stored); field != "" {
			return settlement.TxHandle{}, settlement.Precondition(fmt.Errorf("%w: %s differs on %s for %s",
				ErrScheduleConflict, field, e.conn.Name(), leg.Commitment.Hex()))
		}
		return settlement.TxHandle{Ledger: e.conn.Name(), Hash: hash, Duplicate: true}, nil
	}
	if err != nil {
		return settlement.TxHandle{}, err
	}
	return settlement.TxHandle{Ledger: e.conn.Name(), Hash: hash}, nil
}

// Stored reads the request the escrow holds for commitment.
func (e *EscrowClient) Stored(ctx context.Context, commitment common.Hash) (ScheduleRequest, error) {
	data, err := pack(EscrowABI.Methods["Transactions"], [32]byte(commitment))
	if err != nil {
		return ScheduleRequest{}, err
	}
	out, err := e.conn.view(ctx, e.signer.Address(), e.contract, data)
	if err != nil {
		return ScheduleRequest{}, err
	}
	var stored ScheduleRequest
	if err := EscrowABI.UnpackIntoInterface(&stored, "Transactions", out); err != nil {
		return ScheduleRequest{}, fmt.Errorf("ledger: decode stored request on %s: %w", e.conn.Name(), err)
	}
	return stored, nil
}

// Execute finalises the bundle on this ledger when running without a
// relayer.
func (e *EscrowClient) Execute(ctx context.Context, commitment common.Hash) (settlement.TxHandle, error) {
	return e.bundleCall(ctx, "execute", commitment)
}

// Cancel rolls the bundle back on this ledger.
func (e *EscrowClient) Cancel(ctx context.Context, commitment common.Hash) (settlement.TxHandle, error) {
	return e.bundleCall(ctx, "cancel", commitment)
}

func (e *EscrowClient) bundleCall(ctx context.Context, name string, commitment common.Hash) (settlement.TxHandle, error) {
	data, err := pack(EscrowABI.Methods[name], [32]byte(commitment))
	if err != nil {
		return settlement.TxHandle{}, err
	}
	hash, err := e.conn.transact(ctx, e.signer, e.contract, data)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	return settlement.TxHandle{Ledger: e.conn.Name(), Hash: hash}, nil
}
