package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
)

// OrderBookClient submits and checks orders on the TPFt operation contracts
// as one participant: 1052 for bilateral and custodial trades, 1002 for
// treasury auctions.
type OrderBookClient struct {
	conn      *Conn
	signer    *Signer
	operation common.Address
	auction   common.Address
}

// NewOrderBookClient binds the operation contracts to signer. Either address
// may be zero when the ledger does not run that operation.
func NewOrderBookClient(conn *Conn, signer *Signer, operation1052, operation1002 common.Address) (*OrderBookClient, error) {
	if conn == nil || signer == nil {
		return nil, fmt.Errorf("ledger: order book client needs a connection and a signer")
	}
	if operation1052 == (common.Address{}) && operation1002 == (common.Address{}) {
		return nil, ErrNoOrderBook
	}
	return &OrderBookClient{conn: conn, signer: signer, operation: operation1052, auction: operation1002}, nil
}

func (o *OrderBookClient) contract(form matching.Form) (common.Address, error) {
	addr := o.operation
	if form == matching.FormAuction {
		addr = o.auction
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s on %s", ErrNoOrderBook, form, o.conn.Name())
	}
	return addr, nil
}

// Submit sends the caller's part of order: trade for 1052 forms,
// auctionPlacement for 1002.
func (o *OrderBookClient) Submit(ctx context.Context, part matching.Part, order matching.Order) (settlement.TxHandle, error) {
	if !part.Valid() {
		return settlement.TxHandle{}, fmt.Errorf("ledger: invalid part %d", part)
	}
	to, err := o.contract(order.Form)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	data, err := packSubmit(part, order)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	hash, err := o.conn.transact(ctx, o.signer, to, data)
	if err != nil {
		return settlement.TxHandle{}, err
	}
	return settlement.TxHandle{Ledger: o.conn.Name(), Hash: hash}, nil
}

// MatchOrder asks the operation contract whether part's terms match the
// stored order. It is a view call and changes nothing.
func (o *OrderBookClient) MatchOrder(ctx context.Context, part matching.Part, order matching.Order) (bool, error) {
	to, err := o.contract(order.Form)
	if err != nil {
		return false, err
	}
	method := OperationABI.Methods["matchOrder"]
	data, err := pack(method,
		new(big.Int).SetUint64(order.OperationID),
		common.Address(order.Sender),
		common.Address(order.Receiver),
		uint8(part),
		tpftData(order.Instrument),
		intOrZero(order.Quantity),
		intOrZero(order.UnitPrice),
	)
	if err != nil {
		return false, err
	}
	out, err := o.conn.view(ctx, o.signer.Address(), to, data)
	if err != nil {
		return false, err
	}
	return unpackBool(method, out)
}

func packSubmit(part matching.Part, order matching.Order) ([]byte, error) {
	opID := new(big.Int).SetUint64(order.OperationID)
	instrument := tpftData(order.Instrument)
	quantity, price := intOrZero(order.Quantity), intOrZero(order.UnitPrice)
	switch order.Form {
	case matching.FormBilateral:
		method, err := overload(OperationABI, "trade", 7)
		if err != nil {
			return nil, err
		}
		return pack(method, opID, common.Address(order.Sender), common.Address(order.Receiver),
			uint8(part), instrument, quantity, price)
	case matching.FormCustodial:
		method, err := overload(OperationABI, "trade", 9)
		if err != nil {
			return nil, err
		}
		return pack(method, opID, common.Address(order.Sender), common.Address(order.SenderToken),
			common.Address(order.Receiver), common.Address(order.ReceiverToken),
			uint8(part), instrument, quantity, price)
	case matching.FormAuction:
		return pack(OperationABI.Methods["auctionPlacement"], opID,
			new(big.Int).SetUint64(order.SenderCNPJ8), new(big.Int).SetUint64(order.ReceiverCNPJ8),
			common.Address(order.Sender), common.Address(order.Receiver),
			uint8(part), instrument, quantity, price)
	default:
		return nil, fmt.Errorf("%w: form %d", matching.ErrInvalidOrder, order.Form)
	}
}

func intOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
