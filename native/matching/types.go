package matching

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Form identifies the operation contract an order is registered with.
type Form uint8

const (
	// FormBilateral is a 1052 trade between two wallets on the same ledger.
	FormBilateral Form = iota + 1
	// FormCustodial is a 1052 trade between clients of two custodian banks,
	// each side naming the tokenized deposit it pays or receives in.
	FormCustodial
	// FormAuction is a 1002 placement against the central treasury.
	FormAuction
)

func (f Form) Valid() bool { return f >= FormBilateral && f <= FormAuction }

func (f Form) String() string {
	switch f {
	case FormBilateral:
		return "1052"
	case FormCustodial:
		return "1052-custodial"
	case FormAuction:
		return "1002"
	default:
		return "unknown"
	}
}

// Part is the side a caller plays in the handshake.
type Part uint8

const (
	PartInitiator Part = 0
	PartConfirmer Part = 1
)

func (p Part) Valid() bool { return p <= PartConfirmer }

// Status is the lifecycle of one operation id.
type Status uint8

const (
	StatusUninitiated Status = iota
	StatusInitiated
	StatusMatched
)

func (s Status) String() string {
	switch s {
	case StatusUninitiated:
		return "uninitiated"
	case StatusInitiated:
		return "initiated"
	case StatusMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// Instrument references a public bond series.
type Instrument struct {
	Acronym  string `json:"acronym" yaml:"acronym"`
	Code     string `json:"code" yaml:"code"`
	Maturity uint64 `json:"maturityDate" yaml:"maturity_date"`
}

func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Acronym) == "" || strings.TrimSpace(i.Code) == "" {
		return fmt.Errorf("%w: instrument acronym and code required", ErrInvalidOrder)
	}
	if i.Maturity == 0 {
		return fmt.Errorf("%w: instrument maturity required", ErrInvalidOrder)
	}
	return nil
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s/%s@%d", i.Acronym, i.Code, i.Maturity)
}

// Order carries the terms both counterparties must agree on. Field names
// follow the operation contracts; only the fields of the order's Form are
// meaningful, the rest stay zero.
type Order struct {
	OperationID   uint64
	Form          Form
	Sender        [20]byte
	Receiver      [20]byte
	SenderToken   [20]byte
	ReceiverToken [20]byte
	SenderCNPJ8   uint64
	ReceiverCNPJ8 uint64
	Instrument    Instrument
	Quantity      *big.Int
	UnitPrice     *big.Int
}

// Validate checks the fields required by the order's Form.
func (o Order) Validate() error {
	if o.OperationID == 0 {
		return fmt.Errorf("%w: operation id required", ErrInvalidOrder)
	}
	if !o.Form.Valid() {
		return fmt.Errorf("%w: unknown form %d", ErrInvalidOrder, o.Form)
	}
	if o.Sender == ([20]byte{}) || o.Receiver == ([20]byte{}) {
		return fmt.Errorf("%w: sender and receiver required", ErrInvalidOrder)
	}
	if o.Sender == o.Receiver {
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidOrder)
	}
	switch o.Form {
	case FormCustodial:
		if o.SenderToken == ([20]byte{}) || o.ReceiverToken == ([20]byte{}) {
			return fmt.Errorf("%w: custodial trade needs both token references", ErrInvalidOrder)
		}
	case FormAuction:
		if o.SenderCNPJ8 == 0 || o.ReceiverCNPJ8 == 0 {
			return fmt.Errorf("%w: auction placement needs both cnpj8 roots", ErrInvalidOrder)
		}
	}
	if err := o.Instrument.Validate(); err != nil {
		return err
	}
	if o.Quantity == nil || o.Quantity.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if o.UnitPrice == nil || o.UnitPrice.Sign() <= 0 {
		return fmt.Errorf("%w: unit price must be positive", ErrInvalidOrder)
	}
	return nil
}

// Mismatch returns the name of the first field that differs between o and
// other, or "" when the terms are identical.
func (o Order) Mismatch(other Order) string {
	switch {
	case o.OperationID != other.OperationID:
		return "operationId"
	case o.Form != other.Form:
		return "form"
	case o.Sender != other.Sender:
		return "sender"
	case o.Receiver != other.Receiver:
		return "receiver"
	case o.SenderToken != other.SenderToken:
		return "senderToken"
	case o.ReceiverToken != other.ReceiverToken:
		return "receiverToken"
	case o.SenderCNPJ8 != other.SenderCNPJ8:
		return "cnpj8Sender"
	case o.ReceiverCNPJ8 != other.ReceiverCNPJ8:
		return "cnpj8Receiver"
	case o.Instrument != other.Instrument:
		return "instrument"
	case !intEqual(o.Quantity, other.Quantity):
		return "quantity"
	case !intEqual(o.UnitPrice, other.UnitPrice):
		return "unitPrice"
	}
	return ""
}

// Value returns quantity * unit price, the cash amount of the trade.
func (o Order) Value() *big.Int {
	return new(big.Int).Mul(cloneInt(o.Quantity), cloneInt(o.UnitPrice))
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	out.Quantity = cloneInt(o.Quantity)
	out.UnitPrice = cloneInt(o.UnitPrice)
	return out
}

// parties reports whether addr is one of the order's counterparties.
func (o Order) parties(addr common.Address) bool {
	return [20]byte(addr) == o.Sender || [20]byte(addr) == o.Receiver
}

// Entry is the stored state of one operation id.
type Entry struct {
	Order       Order
	Status      uint8
	InitiatedBy [20]byte
	ConfirmedBy [20]byte
	CreatedAt   uint64
	MatchedAt   uint64
}

// OrderStatus returns the typed status.
func (e *Entry) OrderStatus() Status {
	if e == nil {
		return StatusUninitiated
	}
	return Status(e.Status)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Order = e.Order.Clone()
	return &clone
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func intEqual(a, b *big.Int) bool {
	return cloneInt(a).Cmp(cloneInt(b)) == 0
}
