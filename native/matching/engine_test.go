package matching

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/core/events"
	nativecommon "dvpsettle/native/common"
	"dvpsettle/storage"
)

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var ltn = Instrument{Acronym: "LTN", Code: "1001", Maturity: 1755734400}

func bilateralOrder(seller, buyer common.Address) Order {
	return Order{
		OperationID: 20240101120000123,
		Form:        FormBilateral,
		Sender:      seller,
		Receiver:    buyer,
		Instrument:  ltn,
		Quantity:    big.NewInt(100),
		UnitPrice:   big.NewInt(100),
	}
}

func newTestEngine(t *testing.T) (*Engine, *events.Recorder) {
	t.Helper()
	engine := NewEngine(storage.NewMemDB())
	rec := &events.Recorder{}
	engine.SetEmitter(rec)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine, rec
}

func TestTradeInitiateThenConfirm(t *testing.T) {
	engine, rec := newTestEngine(t)
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	order := bilateralOrder(seller, buyer)

	entry, err := engine.Trade(seller, PartInitiator, order)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if entry.OrderStatus() != StatusInitiated {
		t.Fatalf("expected initiated, got %s", entry.OrderStatus())
	}

	ok, err := engine.MatchOrder(PartConfirmer, order)
	if err != nil || !ok {
		t.Fatalf("expected match, got %v %v", ok, err)
	}

	entry, err = engine.Trade(buyer, PartConfirmer, order)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if entry.OrderStatus() != StatusMatched || entry.MatchedAt != 1_700_000_000 {
		t.Fatalf("unexpected entry after confirm: %+v", entry)
	}
	if common.Address(entry.ConfirmedBy) != buyer {
		t.Fatalf("confirmer not recorded")
	}

	ok, err = engine.MatchOrder(PartConfirmer, order)
	if err != nil || ok {
		t.Fatalf("matched order must not match again, got %v %v", ok, err)
	}
	if _, err := engine.Trade(buyer, PartConfirmer, order); !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched, got %v", err)
	}

	types := rec.Types()
	if len(types) != 2 || types[0] != EventTypeOrderInitiated || types[1] != EventTypeOrderMatched {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestMatchOrderRejectsAnySingleDifference(t *testing.T) {
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	base := bilateralOrder(seller, buyer)

	cases := map[string]func(o *Order){
		"unitPrice":  func(o *Order) { o.UnitPrice = big.NewInt(105) },
		"quantity":   func(o *Order) { o.Quantity = big.NewInt(101) },
		"sender":     func(o *Order) { o.Sender = newTestAddress(0x33) },
		"receiver":   func(o *Order) { o.Receiver = newTestAddress(0x44) },
		"instrument": func(o *Order) { o.Instrument.Maturity++ },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			engine, _ := newTestEngine(t)
			if _, err := engine.Trade(seller, PartInitiator, base); err != nil {
				t.Fatalf("initiate: %v", err)
			}
			changed := base.Clone()
			mutate(&changed)
			if got := base.Mismatch(changed); got != field {
				t.Fatalf("expected mismatch on %s, got %q", field, got)
			}
			ok, err := engine.MatchOrder(PartConfirmer, changed)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if ok {
				t.Fatalf("expected no match when %s differs", field)
			}
		})
	}
}

func TestConfirmMismatchLeavesOrderInitiated(t *testing.T) {
	engine, rec := newTestEngine(t)
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	order := bilateralOrder(seller, buyer)
	if _, err := engine.Trade(seller, PartInitiator, order); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	wrong := order.Clone()
	wrong.UnitPrice = big.NewInt(105)
	if _, err := engine.Trade(buyer, PartConfirmer, wrong); !errors.Is(err, ErrTermsMismatch) {
		t.Fatalf("expected ErrTermsMismatch, got %v", err)
	}
	entry, found, err := engine.Order(order.OperationID)
	if err != nil || !found {
		t.Fatalf("order lookup: %v %v", found, err)
	}
	if entry.OrderStatus() != StatusInitiated {
		t.Fatalf("mismatch must not change status, got %s", entry.OrderStatus())
	}
	types := rec.Types()
	if types[len(types)-1] != EventTypeOrderMismatch {
		t.Fatalf("expected mismatch event, got %v", types)
	}
}

func TestSubmitValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	order := bilateralOrder(seller, buyer)

	if _, err := engine.Trade(newTestAddress(0x99), PartInitiator, order); !errors.Is(err, ErrNotCounterparty) {
		t.Fatalf("expected ErrNotCounterparty, got %v", err)
	}
	if _, err := engine.Trade(seller, Part(2), order); !errors.Is(err, ErrInvalidPart) {
		t.Fatalf("expected ErrInvalidPart, got %v", err)
	}
	if _, err := engine.AuctionPlacement(seller, PartInitiator, order); !errors.Is(err, ErrWrongForm) {
		t.Fatalf("expected ErrWrongForm, got %v", err)
	}
	if _, err := engine.Trade(buyer, PartConfirmer, order); !errors.Is(err, ErrNotInitiated) {
		t.Fatalf("expected ErrNotInitiated, got %v", err)
	}
	zeroQty := order.Clone()
	zeroQty.Quantity = big.NewInt(0)
	if _, err := engine.Trade(seller, PartInitiator, zeroQty); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
	if _, err := engine.Trade(seller, PartInitiator, order); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := engine.Trade(buyer, PartInitiator, order); !errors.Is(err, ErrAlreadyInitiated) {
		t.Fatalf("expected ErrAlreadyInitiated, got %v", err)
	}
	if _, err := engine.Trade(seller, PartConfirmer, order); !errors.Is(err, ErrSameParty) {
		t.Fatalf("expected ErrSameParty, got %v", err)
	}
}

func TestCustodialAndAuctionForms(t *testing.T) {
	engine, _ := newTestEngine(t)
	sellerBank, buyerBank := newTestAddress(0x11), newTestAddress(0x22)

	custodial := bilateralOrder(sellerBank, buyerBank)
	custodial.Form = FormCustodial
	if _, err := engine.Trade(sellerBank, PartInitiator, custodial); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("custodial order without tokens must be rejected, got %v", err)
	}
	custodial.SenderToken = newTestAddress(0x55)
	custodial.ReceiverToken = newTestAddress(0x66)
	if _, err := engine.Trade(sellerBank, PartInitiator, custodial); err != nil {
		t.Fatalf("custodial initiate: %v", err)
	}
	swapped := custodial.Clone()
	swapped.SenderToken, swapped.ReceiverToken = swapped.ReceiverToken, swapped.SenderToken
	if ok, _ := engine.MatchOrder(PartConfirmer, swapped); ok {
		t.Fatalf("swapped token references must not match")
	}

	treasury := newTestAddress(0x77)
	auction := Order{
		OperationID:   20240101120000999,
		Form:          FormAuction,
		Sender:        treasury,
		Receiver:      buyerBank,
		SenderCNPJ8:   394460,
		ReceiverCNPJ8: 12345678,
		Instrument:    ltn,
		Quantity:      big.NewInt(10),
		UnitPrice:     big.NewInt(1000),
	}
	if _, err := engine.AuctionPlacement(treasury, PartInitiator, auction); err != nil {
		t.Fatalf("auction initiate: %v", err)
	}
	if ok, err := engine.MatchOrder(PartConfirmer, auction); err != nil || !ok {
		t.Fatalf("auction should match: %v %v", ok, err)
	}
	if _, err := engine.AuctionPlacement(buyerBank, PartConfirmer, auction); err != nil {
		t.Fatalf("auction confirm: %v", err)
	}
	if auction.Value().Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("unexpected value %s", auction.Value())
	}
}

func TestMatchOrderUnknownAndInitiatorPart(t *testing.T) {
	engine, _ := newTestEngine(t)
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	order := bilateralOrder(seller, buyer)
	if ok, err := engine.MatchOrder(PartConfirmer, order); err != nil || ok {
		t.Fatalf("unknown order must not match: %v %v", ok, err)
	}
	if _, err := engine.Trade(seller, PartInitiator, order); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if ok, err := engine.MatchOrder(PartInitiator, order); err != nil || ok {
		t.Fatalf("initiator part must not match: %v %v", ok, err)
	}
}

func TestPausedEngineRejectsSubmissions(t *testing.T) {
	engine, _ := newTestEngine(t)
	pauses := nativecommon.NewPauses()
	pauses.Set(ModuleName, true)
	engine.SetPauses(pauses)
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	if _, err := engine.Trade(seller, PartInitiator, bilateralOrder(seller, buyer)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestEntriesSurviveReload(t *testing.T) {
	db := storage.NewMemDB()
	seller, buyer := newTestAddress(0x11), newTestAddress(0x22)
	order := bilateralOrder(seller, buyer)
	if _, err := NewEngine(db).Trade(seller, PartInitiator, order); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	entry, found, err := NewEngine(db).Order(order.OperationID)
	if err != nil || !found {
		t.Fatalf("reload: %v %v", found, err)
	}
	if field := entry.Order.Mismatch(order); field != "" {
		t.Fatalf("reloaded order differs on %s", field)
	}
}
