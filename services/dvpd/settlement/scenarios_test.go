package settlement_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"dvpsettle/native/bundle"
	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
	"dvpsettle/services/dvpd/simnet"
)

func TestOperationIDRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 2, 13, 4, 5, 678_000_000, time.UTC)
	id := settlement.NewOperationID(at)
	if id != 20260302130405678 {
		t.Fatalf("operation id = %d", id)
	}
	back, err := settlement.ParseOperationID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !back.Equal(at) {
		t.Fatalf("parsed %s, want %s", back, at)
	}
	if _, err := settlement.ParseOperationID(12345); err == nil {
		t.Fatalf("short id accepted")
	}
}

func TestBankTradeLegLayout(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.build(bankTrade(0, 7, 300))

	if inst.Scenario != settlement.ScenarioBankBuysFromBank {
		t.Fatalf("scenario = %q", inst.Scenario)
	}
	hs := inst.Handshake
	if hs.Initiator != simnet.ParticipantName(simnet.PartyBankA, simnet.LedgerSelic) ||
		hs.Confirmer != simnet.ParticipantName(simnet.PartyBankB, simnet.LedgerSelic) {
		t.Fatalf("handshake sides = %s / %s", hs.Initiator, hs.Confirmer)
	}
	if hs.Order.Form != matching.FormBilateral || hs.Order.OperationID != settlement.NewOperationID(harnessStart) {
		t.Fatalf("order = %+v", hs.Order)
	}
	if hs.Expected != nil {
		t.Fatalf("confirming terms should default to the initiator's")
	}
	legs := inst.Bundles[0].Legs
	cash, bonds := legs[0], legs[1]
	if cash.Kind != bundle.KindTransfer || cash.Asset != h.sb.Market.RealDigital || cash.Amount.Int64() != 2_100 {
		t.Fatalf("cash leg = %+v", cash)
	}
	if cash.Recipient != h.sb.Addresses[simnet.PartyBankA] {
		t.Fatalf("cash goes to %s", cash.Recipient.Hex())
	}
	if bonds.Kind != bundle.KindTransfer1155 || bonds.AssetClass.Cmp(h.sb.BondClass) != 0 || bonds.Amount.Int64() != 7 || bonds.Index != 1 {
		t.Fatalf("bond leg = %+v", bonds)
	}
}

func TestExternalClientLegLayout(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.build(settlement.TradeRequest{
		Scenario:    settlement.ScenarioClientBuysFromExternalClient,
		OperationID: 1,
		Buyer:       simnet.PartyClientB,
		BuyerBank:   simnet.PartyBankB,
		Seller:      simnet.PartyClientA,
		SellerBank:  simnet.PartyBankA,
		Instrument:  simnet.SandboxInstrument,
		Quantity:    big.NewInt(2),
		UnitPrice:   big.NewInt(50),
	})
	delivery, interbank := inst.Bundles[0].Legs, inst.Bundles[1].Legs
	wantKinds := func(name string, specs []bundle.Spec, kinds ...bundle.Kind) {
		t.Helper()
		if len(specs) != len(kinds) {
			t.Fatalf("%s has %d legs", name, len(specs))
		}
		for i, k := range kinds {
			if specs[i].Kind != k || specs[i].Index != uint32(i) {
				t.Fatalf("%s leg %d = %s#%d, want %s", name, i, specs[i].Kind, specs[i].Index, k)
			}
		}
	}
	wantKinds("delivery", delivery, bundle.KindTransfer, bundle.KindTransfer1155, bundle.KindMint)
	wantKinds("interbank", interbank, bundle.KindBurn, bundle.KindTransfer)
	if delivery[2].Participant != simnet.ParticipantName(simnet.PartyBankA, simnet.LedgerBankA) {
		t.Fatalf("mint submitted by %s", delivery[2].Participant)
	}
	order := inst.Handshake.Order
	if order.Form != matching.FormCustodial ||
		order.SenderToken != [20]byte(h.sb.Market.Banks[simnet.PartyBankA].RealTokenizado) ||
		order.ReceiverToken != [20]byte(h.sb.Market.Banks[simnet.PartyBankB].RealTokenizado) {
		t.Fatalf("custodial order = %+v", order)
	}
}

func TestAuctionOrderCarriesCNPJ8(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.build(settlement.TradeRequest{
		Scenario:    settlement.ScenarioTreasuryAuction,
		OperationID: 2,
		Buyer:       simnet.PartyBankA,
		Instrument:  simnet.SandboxInstrument,
		Quantity:    big.NewInt(1),
		UnitPrice:   big.NewInt(1),
	})
	order := inst.Handshake.Order
	if order.Form != matching.FormAuction || order.SenderCNPJ8 != h.sb.Market.TreasuryCNPJ8 || order.ReceiverCNPJ8 != 11111111 {
		t.Fatalf("auction order = %+v", order)
	}
	if inst.Handshake.Initiator != simnet.ParticipantName(simnet.PartyTreasury, simnet.LedgerSelic) {
		t.Fatalf("auction initiated by %s", inst.Handshake.Initiator)
	}
}

func TestBuildRejectsBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	unknown := simnet.SandboxInstrument
	unknown.Code = "999999"
	cases := map[string]settlement.TradeRequest{
		"missing quantity": {Scenario: settlement.ScenarioBankBuysFromBank, Buyer: simnet.PartyBankB, Seller: simnet.PartyBankA,
			Instrument: simnet.SandboxInstrument, UnitPrice: big.NewInt(1)},
		"client as bank": {Scenario: settlement.ScenarioBankBuysFromBank, Buyer: simnet.PartyClientB, Seller: simnet.PartyBankA,
			Instrument: simnet.SandboxInstrument, Quantity: big.NewInt(1), UnitPrice: big.NewInt(1)},
		"unissued instrument": {Scenario: settlement.ScenarioBankBuysFromBank, Buyer: simnet.PartyBankB, Seller: simnet.PartyBankA,
			Instrument: unknown, Quantity: big.NewInt(1), UnitPrice: big.NewInt(1)},
		"auction not from treasury": {Scenario: settlement.ScenarioTreasuryAuction, Buyer: simnet.PartyBankB, Seller: simnet.PartyBankA,
			Instrument: simnet.SandboxInstrument, Quantity: big.NewInt(1), UnitPrice: big.NewInt(1)},
		"same bank transfer": {Scenario: settlement.ScenarioClientTransfer, Seller: simnet.PartyClientA, SellerBank: simnet.PartyBankA,
			Buyer: simnet.PartyClientA, BuyerBank: simnet.PartyBankA, Amount: big.NewInt(1)},
		"client without identity": {Scenario: settlement.ScenarioClientBuysFromOwnBank, Buyer: "nobody", Seller: simnet.PartyBankA,
			Instrument: simnet.SandboxInstrument, Quantity: big.NewInt(1), UnitPrice: big.NewInt(1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.builder.Build(context.Background(), req)
			if !errors.Is(err, settlement.ErrPrecondition) {
				t.Fatalf("expected precondition error, got %v", err)
			}
		})
	}
	if _, err := h.builder.Build(context.Background(), settlement.TradeRequest{Scenario: "swap"}); !errors.Is(err, settlement.ErrUnknownScenario) {
		t.Fatalf("unknown scenario: %v", err)
	}
	if got := settlement.Scenarios(); len(got) != 6 {
		t.Fatalf("scenarios = %v", got)
	}
}
