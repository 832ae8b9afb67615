package simnet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/matching"
	"dvpsettle/services/dvpd/settlement"
)

// Sandbox ledger and party names.
const (
	LedgerCentral = "central"
	LedgerSelic   = "selic"
	LedgerBankA   = "bank-a"
	LedgerBankB   = "bank-b"

	PartyTreasury = "treasury"
	PartyBankA    = "bank-a"
	PartyBankB    = "bank-b"
	PartyClientA  = "client-a1"
	PartyClientB  = "client-b1"
)

// Sandbox opening positions, in the smallest unit of each token.
var (
	OpeningReserves = big.NewInt(1_000_000_000)
	OpeningDeposits = big.NewInt(50_000_000)
	OpeningBonds    = big.NewInt(10_000)
)

// SandboxInstrument is the bond series the sandbox issues.
var SandboxInstrument = matching.Instrument{Acronym: "LTN", Code: "100000", Maturity: 20290101}

// Instruments hands out multi-token class ids for bond series, in
// registration order.
type Instruments struct {
	mu   sync.Mutex
	ids  map[matching.Instrument]*big.Int
	next int64
}

// NewInstruments returns an empty registry.
func NewInstruments() *Instruments {
	return &Instruments{ids: make(map[matching.Instrument]*big.Int), next: 1}
}

// Register assigns instrument an id, or returns the one it already has.
func (r *Instruments) Register(instrument matching.Instrument) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[instrument]; ok {
		return new(big.Int).Set(id)
	}
	id := big.NewInt(r.next)
	r.next++
	r.ids[instrument] = id
	return new(big.Int).Set(id)
}

// InstrumentID implements settlement.InstrumentResolver.
func (r *Instruments) InstrumentID(_ context.Context, instrument matching.Instrument) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[instrument]
	if !ok {
		return nil, fmt.Errorf("simnet: instrument %s not issued", instrument)
	}
	return new(big.Int).Set(id), nil
}

// Sandbox is a funded market of four ledgers: central bank reserves, the
// bond registry and one tokenised deposit ledger for each of two banks.
// Every party uses one address on every ledger.
type Sandbox struct {
	Net         *Network
	Network     *settlement.Network
	Market      settlement.Market
	Instruments *Instruments
	BondClass   *big.Int
	Addresses   map[string]common.Address
}

// NewSandbox builds and funds the sandbox market on clock.
func NewSandbox(clock settlement.Clock, opts ...Option) (*Sandbox, error) {
	net := New(clock, opts...)
	for _, spec := range []struct {
		name  string
		books bool
	}{{LedgerCentral, false}, {LedgerSelic, true}, {LedgerBankA, false}, {LedgerBankB, false}} {
		if _, err := net.AddLedger(spec.name, spec.books); err != nil {
			return nil, err
		}
	}
	sb := &Sandbox{
		Net:         net,
		Instruments: NewInstruments(),
		Addresses:   make(map[string]common.Address),
	}
	for _, party := range []string{PartyTreasury, PartyBankA, PartyBankB, PartyClientA, PartyClientB} {
		sb.Addresses[party] = AddressFor("party:" + party)
	}
	sb.Market = settlement.Market{
		CentralLedger: LedgerCentral,
		SelicLedger:   LedgerSelic,
		RealDigital:   AddressFor("token:real-digital"),
		TPFt:          AddressFor("token:tpft"),
		Treasury:      PartyTreasury,
		TreasuryCNPJ8: 394460,
		Banks: map[string]settlement.Bank{
			PartyBankA: {Ledger: LedgerBankA, RealTokenizado: AddressFor("token:rt-bank-a"), CNPJ8: 11111111},
			PartyBankB: {Ledger: LedgerBankB, RealTokenizado: AddressFor("token:rt-bank-b"), CNPJ8: 22222222},
		},
		Instruments: sb.Instruments,
	}
	sb.BondClass = sb.Instruments.Register(SandboxInstrument)
	if err := sb.fund(); err != nil {
		return nil, err
	}

	type identity struct{ party, ledger string }
	identities := []identity{
		{PartyTreasury, LedgerCentral}, {PartyBankA, LedgerCentral}, {PartyBankB, LedgerCentral},
		{PartyTreasury, LedgerSelic}, {PartyBankA, LedgerSelic}, {PartyBankB, LedgerSelic},
		{PartyClientA, LedgerSelic}, {PartyClientB, LedgerSelic},
		{PartyBankA, LedgerBankA}, {PartyClientA, LedgerBankA},
		{PartyBankB, LedgerBankB}, {PartyClientB, LedgerBankB},
	}
	participants := make([]settlement.Participant, 0, len(identities))
	for _, id := range identities {
		p, err := net.Participant(ParticipantName(id.party, id.ledger), id.party, id.ledger, sb.Addresses[id.party])
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	network, err := net.Settlement(participants)
	if err != nil {
		return nil, err
	}
	sb.Network = network
	return sb, nil
}

// ParticipantName names party's identity on ledger.
func ParticipantName(party, ledger string) string { return party + "@" + ledger }

func (sb *Sandbox) fund() error {
	m := sb.Market
	central := sb.Net.Ledger(LedgerCentral)
	selic := sb.Net.Ledger(LedgerSelic)
	if err := central.RegisterFungible(m.RealDigital); err != nil {
		return err
	}
	if err := selic.RegisterMultiClass(m.TPFt); err != nil {
		return err
	}
	for _, party := range []string{PartyBankA, PartyBankB} {
		if err := central.Fund(m.RealDigital, nil, sb.Addresses[party], OpeningReserves); err != nil {
			return err
		}
	}
	if err := central.ApproveEscrow(m.RealDigital, sb.Addresses[PartyTreasury]); err != nil {
		return err
	}
	for _, party := range []string{PartyTreasury, PartyBankA, PartyClientA} {
		if err := selic.Fund(m.TPFt, sb.BondClass, sb.Addresses[party], OpeningBonds); err != nil {
			return err
		}
	}
	for _, party := range []string{PartyBankB, PartyClientB} {
		if err := selic.ApproveEscrow(m.TPFt, sb.Addresses[party]); err != nil {
			return err
		}
	}
	clients := map[string]string{PartyBankA: PartyClientA, PartyBankB: PartyClientB}
	for bankParty, bank := range m.Banks {
		l := sb.Net.Ledger(bank.Ledger)
		if err := l.RegisterFungible(bank.RealTokenizado); err != nil {
			return err
		}
		if err := l.GrantMinter(bank.RealTokenizado, sb.Addresses[bankParty]); err != nil {
			return err
		}
		if err := l.ApproveEscrow(bank.RealTokenizado, sb.Addresses[bankParty]); err != nil {
			return err
		}
		if err := l.Fund(bank.RealTokenizado, nil, sb.Addresses[clients[bankParty]], OpeningDeposits); err != nil {
			return err
		}
	}
	return nil
}

// Balance reads a balance, failing on unknown ledgers.
func (sb *Sandbox) Balance(ledger string, asset common.Address, class *big.Int, party string) (*big.Int, error) {
	l := sb.Net.Ledger(ledger)
	if l == nil {
		return nil, fmt.Errorf("simnet: unknown ledger %s", ledger)
	}
	return l.BalanceOf(context.Background(), asset, class, sb.Addresses[party])
}
