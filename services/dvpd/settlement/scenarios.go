package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dvpsettle/native/bundle"
	"dvpsettle/native/matching"
)

// Settlement scenarios between banks, their clients and the treasury.
const (
	ScenarioBankBuysFromBank             = "bank-buys-from-bank"
	ScenarioClientBuysFromOwnBank        = "client-buys-from-own-bank"
	ScenarioClientBuysFromExternalBank   = "client-buys-from-external-bank"
	ScenarioClientBuysFromExternalClient = "client-buys-from-external-client"
	ScenarioClientTransfer               = "client-cross-bank-transfer"
	ScenarioTreasuryAuction              = "bank-buys-from-treasury"
)

// ErrUnknownScenario is returned for scenario names Build does not know.
var ErrUnknownScenario = errors.New("settlement: unknown scenario")

// Scenarios lists the scenario names Build accepts.
func Scenarios() []string {
	out := []string{
		ScenarioBankBuysFromBank,
		ScenarioClientBuysFromOwnBank,
		ScenarioClientBuysFromExternalBank,
		ScenarioClientBuysFromExternalClient,
		ScenarioClientTransfer,
		ScenarioTreasuryAuction,
	}
	sort.Strings(out)
	return out
}

// Bank describes a participating bank: the ledger its tokenised deposits live
// on and its identification in auction orders.
type Bank struct {
	Ledger         string         `json:"ledger" yaml:"ledger" toml:"ledger"`
	RealTokenizado common.Address `json:"realTokenizado" yaml:"realTokenizado" toml:"realTokenizado"`
	CNPJ8          uint64         `json:"cnpj8" yaml:"cnpj8" toml:"cnpj8"`
}

// InstrumentResolver maps a public bond to its multi-token class id.
type InstrumentResolver interface {
	InstrumentID(ctx context.Context, instrument matching.Instrument) (*big.Int, error)
}

// Market is the static topology the scenario builders resolve parties
// against.
type Market struct {
	CentralLedger string
	SelicLedger   string
	RealDigital   common.Address
	TPFt          common.Address
	// Treasury is the party that sells in primary auctions.
	Treasury      string
	TreasuryCNPJ8 uint64
	Banks         map[string]Bank
	Instruments   InstrumentResolver
}

// TradeRequest is the operator-facing description of one settlement.
// Quantity is in instrument units; UnitPrice and Amount are in the smallest
// unit of the cash tokens.
type TradeRequest struct {
	Scenario     string              `json:"scenario"`
	OperationID  uint64              `json:"operationId,omitempty"`
	Buyer        string              `json:"buyer"`
	BuyerBank    string              `json:"buyerBank,omitempty"`
	Seller       string              `json:"seller,omitempty"`
	SellerBank   string              `json:"sellerBank,omitempty"`
	Instrument   matching.Instrument `json:"instrument"`
	InstrumentID *big.Int            `json:"instrumentId,omitempty"`
	Quantity     *big.Int            `json:"quantity,omitempty"`
	UnitPrice    *big.Int            `json:"unitPrice,omitempty"`
	// Amount is the cash moved by a client transfer.
	Amount *big.Int `json:"amount,omitempty"`
	// ConfirmQuantity and ConfirmUnitPrice let the confirming side submit
	// terms that differ from the initiator's.
	ConfirmQuantity  *big.Int `json:"confirmQuantity,omitempty"`
	ConfirmUnitPrice *big.Int `json:"confirmUnitPrice,omitempty"`
}

// Builder turns trade requests into settlement instructions.
type Builder struct {
	network *Network
	market  Market
	now     func() time.Time
}

// NewBuilder binds scenario building to a network and market topology.
func NewBuilder(network *Network, market Market, now func() time.Time) (*Builder, error) {
	if network == nil {
		return nil, fmt.Errorf("settlement: network required")
	}
	if market.CentralLedger == "" || market.SelicLedger == "" {
		return nil, fmt.Errorf("settlement: market needs central and selic ledgers")
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{network: network, market: market, now: now}, nil
}

// Build produces the instruction for req.
func (b *Builder) Build(ctx context.Context, req TradeRequest) (Instruction, error) {
	req.Scenario = strings.TrimSpace(req.Scenario)
	var (
		inst Instruction
		err  error
	)
	switch req.Scenario {
	case ScenarioClientTransfer:
		inst, err = b.clientTransfer(req)
	case ScenarioBankBuysFromBank, ScenarioClientBuysFromOwnBank, ScenarioClientBuysFromExternalBank,
		ScenarioClientBuysFromExternalClient, ScenarioTreasuryAuction:
		inst, err = b.trade(ctx, req)
	default:
		return Instruction{}, fmt.Errorf("%w: %q", ErrUnknownScenario, req.Scenario)
	}
	if err != nil {
		return Instruction{}, Precondition(err)
	}
	inst.Scenario = req.Scenario
	return inst, nil
}

func (b *Builder) trade(ctx context.Context, req TradeRequest) (Instruction, error) {
	if !positive(req.Quantity) || !positive(req.UnitPrice) {
		return Instruction{}, fmt.Errorf("settlement: quantity and unit price must be positive")
	}
	if err := req.Instrument.Validate(); err != nil {
		return Instruction{}, err
	}
	class := req.InstrumentID
	if class == nil {
		if b.market.Instruments == nil {
			return Instruction{}, fmt.Errorf("settlement: instrument id for %s unknown", req.Instrument)
		}
		id, err := b.market.Instruments.InstrumentID(ctx, req.Instrument)
		if err != nil {
			return Instruction{}, fmt.Errorf("settlement: resolve %s: %w", req.Instrument, err)
		}
		class = id
	}
	if req.OperationID == 0 {
		req.OperationID = NewOperationID(b.now())
	}
	value := new(big.Int).Mul(req.Quantity, req.UnitPrice)

	switch req.Scenario {
	case ScenarioBankBuysFromBank:
		return b.bankBuysFromBank(req, class, value)
	case ScenarioClientBuysFromOwnBank:
		return b.clientBuysFromOwnBank(req, class, value)
	case ScenarioClientBuysFromExternalBank:
		return b.clientBuysFromExternalBank(req, class, value)
	case ScenarioClientBuysFromExternalClient:
		return b.clientBuysFromExternalClient(req, class, value)
	default:
		return b.treasuryAuction(req, class, value)
	}
}

// bankBuysFromBank settles a bilateral 1052 trade: reserves move on the
// central ledger against bonds on selic.
func (b *Builder) bankBuysFromBank(req TradeRequest, class, value *big.Int) (Instruction, error) {
	if _, err := b.bank(req.Buyer); err != nil {
		return Instruction{}, err
	}
	if _, err := b.bank(req.Seller); err != nil {
		return Instruction{}, err
	}
	r := b.resolver()
	buyerCash := r.participant(req.Buyer, b.market.CentralLedger)
	sellerBonds := r.participant(req.Seller, b.market.SelicLedger)
	buyerBonds := r.participant(req.Buyer, b.market.SelicLedger)
	order := matching.Order{
		OperationID: req.OperationID,
		Form:        matching.FormBilateral,
		Sender:      r.address(req.Seller, b.market.SelicLedger),
		Receiver:    r.address(req.Buyer, b.market.SelicLedger),
		Instrument:  req.Instrument,
		Quantity:    new(big.Int).Set(req.Quantity),
		UnitPrice:   new(big.Int).Set(req.UnitPrice),
	}
	legs := []bundle.Spec{
		transferSpec(buyerCash, b.market.RealDigital, r.address(req.Seller, b.market.CentralLedger), nil, value, 0),
		transferSpec(sellerBonds, b.market.TPFt, r.address(req.Buyer, b.market.SelicLedger), class, req.Quantity, 1),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{
		Handshake: b.handshake(sellerBonds, buyerBonds, order, req),
		Bundles:   []BundleSpec{{Label: "dvp", Legs: legs}},
	}, nil
}

// clientBuysFromOwnBank settles a custodial trade inside one bank: the
// client pays in the bank's tokenised deposits.
func (b *Builder) clientBuysFromOwnBank(req TradeRequest, class, value *big.Int) (Instruction, error) {
	if req.BuyerBank == "" {
		req.BuyerBank = req.Seller
	}
	if req.BuyerBank != req.Seller {
		return Instruction{}, fmt.Errorf("settlement: %s does not hold %s's deposits", req.Seller, req.Buyer)
	}
	bank, err := b.bank(req.Seller)
	if err != nil {
		return Instruction{}, err
	}
	r := b.resolver()
	clientCash := r.participant(req.Buyer, bank.Ledger)
	bankBonds := r.participant(req.Seller, b.market.SelicLedger)
	clientBonds := r.participant(req.Buyer, b.market.SelicLedger)
	order := matching.Order{
		OperationID:   req.OperationID,
		Form:          matching.FormCustodial,
		Sender:        r.address(req.Seller, b.market.SelicLedger),
		SenderToken:   bank.RealTokenizado,
		Receiver:      r.address(req.Buyer, b.market.SelicLedger),
		ReceiverToken: bank.RealTokenizado,
		Instrument:    req.Instrument,
		Quantity:      new(big.Int).Set(req.Quantity),
		UnitPrice:     new(big.Int).Set(req.UnitPrice),
	}
	legs := []bundle.Spec{
		transferSpec(clientCash, bank.RealTokenizado, r.address(req.Seller, bank.Ledger), nil, value, 0),
		transferSpec(bankBonds, b.market.TPFt, r.address(req.Buyer, b.market.SelicLedger), class, req.Quantity, 1),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{
		Handshake: b.handshake(bankBonds, clientBonds, order, req),
		Bundles:   []BundleSpec{{Label: "dvp", Legs: legs}},
	}, nil
}

// clientBuysFromExternalBank runs two bundles: the client pays its own bank
// against the bonds, then the buyer bank retires the deposits and pays the
// seller bank in reserves.
func (b *Builder) clientBuysFromExternalBank(req TradeRequest, class, value *big.Int) (Instruction, error) {
	buyerBank, err := b.bank(req.BuyerBank)
	if err != nil {
		return Instruction{}, err
	}
	sellerBank, err := b.bank(req.Seller)
	if err != nil {
		return Instruction{}, err
	}
	if req.BuyerBank == req.Seller {
		return Instruction{}, fmt.Errorf("settlement: %s is %s's own bank", req.Seller, req.Buyer)
	}
	r := b.resolver()
	clientCash := r.participant(req.Buyer, buyerBank.Ledger)
	sellerBonds := r.participant(req.Seller, b.market.SelicLedger)
	clientBonds := r.participant(req.Buyer, b.market.SelicLedger)
	buyerBankDeposits := r.participant(req.BuyerBank, buyerBank.Ledger)
	buyerBankReserves := r.participant(req.BuyerBank, b.market.CentralLedger)
	order := matching.Order{
		OperationID:   req.OperationID,
		Form:          matching.FormCustodial,
		Sender:        r.address(req.Seller, b.market.SelicLedger),
		SenderToken:   sellerBank.RealTokenizado,
		Receiver:      r.address(req.Buyer, b.market.SelicLedger),
		ReceiverToken: buyerBank.RealTokenizado,
		Instrument:    req.Instrument,
		Quantity:      new(big.Int).Set(req.Quantity),
		UnitPrice:     new(big.Int).Set(req.UnitPrice),
	}
	delivery := []bundle.Spec{
		transferSpec(clientCash, buyerBank.RealTokenizado, r.address(req.BuyerBank, buyerBank.Ledger), nil, value, 0),
		transferSpec(sellerBonds, b.market.TPFt, r.address(req.Buyer, b.market.SelicLedger), class, req.Quantity, 1),
	}
	funding := []bundle.Spec{
		burnSpec(buyerBankDeposits, buyerBank.RealTokenizado, value, 0),
		transferSpec(buyerBankReserves, b.market.RealDigital, r.address(req.Seller, b.market.CentralLedger), nil, value, 1),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{
		Handshake: b.handshake(sellerBonds, clientBonds, order, req),
		Bundles: []BundleSpec{
			{Label: "delivery", Legs: delivery},
			{Label: "interbank", Legs: funding},
		},
	}, nil
}

// clientBuysFromExternalClient settles between clients of different banks.
// The seller's bank issues deposits to its client in the first bundle and is
// paid in reserves in the second.
func (b *Builder) clientBuysFromExternalClient(req TradeRequest, class, value *big.Int) (Instruction, error) {
	buyerBank, err := b.bank(req.BuyerBank)
	if err != nil {
		return Instruction{}, err
	}
	sellerBank, err := b.bank(req.SellerBank)
	if err != nil {
		return Instruction{}, err
	}
	if req.BuyerBank == req.SellerBank {
		return Instruction{}, fmt.Errorf("settlement: %s and %s bank at %s", req.Buyer, req.Seller, req.BuyerBank)
	}
	r := b.resolver()
	buyerCash := r.participant(req.Buyer, buyerBank.Ledger)
	sellerBonds := r.participant(req.Seller, b.market.SelicLedger)
	buyerBonds := r.participant(req.Buyer, b.market.SelicLedger)
	sellerBankIssuer := r.participant(req.SellerBank, sellerBank.Ledger)
	buyerBankDeposits := r.participant(req.BuyerBank, buyerBank.Ledger)
	buyerBankReserves := r.participant(req.BuyerBank, b.market.CentralLedger)
	order := matching.Order{
		OperationID:   req.OperationID,
		Form:          matching.FormCustodial,
		Sender:        r.address(req.Seller, b.market.SelicLedger),
		SenderToken:   sellerBank.RealTokenizado,
		Receiver:      r.address(req.Buyer, b.market.SelicLedger),
		ReceiverToken: buyerBank.RealTokenizado,
		Instrument:    req.Instrument,
		Quantity:      new(big.Int).Set(req.Quantity),
		UnitPrice:     new(big.Int).Set(req.UnitPrice),
	}
	delivery := []bundle.Spec{
		transferSpec(buyerCash, buyerBank.RealTokenizado, r.address(req.BuyerBank, buyerBank.Ledger), nil, value, 0),
		transferSpec(sellerBonds, b.market.TPFt, r.address(req.Buyer, b.market.SelicLedger), class, req.Quantity, 1),
		mintSpec(sellerBankIssuer, sellerBank.RealTokenizado, r.address(req.Seller, sellerBank.Ledger), value, 2),
	}
	funding := []bundle.Spec{
		burnSpec(buyerBankDeposits, buyerBank.RealTokenizado, value, 0),
		transferSpec(buyerBankReserves, b.market.RealDigital, r.address(req.SellerBank, b.market.CentralLedger), nil, value, 1),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{
		Handshake: b.handshake(sellerBonds, buyerBonds, order, req),
		Bundles: []BundleSpec{
			{Label: "delivery", Legs: delivery},
			{Label: "interbank", Legs: funding},
		},
	}, nil
}

// treasuryAuction settles a primary placement (1002): the treasury delivers
// bonds to a bank against reserves.
func (b *Builder) treasuryAuction(req TradeRequest, class, value *big.Int) (Instruction, error) {
	if req.Seller == "" {
		req.Seller = b.market.Treasury
	}
	if req.Seller == "" || req.Seller != b.market.Treasury {
		return Instruction{}, fmt.Errorf("settlement: auctions are sold by the treasury")
	}
	buyer, err := b.bank(req.Buyer)
	if err != nil {
		return Instruction{}, err
	}
	r := b.resolver()
	bankReserves := r.participant(req.Buyer, b.market.CentralLedger)
	treasuryBonds := r.participant(req.Seller, b.market.SelicLedger)
	bankBonds := r.participant(req.Buyer, b.market.SelicLedger)
	order := matching.Order{
		OperationID:   req.OperationID,
		Form:          matching.FormAuction,
		Sender:        r.address(req.Seller, b.market.SelicLedger),
		Receiver:      r.address(req.Buyer, b.market.SelicLedger),
		SenderCNPJ8:   b.market.TreasuryCNPJ8,
		ReceiverCNPJ8: buyer.CNPJ8,
		Instrument:    req.Instrument,
		Quantity:      new(big.Int).Set(req.Quantity),
		UnitPrice:     new(big.Int).Set(req.UnitPrice),
	}
	legs := []bundle.Spec{
		transferSpec(bankReserves, b.market.RealDigital, r.address(req.Seller, b.market.CentralLedger), nil, value, 0),
		transferSpec(treasuryBonds, b.market.TPFt, r.address(req.Buyer, b.market.SelicLedger), class, req.Quantity, 1),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{
		Handshake: b.handshake(treasuryBonds, bankBonds, order, req),
		Bundles:   []BundleSpec{{Label: "dvp", Legs: legs}},
	}, nil
}

// clientTransfer moves deposits from a client of one bank to a client of
// another: burn at the source bank, mint at the destination bank and settle
// the banks in reserves, atomically.
func (b *Builder) clientTransfer(req TradeRequest) (Instruction, error) {
	if !positive(req.Amount) {
		return Instruction{}, fmt.Errorf("settlement: transfer amount must be positive")
	}
	from, err := b.bank(req.SellerBank)
	if err != nil {
		return Instruction{}, err
	}
	to, err := b.bank(req.BuyerBank)
	if err != nil {
		return Instruction{}, err
	}
	if req.SellerBank == req.BuyerBank {
		return Instruction{}, fmt.Errorf("settlement: same-bank transfers need no settlement")
	}
	r := b.resolver()
	sender := r.participant(req.Seller, from.Ledger)
	issuer := r.participant(req.BuyerBank, to.Ledger)
	reserves := r.participant(req.SellerBank, b.market.CentralLedger)
	legs := []bundle.Spec{
		burnSpec(sender, from.RealTokenizado, req.Amount, 0),
		mintSpec(issuer, to.RealTokenizado, r.address(req.Buyer, to.Ledger), req.Amount, 1),
		transferSpec(reserves, b.market.RealDigital, r.address(req.BuyerBank, b.market.CentralLedger), nil, req.Amount, 2),
	}
	if r.err != nil {
		return Instruction{}, r.err
	}
	return Instruction{Bundles: []BundleSpec{{Label: "transfer", Legs: legs}}}, nil
}

func (b *Builder) handshake(initiator, confirmer string, order matching.Order, req TradeRequest) *Handshake {
	h := &Handshake{Initiator: initiator, Confirmer: confirmer, Order: order}
	if req.ConfirmQuantity != nil || req.ConfirmUnitPrice != nil {
		expected := order.Clone()
		if req.ConfirmQuantity != nil {
			expected.Quantity = new(big.Int).Set(req.ConfirmQuantity)
		}
		if req.ConfirmUnitPrice != nil {
			expected.UnitPrice = new(big.Int).Set(req.ConfirmUnitPrice)
		}
		h.Expected = &expected
	}
	return h
}

func (b *Builder) bank(name string) (Bank, error) {
	if name == "" {
		return Bank{}, fmt.Errorf("settlement: bank required")
	}
	bank, ok := b.market.Banks[name]
	if !ok {
		return Bank{}, fmt.Errorf("settlement: %s is not a configured bank", name)
	}
	return bank, nil
}

func (b *Builder) resolver() *partyResolver { return &partyResolver{network: b.network} }

// partyResolver keeps the first lookup error so builders read linearly.
type partyResolver struct {
	network *Network
	err     error
}

func (r *partyResolver) participant(party, ledger string) string {
	p, err := r.network.Lookup(party, ledger)
	if err != nil {
		r.keep(err)
		return ""
	}
	return p.Name
}

func (r *partyResolver) address(party, ledger string) common.Address {
	addr, err := r.network.AddressOf(party, ledger)
	if err != nil {
		r.keep(err)
	}
	return addr
}

func (r *partyResolver) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func transferSpec(participant string, asset, recipient common.Address, class, amount *big.Int, index uint32) bundle.Spec {
	kind := bundle.KindTransfer
	if class != nil {
		kind = bundle.KindTransfer1155
	}
	return bundle.Spec{
		Participant: participant,
		Kind:        kind,
		Asset:       asset,
		Recipient:   recipient,
		AssetClass:  copyInt(class),
		Amount:      copyInt(amount),
		Index:       index,
	}
}

func mintSpec(participant string, asset, recipient common.Address, amount *big.Int, index uint32) bundle.Spec {
	return bundle.Spec{Participant: participant, Kind: bundle.KindMint, Asset: asset, Recipient: recipient, Amount: copyInt(amount), Index: index}
}

func burnSpec(participant string, asset common.Address, amount *big.Int, index uint32) bundle.Spec {
	return bundle.Spec{Participant: participant, Kind: bundle.KindBurn, Asset: asset, Amount: copyInt(amount), Index: index}
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
