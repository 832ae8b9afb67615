package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"dvpsettle/native/bundle"
	"dvpsettle/observability"
	"dvpsettle/services/dvpd/settlement"
	"dvpsettle/services/dvpd/simnet"
)

// sandboxRequest fills in the sandbox parties for scenario.
func sandboxRequest(scenario string, quantity, price, amount int64) (settlement.TradeRequest, error) {
	req := settlement.TradeRequest{
		Scenario:   scenario,
		Instrument: simnet.SandboxInstrument,
		Quantity:   big.NewInt(quantity),
		UnitPrice:  big.NewInt(price),
	}
	switch scenario {
	case settlement.ScenarioBankBuysFromBank:
		req.Buyer, req.Seller = simnet.PartyBankB, simnet.PartyBankA
	case settlement.ScenarioClientBuysFromOwnBank:
		req.Buyer, req.Seller = simnet.PartyClientA, simnet.PartyBankA
	case settlement.ScenarioClientBuysFromExternalBank:
		req.Buyer, req.BuyerBank, req.Seller = simnet.PartyClientB, simnet.PartyBankB, simnet.PartyBankA
	case settlement.ScenarioClientBuysFromExternalClient:
		req.Buyer, req.BuyerBank = simnet.PartyClientB, simnet.PartyBankB
		req.Seller, req.SellerBank = simnet.PartyClientA, simnet.PartyBankA
	case settlement.ScenarioTreasuryAuction:
		req.Buyer = simnet.PartyBankB
	case settlement.ScenarioClientTransfer:
		req = settlement.TradeRequest{
			Scenario:   scenario,
			Seller:     simnet.PartyClientA,
			SellerBank: simnet.PartyBankA,
			Buyer:      simnet.PartyClientB,
			BuyerBank:  simnet.PartyBankB,
			Amount:     big.NewInt(amount),
		}
	default:
		return req, fmt.Errorf("%w: %q", settlement.ErrUnknownScenario, scenario)
	}
	return req, nil
}

func runSimulate(args []string, stdout io.Writer) error {
	fs := newFlagSet("simulate")
	scenario := fs.String("scenario", settlement.ScenarioClientTransfer, "scenario to settle")
	quantity := fs.Int64("quantity", 10, "bond units traded")
	price := fs.Int64("price", 100_000, "unit price in centavos")
	amount := fs.Int64("amount", 250_000, "transfer amount in centavos")
	dataDir := fs.String("data", "", "persist sandbox ledgers in leveldb under this directory")
	hold := fs.String("hold", "", "stop the relayer on this ledger to provoke a partial execution")
	execute := fs.String("execute", string(settlement.ExecuteRelayer), "relayer or caller execution")
	hasherName := fs.String("hasher", bundle.HasherPoseidon, "commitment hasher")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	verbose := fs.Bool("v", false, "log settlement progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := sandboxRequest(*scenario, *quantity, *price, *amount)
	if err != nil {
		return err
	}
	hasher, err := bundle.HasherByName(*hasherName)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	clock := simnet.NewManualClock(time.Now().UTC())
	netOpts := []simnet.Option{simnet.WithCommitment(hasher, bundle.DefaultWidth)}
	if settlement.ExecuteMode(*execute) == settlement.ExecuteCaller {
		netOpts = append(netOpts, simnet.WithoutRelayer())
	}
	if *dataDir != "" {
		netOpts = append(netOpts, simnet.WithLevelDB(*dataDir))
	}
	sb, err := simnet.NewSandbox(clock, netOpts...)
	if err != nil {
		return err
	}
	defer sb.Net.Close()
	if *hold != "" {
		sb.Net.Hold(*hold, true)
	}

	builder, err := settlement.NewBuilder(sb.Network, sb.Market, clock.Now)
	if err != nil {
		return err
	}
	if req.OperationID == 0 {
		req.OperationID = settlement.NewOperationID(clock.Now())
	}
	inst, err := builder.Build(context.Background(), req)
	if err != nil {
		return err
	}
	orch := settlement.NewOrchestrator(sb.Network,
		settlement.WithClock(clock),
		settlement.WithLogger(logger),
		settlement.WithEmitter(observability.NewEventLog(logger)),
		settlement.WithCommitment(hasher, bundle.DefaultWidth),
		settlement.WithExecuteMode(settlement.ExecuteMode(*execute)),
	)
	report, runErr := orch.Run(context.Background(), inst)
	if *asJSON {
		if err := printJSON(stdout, report); err != nil {
			return err
		}
		return runErr
	}
	if err := printSummary(stdout, sb, report); err != nil {
		return err
	}
	return runErr
}

func printSummary(w io.Writer, sb *simnet.Sandbox, report *settlement.Report) error {
	p := message.NewPrinter(language.BrazilianPortuguese)
	fmt.Fprintf(w, "run %s  scenario %s  outcome %s\n", report.RunID, report.Scenario, report.Outcome)
	if h := report.Handshake; h != nil {
		fmt.Fprintf(w, "order %d  matched %t  finalized %t\n", h.OperationID, h.Matched, h.Finalized != nil)
	}
	for _, b := range report.Bundles {
		fmt.Fprintf(w, "bundle %s  %s  %s\n", b.Label, b.Commitment, b.Outcome)
		for _, l := range b.Legs {
			fmt.Fprintf(w, "  leg %d  %-14s %-9s %-10s %s\n", l.Index, l.Participant, l.Kind, l.StatusName, l.Amount)
		}
	}
	for _, reason := range report.Attention {
		fmt.Fprintf(w, "ATTENTION %s\n", reason)
	}

	table := newTable(w, "party", "reserves", "deposits", "bonds")
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	m := sb.Market
	for _, party := range []string{simnet.PartyTreasury, simnet.PartyBankA, simnet.PartyBankB, simnet.PartyClientA, simnet.PartyClientB} {
		reserves, err := sb.Balance(simnet.LedgerCentral, m.RealDigital, nil, party)
		if err != nil {
			return err
		}
		deposits := new(big.Int)
		for _, bank := range m.Banks {
			bal, err := sb.Balance(bank.Ledger, bank.RealTokenizado, nil, party)
			if err != nil {
				return err
			}
			deposits.Add(deposits, bal)
		}
		bonds, err := sb.Balance(simnet.LedgerSelic, m.TPFt, sb.BondClass, party)
		if err != nil {
			return err
		}
		table.Append([]string{party, formatBRL(p, reserves), formatBRL(p, deposits), p.Sprintf("%d", bonds.Int64())})
	}
	table.Render()
	return nil
}

// formatBRL renders an amount in centavos as reais with pt-BR grouping.
func formatBRL(p *message.Printer, centavos *big.Int) string {
	sign := ""
	v := new(big.Int).Set(centavos)
	if v.Sign() < 0 {
		sign = "-"
		v.Neg(v)
	}
	whole, cents := new(big.Int).QuoRem(v, big.NewInt(100), new(big.Int))
	reais := whole.String()
	if whole.IsInt64() {
		reais = p.Sprintf("%d", whole.Int64())
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, reais, cents.Int64())
}
